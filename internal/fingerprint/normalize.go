package fingerprint

import (
	"regexp"
	"strings"
)

// Redaction placeholders. Each volatile token class maps to a fixed
// placeholder so messages differing only in embedded identifiers normalize
// identically.
const (
	placeholderTimestamp = "<ts>"
	placeholderUUID      = "<uuid>"
	placeholderHex       = "<hex>"
	placeholderPath      = "<path>"
	placeholderNumber    = "<num>"
)

// Redaction patterns, applied in order. Timestamps before numbers so date
// digits are not consumed piecemeal; UUIDs before hex so a UUID is not
// split into hex fragments.
var (
	reTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:z|[+-]\d{2}:?\d{2})?`)
	reUUID      = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reHexID     = regexp.MustCompile(`(?:0x[0-9a-f]+|\b[0-9a-f]{16,}\b)`)
	rePath      = regexp.MustCompile(`(?:[a-z]:)?(?:[\\/][\w.\-]+){2,}`)
	reNumber    = regexp.MustCompile(`\d+`)
	reSpaces    = regexp.MustCompile(`\s+`)
)

// NormalizeMessage lowercases, trims, and redacts volatile substrings from an
// error message. The result is deterministic for any input.
func NormalizeMessage(message string) string {
	m := strings.ToLower(strings.TrimSpace(message))

	m = reTimestamp.ReplaceAllString(m, placeholderTimestamp)
	m = reUUID.ReplaceAllString(m, placeholderUUID)
	m = reHexID.ReplaceAllString(m, placeholderHex)
	m = rePath.ReplaceAllString(m, placeholderPath)
	m = reNumber.ReplaceAllString(m, placeholderNumber)

	m = reSpaces.ReplaceAllString(m, " ")
	return m
}
