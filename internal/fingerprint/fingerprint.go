// Package fingerprint derives deterministic grouping keys from error events.
// The engine is a pure function over (type, message, frames): identical input
// always yields the identical key, and normalization strips volatile noise so
// two occurrences of the same logical error group together.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/flaretrack/flaretrack/internal/models"
)

// Separators used when concatenating normalized parts before hashing.
// They cannot occur in normalized output, so the encoding is unambiguous.
const (
	partSep  = "\x00"
	frameSep = "\x1e"
	fieldSep = "\x1f"
)

// Config controls fingerprint normalization.
type Config struct {
	// TopFrames is the number of application frames (closest to the throw
	// site) that contribute to the key.
	TopFrames int
	// HashLength is the length of the hex key, up to 64 characters.
	HashLength int
	// VendorPatterns are substrings identifying framework/library/vendor
	// frames to drop. Matched against the frame file path.
	VendorPatterns []string
}

// DefaultConfig returns the default fingerprint configuration.
func DefaultConfig() Config {
	return Config{
		TopFrames:  5,
		HashLength: 64,
		VendorPatterns: []string{
			"/vendor/",
			"node_modules/",
			"site-packages/",
			"/usr/lib/",
			"/usr/local/lib/",
			"<frozen ",
		},
	}
}

// Engine computes fingerprints. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	topFrames      int
	hashLength     int
	vendorPatterns []string
}

// NewEngine creates a fingerprint engine from the given configuration.
func NewEngine(cfg Config) *Engine {
	if cfg.TopFrames <= 0 {
		cfg.TopFrames = 5
	}
	if cfg.HashLength <= 0 || cfg.HashLength > sha256.Size*2 {
		cfg.HashLength = sha256.Size * 2
	}
	return &Engine{
		topFrames:      cfg.TopFrames,
		hashLength:     cfg.HashLength,
		vendorPatterns: cfg.VendorPatterns,
	}
}

// Fingerprint computes the grouping key for an error. It never fails: a
// missing or unparseable stack degrades to a type+message key.
func (e *Engine) Fingerprint(errType, message string, frames []models.StackFrame) string {
	var sb strings.Builder

	sb.WriteString(strings.TrimSpace(errType))
	sb.WriteString(partSep)
	sb.WriteString(NormalizeMessage(message))
	sb.WriteString(partSep)

	normalized := e.normalizeFrames(frames)
	for i, f := range normalized {
		if i > 0 {
			sb.WriteString(frameSep)
		}
		sb.WriteString(f.module)
		sb.WriteString(fieldSep)
		sb.WriteString(f.function)
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])[:e.hashLength]
}
