package fingerprint

import (
	"regexp"
	"strings"

	"github.com/flaretrack/flaretrack/internal/models"
)

// normalizedFrame is a stack frame reduced to its stable, semantic parts.
// Line numbers and absolute path prefixes are dropped before hashing.
type normalizedFrame struct {
	module   string
	function string
}

// maxModuleSegments is how many trailing path segments survive as the
// logical module path once prefixes are stripped.
const maxModuleSegments = 3

// Well-known path roots: everything up to and including the root is an
// install- or checkout-specific prefix and is discarded.
var moduleRoots = []string{
	"/src/",
	"/app/",
	"node_modules/",
	"site-packages/",
	"/packages/",
}

// Closure name noise stripped from function identifiers when a stable parent
// name remains: Go closure suffixes, Python/JS anonymous markers, and
// numbered lambda suffixes.
var (
	reClosureSuffix = regexp.MustCompile(`(\.func\d+|\.<locals>\.[\w<>]+|\$\d+|\.lambda_\d+)+$`)
	reAnonymous     = regexp.MustCompile(`^(<anonymous>|<lambda>|anonymous|\(anonymous\))$`)
)

// normalizeFrames filters vendor frames, cleans function identifiers, strips
// path prefixes, and truncates to the top application frames. Frames arrive
// ordered closest to the throw site first and that order is preserved: a
// reordered stack is a differently-shaped error.
func (e *Engine) normalizeFrames(frames []models.StackFrame) []normalizedFrame {
	out := make([]normalizedFrame, 0, e.topFrames)

	for _, f := range frames {
		if f.File == "" && f.Function == "" {
			continue
		}
		if e.isVendorFrame(f.File) {
			continue
		}

		out = append(out, normalizedFrame{
			module:   normalizeModulePath(f.File),
			function: normalizeFunction(f.Function),
		})
		if len(out) == e.topFrames {
			break
		}
	}
	return out
}

// isVendorFrame reports whether a frame belongs to a known
// framework/library/vendor path.
func (e *Engine) isVendorFrame(file string) bool {
	lower := strings.ToLower(file)
	for _, p := range e.vendorPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// normalizeFunction extracts a stable function identifier. Closure and
// anonymous-name noise is stripped when a named parent remains; otherwise the
// raw identifier is kept so distinct errors stay distinct.
func normalizeFunction(fn string) string {
	fn = strings.TrimSpace(fn)
	if fn == "" {
		return ""
	}
	if reAnonymous.MatchString(fn) {
		return fn
	}
	stripped := reClosureSuffix.ReplaceAllString(fn, "")
	if stripped == "" {
		return fn
	}
	return stripped
}

// normalizeModulePath reduces a file path to its logical module path:
// separators are unified, a well-known root prefix is cut, and at most the
// trailing segments are kept so absolute install prefixes never contribute.
func normalizeModulePath(file string) string {
	p := strings.ToLower(strings.ReplaceAll(file, "\\", "/"))

	for _, root := range moduleRoots {
		if idx := strings.LastIndex(p, root); idx >= 0 {
			p = p[idx+len(root):]
			break
		}
	}

	segs := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(segs) > maxModuleSegments {
		segs = segs[len(segs)-maxModuleSegments:]
	}
	return strings.Join(segs, "/")
}
