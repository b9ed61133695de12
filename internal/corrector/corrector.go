// Package corrector applies deterministic rewrites to candidate scene code.
// Apply is a pure function and a fixpoint: running it twice on the same input
// yields the same output, so the repair loop can use "output == input" to
// decide when to escalate to model-assisted repair.
package corrector

import (
	"fmt"
	"regexp"
	"strings"

	"sceneforge/internal/classify"
	"sceneforge/internal/logging"
)

// Result of one correction.
type Result struct {
	Program string
	Applied []string
	Changed bool
	// GaveUp is set when layout analysis exceeded its pass bound or stopped
	// improving; the caller should hand the program to the model instead.
	GaveUp bool
}

// rewriteRule maps a known anti-pattern to a safe equivalent.
type rewriteRule struct {
	id      string
	kind    classify.Kind
	match   *regexp.Regexp
	replace string
}

// Renamed or removed renderer APIs and their modern equivalents. The
// replacement never re-matches its own pattern, which keeps each rule
// idempotent.
var rewriteTable = []rewriteRule{
	{"show-creation", classify.KindCapabilityMismatch, regexp.MustCompile(`\bShowCreation\b`), "Create"},
	{"text-mobject", classify.KindCapabilityMismatch, regexp.MustCompile(`\bTextMobject\b`), "Text"},
	{"tex-mobject", classify.KindCapabilityMismatch, regexp.MustCompile(`\bTexMobject\b`), "MathTex"},
	{"parametric-surface", classify.KindCapabilityMismatch, regexp.MustCompile(`\bParametricSurface\b`), "Surface"},
	{"get-graph", classify.KindCapabilityMismatch, regexp.MustCompile(`\.get_graph\(`), ".plot("},
	{"fade-in-from-down", classify.KindCapabilityMismatch, regexp.MustCompile(`\bFadeInFromDown\b`), "FadeIn"},
	{"fade-out-shift", classify.KindCapabilityMismatch, regexp.MustCompile(`\bFadeOutAndShift\b`), "FadeOut"},

	// The same aliases surface as NameErrors when the import succeeded but
	// the symbol is gone.
	{"show-creation-undef", classify.KindUndefinedReference, regexp.MustCompile(`\bShowCreation\b`), "Create"},
	{"text-mobject-undef", classify.KindUndefinedReference, regexp.MustCompile(`\bTextMobject\b`), "Text"},
	{"tex-mobject-undef", classify.KindUndefinedReference, regexp.MustCompile(`\bTexMobject\b`), "MathTex"},
}

var (
	reFence       = regexp.MustCompile("(?m)^```[a-zA-Z]*\\s*$\n?")
	reTrailingWS  = regexp.MustCompile(`(?m)[ \t]+$`)
	reKwEligible  = regexp.MustCompile(`^\w+$`)
)

// Corrector holds tuning for the layout pass.
type Corrector struct {
	layout LayoutSpec
}

// New creates a corrector with the default layout geometry.
func New() *Corrector {
	return &Corrector{layout: DefaultLayoutSpec()}
}

// NewWithLayout creates a corrector with custom layout geometry.
func NewWithLayout(spec LayoutSpec) *Corrector {
	return &Corrector{layout: spec}
}

// Apply rewrites program according to the classified error. Unknown and
// timeout kinds pass through untouched apart from hygiene fixes.
func (c *Corrector) Apply(program string, rec classify.Record) Result {
	res := Result{Program: program}

	// Hygiene first: stray markdown fences and trailing whitespace are safe
	// to drop for any error kind.
	out := reFence.ReplaceAllString(program, "")
	out = reTrailingWS.ReplaceAllString(out, "")
	if out != program {
		res.Applied = append(res.Applied, "strip-noise")
	}

	for _, rule := range rewriteTable {
		if rule.kind != rec.Kind {
			continue
		}
		if rule.match.MatchString(out) {
			out = rule.match.ReplaceAllString(out, rule.replace)
			res.Applied = append(res.Applied, rule.id)
			logging.Corrector("rewrite %s applied", rule.id)
		}
	}

	if rec.Kind == classify.KindParameterMismatch {
		for _, kw := range rec.Patterns {
			if !reKwEligible.MatchString(kw) {
				continue
			}
			next := removeKeywordArg(out, kw)
			if next != out {
				out = next
				res.Applied = append(res.Applied, fmt.Sprintf("drop-kwarg-%s", kw))
				logging.Corrector("dropped keyword argument %s", kw)
			}
		}
	}

	if rec.Kind == classify.KindLayoutConflict {
		fixed, passes, gaveUp := c.fixLayout(out)
		if gaveUp {
			// Partial layout edits are not worth keeping; let the model see
			// the original arrangement.
			res.GaveUp = true
			logging.Corrector("layout analysis gave up after %d passes", passes)
		} else if fixed != out {
			out = fixed
			res.Applied = append(res.Applied, "layout-reflow")
			logging.Corrector("layout reflow converged in %d passes", passes)
		}
	}

	res.Program = out
	res.Changed = out != program
	return res
}

// removeKeywordArg deletes `kw=value` from call sites. Three shapes are
// handled so the surrounding argument list stays well formed.
func removeKeywordArg(code, kw string) string {
	mid := regexp.MustCompile(`,\s*` + regexp.QuoteMeta(kw) + `\s*=\s*[^,()\[\]]+`)
	lead := regexp.MustCompile(regexp.QuoteMeta(kw) + `\s*=\s*[^,()\[\]]+\s*,\s*`)
	only := regexp.MustCompile(regexp.QuoteMeta(kw) + `\s*=\s*[^,()\[\]]+`)

	out := mid.ReplaceAllString(code, "")
	out = lead.ReplaceAllString(out, "")
	out = only.ReplaceAllString(out, "")
	return out
}

// RuleIDs returns the identifiers of all static rewrite rules, used by the
// stats command.
func RuleIDs() []string {
	ids := make([]string, 0, len(rewriteTable))
	seen := make(map[string]bool)
	for _, r := range rewriteTable {
		base := strings.TrimSuffix(r.id, "-undef")
		if !seen[base] {
			seen[base] = true
			ids = append(ids, base)
		}
	}
	return ids
}
