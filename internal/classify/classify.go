// Package classify turns raw render output into structured error records with
// stable fingerprints. Detectors run in a fixed priority order so the same
// output always classifies the same way.
package classify

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"sceneforge/internal/logging"
)

// Kind is the error taxonomy.
type Kind string

const (
	KindStructural         Kind = "structural"
	KindUndefinedReference Kind = "undefined-reference"
	KindCapabilityMismatch Kind = "capability-mismatch"
	KindParameterMismatch  Kind = "parameter-mismatch"
	KindLayoutConflict     Kind = "layout-conflict"
	KindTimeout            Kind = "timeout"
	KindArtifactMissing    Kind = "artifact-not-produced"
	KindUnknown            Kind = "unknown"
)

// Record is a classified error. Fingerprint is stable across runs for
// semantically identical errors: line numbers, instance names, addresses and
// paths are stripped before hashing.
type Record struct {
	Fingerprint string
	Kind        Kind
	Message     string
	RawOutput   string
	Patterns    []string
}

// Input carries what the classifier needs from one execution.
type Input struct {
	Stdout          string
	Stderr          string
	TimedOut        bool
	ArtifactMissing bool
}

// detector tests combined output for one category signature.
type detector struct {
	kind     Kind
	match    *regexp.Regexp
	extracts []*regexp.Regexp
}

// Detectors are ordered: first match wins. Capability mismatches are checked
// before undefined references because a removed API surfaces as an import
// error too.
var detectors = []detector{
	{
		kind:  KindStructural,
		match: regexp.MustCompile(`(?i)SyntaxError|IndentationError|unexpected EOF|invalid syntax|unmatched '[\)\]\}]'`),
		extracts: []*regexp.Regexp{
			regexp.MustCompile(`(SyntaxError|IndentationError): ([^\n]+)`),
		},
	},
	{
		kind:  KindCapabilityMismatch,
		match: regexp.MustCompile(`(?i)is deprecated|has been deprecated|has been removed|no longer supported|cannot import name`),
		extracts: []*regexp.Regexp{
			regexp.MustCompile(`cannot import name '(\w+)'`),
			regexp.MustCompile(`(\w+) (?:is|has been) deprecated`),
		},
	},
	{
		kind:  KindUndefinedReference,
		match: regexp.MustCompile(`NameError|is not defined|has no attribute|ModuleNotFoundError|ImportError|UndefinedError`),
		extracts: []*regexp.Regexp{
			regexp.MustCompile(`name '(\w+)' is not defined`),
			regexp.MustCompile(`has no attribute '(\w+)'`),
			regexp.MustCompile(`No module named '([\w.]+)'`),
		},
	},
	{
		kind:  KindParameterMismatch,
		match: regexp.MustCompile(`unexpected keyword argument|takes \d+ positional arguments?|missing \d+ required|got multiple values for argument`),
		extracts: []*regexp.Regexp{
			regexp.MustCompile(`unexpected keyword argument '(\w+)'`),
			regexp.MustCompile(`missing \d+ required positional arguments?: ([^\n]+)`),
		},
	},
	{
		kind:  KindLayoutConflict,
		match: regexp.MustCompile(`(?i)overlap|out of frame|outside the frame|exceeds frame bounds|off.screen`),
		extracts: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(\w+) overlaps (\w+)`),
		},
	},
}

// Normalization patterns applied before fingerprinting.
var (
	reFileLine  = regexp.MustCompile(`File "[^"]*", line \d+`)
	reLine      = regexp.MustCompile(`\bline \d+\b`)
	reAddr      = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reInstance  = regexp.MustCompile(`\b([A-Za-z][A-Za-z]+)_\d+\b`)
	reTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}[\d.:+Z-]*`)
	rePath      = regexp.MustCompile(`(?:/[\w.~-]+){2,}`)
	reSpaces    = regexp.MustCompile(`\s+`)
)

// Classifier applies the ordered detector set.
type Classifier struct{}

// New creates a classifier.
func New() *Classifier {
	return &Classifier{}
}

// Classify never fails: output that matches no detector becomes KindUnknown
// with the raw text preserved.
func (c *Classifier) Classify(in Input) Record {
	combined := in.Stdout
	if in.Stderr != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += in.Stderr
	}

	if in.TimedOut {
		return c.record(KindTimeout, "render timed out", combined, nil)
	}

	for _, d := range detectors {
		loc := d.match.FindStringIndex(combined)
		if loc == nil {
			continue
		}
		msg := messageAround(combined, loc[0])
		var patterns []string
		for _, ex := range d.extracts {
			for _, m := range ex.FindAllStringSubmatch(combined, -1) {
				if len(m) > 1 {
					patterns = append(patterns, m[1])
				}
			}
		}
		logging.Classify("matched %s: %s", d.kind, msg)
		return c.record(d.kind, msg, combined, patterns)
	}

	if in.ArtifactMissing {
		return c.record(KindArtifactMissing, "render exited cleanly but produced no artifact", combined, nil)
	}

	msg := strings.TrimSpace(combined)
	if msg == "" {
		msg = "no output captured"
	}
	return c.record(KindUnknown, msg, combined, nil)
}

func (c *Classifier) record(kind Kind, message, raw string, patterns []string) Record {
	return Record{
		Fingerprint: Fingerprint(kind, message),
		Kind:        kind,
		Message:     message,
		RawOutput:   raw,
		Patterns:    patterns,
	}
}

// messageAround returns the line containing the match, the most useful single
// line of a traceback.
func messageAround(s string, idx int) string {
	start := strings.LastIndexByte(s[:idx], '\n') + 1
	end := strings.IndexByte(s[idx:], '\n')
	if end < 0 {
		end = len(s)
	} else {
		end += idx
	}
	return strings.TrimSpace(s[start:end])
}

// Normalize strips run-specific noise so that two outputs describing the same
// error reduce to the same string.
func Normalize(message string) string {
	m := reFileLine.ReplaceAllString(message, `File "<path>", line <n>`)
	m = reLine.ReplaceAllString(m, "line <n>")
	m = reAddr.ReplaceAllString(m, "<addr>")
	m = reTimestamp.ReplaceAllString(m, "<ts>")
	m = rePath.ReplaceAllString(m, "<path>")
	m = reInstance.ReplaceAllString(m, "$1")
	m = reSpaces.ReplaceAllString(m, " ")
	return strings.TrimSpace(strings.ToLower(m))
}

// Fingerprint hashes kind plus the normalized message.
func Fingerprint(kind Kind, message string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%s", kind, Normalize(message))))
	return hex.EncodeToString(sum[:])
}
