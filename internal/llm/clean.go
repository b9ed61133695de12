package llm

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	reFencedBlock = regexp.MustCompile("(?s)```[a-zA-Z]*\\n(.*?)```")
	reCodeStart   = regexp.MustCompile(`^(from |import |class |def |#|@)`)
)

// ExtractCode pulls scene code out of a model response. Fenced blocks win;
// otherwise everything before the first code-looking line is dropped, which
// strips the model's self-talk.
func ExtractCode(raw string) string {
	if blocks := reFencedBlock.FindAllStringSubmatch(raw, -1); len(blocks) > 0 {
		// The longest block is the program; short ones are usually quoted
		// snippets inside the explanation.
		best := ""
		for _, b := range blocks {
			if len(b[1]) > len(best) {
				best = b[1]
			}
		}
		return normalize(best)
	}

	lines := strings.Split(raw, "\n")
	start := 0
	for i, line := range lines {
		if reCodeStart.MatchString(strings.TrimLeft(line, " \t")) && !strings.HasPrefix(line, " ") {
			start = i
			break
		}
	}
	return normalize(strings.Join(lines[start:], "\n"))
}

func normalize(code string) string {
	code = strings.ReplaceAll(code, "\t", "    ")
	return strings.TrimSpace(code) + "\n"
}

// Constructs the sandbox must never see. The render child runs with host
// privileges, so generated code reaching for these is rejected before it is
// ever written to disk.
var forbidden = []string{
	"os.system",
	"subprocess",
	"shutil.rmtree",
	"__import__",
	"eval(",
	"exec(",
	"socket.",
	"urllib",
	"requests.",
	"pickle.loads",
}

// ScanSafety rejects code containing escape-hatch constructs.
func ScanSafety(code string) error {
	for _, pattern := range forbidden {
		if strings.Contains(code, pattern) {
			return fmt.Errorf("forbidden construct %q", pattern)
		}
	}
	return nil
}

// ExtractEntryPoint finds the declared scene class name in candidate code.
// Returns empty when no declaration is present.
func ExtractEntryPoint(code string) string {
	m := regexp.MustCompile(`(?m)^class\s+(\w+)\s*\(`).FindStringSubmatch(code)
	if m == nil {
		return ""
	}
	return m[1]
}
