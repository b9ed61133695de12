package repair

import (
	"fmt"
	"strings"

	"sceneforge/internal/classify"
	"sceneforge/internal/llm"
)

// validateCandidate is the structural gate a repaired candidate must pass
// before it is executed: still a program, still declares the entry point,
// brackets balance, and the flagged anti-pattern is not back.
func validateCandidate(program, entryPoint string, rec classify.Record) error {
	if strings.TrimSpace(program) == "" {
		return fmt.Errorf("candidate is empty")
	}

	if got := llm.ExtractEntryPoint(program); got != entryPoint {
		return fmt.Errorf("entry point %q missing (found %q)", entryPoint, got)
	}

	if err := checkBalance(program); err != nil {
		return err
	}

	switch rec.Kind {
	case classify.KindCapabilityMismatch, classify.KindUndefinedReference:
		for _, p := range rec.Patterns {
			if p == "" {
				continue
			}
			if strings.Contains(program, p) {
				return fmt.Errorf("flagged identifier %q reintroduced", p)
			}
		}
	}

	return llm.ScanSafety(program)
}

// checkBalance verifies brackets pair up, ignoring string literals.
func checkBalance(program string) error {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	inString := byte(0)

	for i := 0; i < len(program); i++ {
		ch := program[i]

		if inString != 0 {
			if ch == '\\' {
				i++
			} else if ch == inString {
				inString = 0
			}
			continue
		}

		switch ch {
		case '"', '\'':
			inString = ch
		case '(', '[', '{':
			stack = append(stack, ch)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[ch] {
				return fmt.Errorf("unbalanced %q at offset %d", string(ch), i)
			}
			stack = stack[:len(stack)-1]
		}
	}

	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q", string(stack[len(stack)-1]))
	}
	return nil
}
