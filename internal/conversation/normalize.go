package conversation

import (
	"fmt"
	"strings"
)

// Normalize reshapes an arbitrary list of turns into the strict form the
// upstream requires:
//
//  1. all system turns are hoisted, in order, into LeadingSystemText
//  2. consecutive turns with the same role are merged, parts in order
//  3. a synthetic empty user turn is prepended when the first turn is not
//     user-authored
//  4. tool-result turns are folded into the assistant turn they answer
//  5. the result strictly alternates user/assistant, starting with user
//
// Step 5 is an invariant, not a best-effort cleanup: a violation after
// steps 1-4 is a logic defect and surfaces as an error.
//
// An empty input yields a single synthetic empty user turn. An input that
// contains only system turns yields LeadingSystemText plus ErrNoUserContent,
// which the caller must treat as invalid.
func Normalize(turns []Turn) (Normalized, error) {
	if len(turns) == 0 {
		return Normalized{Turns: []Turn{syntheticUserTurn()}}, nil
	}

	var out Normalized

	var system []string
	rest := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == RoleSystem {
			if txt := t.JoinedText(); strings.TrimSpace(txt) != "" {
				system = append(system, txt)
			}
			continue
		}
		rest = append(rest, cloneTurn(t))
	}
	out.LeadingSystemText = strings.Join(system, "\n\n")

	if len(rest) == 0 {
		return out, ErrNoUserContent
	}

	folded := make([]Turn, 0, len(rest))
	for _, t := range rest {
		if t.Role == RoleTool {
			// Tool output is auxiliary content of the assistant turn it
			// answers, not a standalone alternating turn.
			if len(folded) == 0 || folded[len(folded)-1].Role != RoleAssistant {
				return Normalized{}, &NormalizationError{Reason: "tool result without a preceding assistant turn"}
			}
			last := &folded[len(folded)-1]
			last.Parts = append(last.Parts, t.Parts...)
			continue
		}
		folded = append(folded, t)
	}

	merged := make([]Turn, 0, len(folded))
	for _, t := range folded {
		if n := len(merged); n > 0 && merged[n-1].Role == t.Role {
			merged[n-1].Parts = append(merged[n-1].Parts, t.Parts...)
			continue
		}
		merged = append(merged, t)
	}

	if merged[0].Role != RoleUser {
		merged = append([]Turn{syntheticUserTurn()}, merged...)
	}

	if err := assertAlternation(merged); err != nil {
		return Normalized{}, err
	}

	out.Turns = merged
	return out, nil
}

func syntheticUserTurn() Turn {
	return Turn{Role: RoleUser, Parts: []Part{TextOf("")}}
}

func cloneTurn(t Turn) Turn {
	parts := make([]Part, len(t.Parts))
	copy(parts, t.Parts)
	return Turn{Role: t.Role, Parts: parts}
}

func assertAlternation(turns []Turn) error {
	want := RoleUser
	for i, t := range turns {
		if t.Role != want {
			return &NormalizationError{Reason: fmt.Sprintf("turn %d has role %q, want %q", i, t.Role, want)}
		}
		if want == RoleUser {
			want = RoleAssistant
		} else {
			want = RoleUser
		}
	}
	return nil
}
