package card

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/alanyang/promptlab/internal/domain/fault"
)

// Card is a prompt template with its attached test cases. Cards are owned by the
// CRUD layer; the coordination core only reads them.
type Card struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Template    string          `json:"template"`
	Model       string          `json:"model"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	TestCases   []TestCase      `json:"test_cases"`
}

type TestCase struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Inputs   map[string]any `json:"inputs"`
	Expected string         `json:"expected,omitempty"`
}

// Select returns the test cases whose ids are listed, in the order given.
// An empty ids list selects every test case on the card.
func (c Card) Select(ids []string) ([]TestCase, error) {
	if len(ids) == 0 {
		out := make([]TestCase, len(c.TestCases))
		copy(out, c.TestCases)
		return out, nil
	}
	byID := make(map[string]TestCase, len(c.TestCases))
	for _, tc := range c.TestCases {
		byID[tc.ID] = tc
	}
	out := make([]TestCase, 0, len(ids))
	for _, id := range ids {
		tc, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: test case %q not on card %s", fault.ErrValidation, id, c.ID)
		}
		out = append(out, tc)
	}
	return out, nil
}

// Render substitutes {{name}} placeholders in the card template with the test
// case inputs. Unknown placeholders are left untouched.
func (c Card) Render(tc TestCase) string {
	if len(tc.Inputs) == 0 {
		return c.Template
	}
	keys := make([]string, 0, len(tc.Inputs))
	for k := range tc.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*4)
	for _, k := range keys {
		v := fmt.Sprint(tc.Inputs[k])
		pairs = append(pairs, "{{"+k+"}}", v, "{{ "+k+" }}", v)
	}
	return strings.NewReplacer(pairs...).Replace(c.Template)
}
