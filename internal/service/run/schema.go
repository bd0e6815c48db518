package run

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/alanyang/promptlab/internal/domain/card"
	"github.com/alanyang/promptlab/internal/domain/fault"
)

// inputValidator checks test case inputs against a card's input schema.
// Compiled schemas are kept per schema digest.
type inputValidator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newInputValidator() *inputValidator {
	return &inputValidator{compiled: make(map[string]*jsonschema.Schema)}
}

func (v *inputValidator) validate(c card.Card, tcs []card.TestCase) error {
	if len(bytes.TrimSpace(c.InputSchema)) == 0 {
		return nil
	}
	schema, err := v.schema(c)
	if err != nil {
		return err
	}
	for _, tc := range tcs {
		raw, err := json.Marshal(tc.Inputs)
		if err != nil {
			return fmt.Errorf("%w: test case %s inputs: %v", fault.ErrValidation, tc.ID, err)
		}
		// Round-trip so numbers and maps have the shapes the validator expects.
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("%w: test case %s inputs: %v", fault.ErrValidation, tc.ID, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
		if err := schema.Validate(doc); err != nil {
			return fmt.Errorf("%w: test case %s inputs do not match card schema: %v", fault.ErrValidation, tc.ID, err)
		}
	}
	return nil
}

func (v *inputValidator) schema(c card.Card) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(c.InputSchema)
	key := hex.EncodeToString(sum[:])

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.compiled[key]; ok {
		return s, nil
	}
	url := "mem://schemas/" + key + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(c.InputSchema)); err != nil {
		return nil, fmt.Errorf("%w: card %s input schema: %v", fault.ErrValidation, c.ID, err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: compile card %s input schema: %v", fault.ErrValidation, c.ID, err)
	}
	v.compiled[key] = s
	return s, nil
}
