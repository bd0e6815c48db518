package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/alanyang/promptlab/internal/domain/card"
	"github.com/alanyang/promptlab/internal/domain/fault"
	portdef "github.com/alanyang/promptlab/internal/port/definition"
)

var _ portdef.Lookup = (*Definitions)(nil)

// Definitions serves cards held in memory, optionally seeded from a YAML file.
type Definitions struct {
	mu    sync.RWMutex
	cards map[string]card.Card
}

func NewDefinitions(cards ...card.Card) *Definitions {
	d := &Definitions{cards: make(map[string]card.Card, len(cards))}
	for _, c := range cards {
		d.cards[c.ID] = c
	}
	return d
}

type definitionsFile struct {
	Cards []yamlCard `yaml:"cards"`
}

type yamlCard struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Template    string         `yaml:"template"`
	Model       string         `yaml:"model"`
	InputSchema map[string]any `yaml:"inputSchema"`
	TestCases   []struct {
		ID       string         `yaml:"id"`
		Name     string         `yaml:"name"`
		Inputs   map[string]any `yaml:"inputs"`
		Expected string         `yaml:"expected"`
	} `yaml:"testCases"`
}

// LoadDefinitions reads a YAML file of the form `cards: [{id, template, testCases: [...]}]`.
func LoadDefinitions(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions %s: %w", path, err)
	}
	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse definitions %s: %w", path, err)
	}

	cards := make([]card.Card, 0, len(f.Cards))
	for _, yc := range f.Cards {
		if yc.ID == "" {
			return nil, fmt.Errorf("%w: definitions %s: card without id", fault.ErrConfig, path)
		}
		c := card.Card{ID: yc.ID, Name: yc.Name, Template: yc.Template, Model: yc.Model}
		if len(yc.InputSchema) > 0 {
			raw, err := json.Marshal(yc.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("card %s input schema: %w", yc.ID, err)
			}
			c.InputSchema = raw
		}
		for _, tc := range yc.TestCases {
			c.TestCases = append(c.TestCases, card.TestCase{
				ID:       tc.ID,
				Name:     tc.Name,
				Inputs:   tc.Inputs,
				Expected: tc.Expected,
			})
		}
		cards = append(cards, c)
	}
	return NewDefinitions(cards...), nil
}

func (d *Definitions) GetCard(_ context.Context, cardID string) (card.Card, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.cards[cardID]
	if !ok {
		return card.Card{}, fmt.Errorf("card %q: %w", cardID, fault.ErrNotFound)
	}
	return c, nil
}

func (d *Definitions) Put(c card.Card) {
	d.mu.Lock()
	d.cards[c.ID] = c
	d.mu.Unlock()
}
