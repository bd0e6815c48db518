package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyang/promptlab/internal/adapter/llm"
	"github.com/alanyang/promptlab/internal/adapter/memory"
	"github.com/alanyang/promptlab/internal/bootstrap"
	"github.com/alanyang/promptlab/internal/config"
	"github.com/alanyang/promptlab/internal/domain/card"
	portmodel "github.com/alanyang/promptlab/internal/port/model"
)

// NewCore starts an in-memory coordinator serving cards. A nil invoker selects
// the echo invoker. The core is stopped and drained when the test ends.
func NewCore(t *testing.T, cfg config.Config, invoker portmodel.Invoker, cards ...card.Card) *bootstrap.Core {
	t.Helper()
	return NewCoreWithStores(t, cfg, bootstrap.MemoryStores(memory.NewDefinitions(cards...)), invoker)
}

// NewCoreWithStores is NewCore over caller-provided stores, e.g. with a mock swapped in.
func NewCoreWithStores(t *testing.T, cfg config.Config, st bootstrap.Stores, invoker portmodel.Invoker) *bootstrap.Core {
	t.Helper()
	if invoker == nil {
		invoker = llm.StubInvoker{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	core, err := bootstrap.NewCore(ctx, cfg, st, invoker)
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		core.Wait()
	})
	return core
}

// Greeting is a two-case card that renders with the echo invoker.
var Greeting = card.Card{
	ID:       "greeting",
	Name:     "Greeting",
	Template: "Say hello to {{name}}",
	Model:    "small",
	TestCases: []card.TestCase{
		{ID: "tc-1", Inputs: map[string]any{"name": "Ada"}},
		{ID: "tc-2", Inputs: map[string]any{"name": "Linus"}},
	},
}

// TestConfig is config.Default with recovery and definition caching off.
func TestConfig() config.Config {
	cfg := config.Default()
	cfg.Recovery.Enabled = false
	cfg.Definitions.CacheTTL = 0
	return cfg
}
