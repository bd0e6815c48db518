package wire

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyang/promptlab/internal/adapter/llm"
	"github.com/alanyang/promptlab/internal/bootstrap"
	"github.com/alanyang/promptlab/internal/config"
	portmodel "github.com/alanyang/promptlab/internal/port/model"
	"github.com/alanyang/promptlab/internal/transport"
	mcptransport "github.com/alanyang/promptlab/internal/transport/mcp"
)

// App holds the top-level resources needed to run and gracefully stop the server.
type App struct {
	Core      *bootstrap.Core
	Server    *http.Server
	MCPServer *mcptransport.Server

	stores bootstrap.Stores
}

// Build is the composition root: the only place concrete types are wired to their
// interface dependencies. The coordinator stops when ctx is cancelled.
func Build(ctx context.Context, cfg config.Config, version string) (*App, error) {
	// ── Stores ───────────────────────────────────────────────────────────────
	stores, err := bootstrap.OpenStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// ── Model backend ────────────────────────────────────────────────────────
	invoker, err := newInvoker(cfg.Model)
	if err != nil {
		stores.Close()
		return nil, err
	}

	// ── Services ─────────────────────────────────────────────────────────────
	core, err := bootstrap.NewCore(ctx, cfg, stores, invoker)
	if err != nil {
		stores.Close()
		return nil, fmt.Errorf("starting coordinator: %w", err)
	}

	reg := mcptransport.NewSessionRegistry(core.Service)
	mcpServer := mcptransport.New(reg, core.Service, version)

	// ── Transport ─────────────────────────────────────────────────────────────
	router := transport.NewRouter(core.Service, mcpServer)
	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("application wired", "port", cfg.Server.Port, "store", cfg.Store.Driver)

	return &App{
		Core:      core,
		Server:    server,
		MCPServer: mcpServer,
		stores:    stores,
	}, nil
}

// Close waits for the coordinator to drain, then releases the stores. The
// context passed to Build must already be cancelled.
func (a *App) Close() {
	a.Core.Wait()
	a.stores.Close()
}

func newInvoker(cfg config.Model) (portmodel.Invoker, error) {
	if cfg.Endpoint == "" {
		slog.Warn("no model endpoint configured; using the echo invoker")
		return llm.StubInvoker{}, nil
	}
	inv, err := llm.NewHTTPInvoker(llm.Config{
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("building model invoker: %w", err)
	}
	return inv, nil
}
