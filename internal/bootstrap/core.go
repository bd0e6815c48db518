// Package bootstrap assembles the coordinator services over a set of stores.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyang/promptlab/internal/adapter/memory"
	"github.com/alanyang/promptlab/internal/config"
	"github.com/alanyang/promptlab/internal/domain/resource"
	porteventbus "github.com/alanyang/promptlab/internal/port/eventbus"
	portmodel "github.com/alanyang/promptlab/internal/port/model"
	"github.com/alanyang/promptlab/internal/service/admission"
	"github.com/alanyang/promptlab/internal/service/analytics"
	"github.com/alanyang/promptlab/internal/service/eventlog"
	"github.com/alanyang/promptlab/internal/service/gate"
	"github.com/alanyang/promptlab/internal/service/progress"
	"github.com/alanyang/promptlab/internal/service/queue"
	runsvc "github.com/alanyang/promptlab/internal/service/run"
	"github.com/alanyang/promptlab/internal/service/worker"
)

// Core is the running coordinator: every long-lived goroutine the services own
// hangs off it.
type Core struct {
	Service     *runsvc.Service
	Manager     *queue.Manager
	Recorder    *eventlog.Recorder
	Broadcaster *progress.Broadcaster
	Gates       *gate.Registry

	busSub porteventbus.Subscription
}

// NewCore wires the services over st and starts the recorder and the queue
// manager. Both stop when ctx is cancelled; call Wait afterwards.
func NewCore(ctx context.Context, cfg config.Config, st Stores, invoker portmodel.Invoker) (*Core, error) {
	gates, err := gate.NewRegistry(cfg.Gates)
	if err != nil {
		return nil, fmt.Errorf("building gates: %w", err)
	}
	runsGate, err := gates.Get(config.GateRuns)
	if err != nil {
		return nil, err
	}
	modelGate, err := gates.Get(config.GateModel)
	if err != nil {
		return nil, err
	}

	ctrl, err := admission.NewController(cfg.Limits, resource.Estimate{
		MemoryMB:   cfg.Estimates.MemoryMBPerWorker,
		CPUPercent: cfg.Estimates.CPUPercentPerWorker,
	})
	if err != nil {
		return nil, fmt.Errorf("building admission controller: %w", err)
	}

	defs := st.Definitions
	if cfg.Definitions.CacheTTL > 0 {
		defs = memory.NewCachedLookup(defs, cfg.Definitions.CacheTTL)
	}

	recorder := eventlog.NewRecorder(st.Events, eventlog.Config{
		BatchSize:     cfg.EventStore.BatchSize,
		FlushInterval: cfg.EventStore.FlushInterval,
	})
	go recorder.Run()

	if cfg.Recovery.Enabled {
		if _, err := RecoverInterrupted(ctx, cfg.Recovery.InstanceID, st.Runs, recorder, st.Locker); err != nil {
			recorder.Close()
			return nil, err
		}
	}

	aggregator := analytics.NewAggregator(recorder)
	broadcaster := progress.NewBroadcaster(cfg.Broadcaster.SubscriberBuffer)
	busSub, err := st.Bus.Subscribe(ctx, broadcaster.Handle)
	if err != nil {
		recorder.Close()
		return nil, fmt.Errorf("subscribing broadcaster to event bus: %w", err)
	}

	exec := worker.NewExecutor(defs, invoker, recorder, st.Bus, modelGate, aggregator, worker.Config{
		InvokeTimeout:   cfg.Model.Timeout,
		AnalyticsWindow: cfg.Analytics.Window,
		Stopping:        ctx.Done(),
	})
	manager, err := queue.NewManager(ctrl, runsGate, exec, st.Runs, st.Bus, queue.Config{
		Limit:         cfg.Queue.Limit,
		AgingInterval: cfg.Queue.AgingInterval,
	})
	if err != nil {
		busSub.Unsubscribe()
		recorder.Close()
		return nil, fmt.Errorf("building queue manager: %w", err)
	}
	go manager.Run(ctx)

	svc := runsvc.NewService(defs, st.Runs, st.Idempotency, manager, ctrl, gates,
		recorder, aggregator, broadcaster, runsvc.Config{
			InstanceID:     cfg.Recovery.InstanceID,
			MaxParallelism: cfg.Runs.MaxParallelism,
		})

	slog.Info("coordinator started",
		"instance_id", cfg.Recovery.InstanceID,
		"max_concurrent_runs", cfg.Limits.MaxConcurrentRuns,
		"queue_limit", cfg.Queue.Limit,
	)

	return &Core{
		Service:     svc,
		Manager:     manager,
		Recorder:    recorder,
		Broadcaster: broadcaster,
		Gates:       gates,
		busSub:      busSub,
	}, nil
}

// Wait blocks until the manager has drained after ctx cancellation, then flushes
// the event log and disconnects live subscribers.
func (c *Core) Wait() {
	<-c.Manager.Done()
	c.Recorder.Close()
	c.busSub.Unsubscribe()
	c.Broadcaster.Close()
}
