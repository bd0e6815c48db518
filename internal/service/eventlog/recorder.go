package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyang/promptlab/internal/domain/execution"
	"github.com/alanyang/promptlab/internal/domain/fault"
	portstore "github.com/alanyang/promptlab/internal/port/eventstore"
)

var ErrClosed = errors.New("event recorder closed")

type Config struct {
	// BatchSize caps how many events go to the store in one Append.
	BatchSize int
	// FlushInterval is how long a partial batch may wait for more events.
	FlushInterval time.Duration
	// AppendTimeout bounds each store write.
	AppendTimeout time.Duration
}

type pending struct {
	event execution.Event
	reply chan result
}

type result struct {
	event execution.Event
	err   error
}

// Recorder is the single append pipeline in front of an event store. Concurrent
// callers are serialised through one goroutine, so the store sees one total order
// and events of the same run keep the order their producer recorded them in.
// Reads go straight to the store and never wait on the pipeline.
type Recorder struct {
	store portstore.Store
	cfg   Config
	in    chan pending
	done  chan struct{}
	stop  chan struct{}
	once  sync.Once
}

func NewRecorder(store portstore.Store, cfg Config) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Millisecond
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = 10 * time.Second
	}
	return &Recorder{
		store: store,
		cfg:   cfg,
		in:    make(chan pending, cfg.BatchSize*4),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
}

// RecordEvent appends e and waits until it is durable. The returned event carries
// the store-assigned sequence number.
func (r *Recorder) RecordEvent(ctx context.Context, e execution.Event) (execution.Event, error) {
	if err := validate(e); err != nil {
		return execution.Event{}, err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	p := pending{event: e, reply: make(chan result, 1)}
	select {
	case r.in <- p:
	case <-r.stop:
		return execution.Event{}, ErrClosed
	case <-ctx.Done():
		return execution.Event{}, ctx.Err()
	}

	select {
	case res := <-p.reply:
		return res.event, res.err
	case <-r.done:
		select {
		case res := <-p.reply:
			return res.event, res.err
		default:
			return execution.Event{}, ErrClosed
		}
	case <-ctx.Done():
		// The event may still be committed by the pipeline.
		return execution.Event{}, ctx.Err()
	}
}

// Query reads from the store directly.
func (r *Recorder) Query(ctx context.Context, f execution.Filter) ([]execution.Event, error) {
	events, err := r.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// List lets the recorder stand in for the store on read paths.
func (r *Recorder) List(ctx context.Context, f execution.Filter) ([]execution.Event, error) {
	return r.Query(ctx, f)
}

// Run drives the pipeline until Close is called, then flushes what is pending.
func (r *Recorder) Run() {
	defer close(r.done)

	batch := make([]pending, 0, r.cfg.BatchSize)
	timer := time.NewTimer(r.cfg.FlushInterval)
	timer.Stop()
	timerArmed := false

	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.commit(batch)
		batch = batch[:0]
	}

	for {
		select {
		case p := <-r.in:
			batch = append(batch, p)
			if len(batch) >= r.cfg.BatchSize {
				flush()
				continue
			}
			if !timerArmed {
				timer.Reset(r.cfg.FlushInterval)
				timerArmed = true
			}
		case <-timer.C:
			timerArmed = false
			flush()
		case <-r.stop:
			timer.Stop()
			for {
				select {
				case p := <-r.in:
					batch = append(batch, p)
					if len(batch) >= r.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close stops accepting events, flushes the pipeline and waits for it to finish.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Recorder) commit(batch []pending) {
	events := make([]execution.Event, len(batch))
	for i, p := range batch {
		events[i] = p.event
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.AppendTimeout)
	defer cancel()
	stored, err := r.store.Append(ctx, events...)
	if err == nil && len(stored) != len(events) {
		err = fmt.Errorf("store returned %d events for %d appended", len(stored), len(events))
	}
	if err != nil {
		slog.ErrorContext(ctx, "append execution events", "count", len(events), "error", err)
		for _, p := range batch {
			p.reply <- result{err: fmt.Errorf("append event: %w", err)}
		}
		return
	}
	for i, p := range batch {
		p.reply <- result{event: stored[i]}
	}
}

func validate(e execution.Event) error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", fault.ErrValidation, e.Type)
	}
	if e.RunID == uuid.Nil {
		return fmt.Errorf("%w: event run_id is required", fault.ErrValidation)
	}
	if e.CardID == "" {
		return fmt.Errorf("%w: event card_id is required", fault.ErrValidation)
	}
	return nil
}
