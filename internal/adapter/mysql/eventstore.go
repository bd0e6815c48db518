package mysql

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/alanyang/promptlab/internal/domain/execution"
	portstore "github.com/alanyang/promptlab/internal/port/eventstore"
)

var _ portstore.Store = (*EventStore)(nil)

// eventRow is the execution_events table. Seq is the auto-increment key and
// therefore the append order.
type eventRow struct {
	Seq       int64     `gorm:"column:seq;primaryKey;autoIncrement"`
	ID        string    `gorm:"column:id;type:char(36);not null;uniqueIndex"`
	EventType string    `gorm:"column:event_type;type:varchar(16);not null"`
	RunID     string    `gorm:"column:run_id;type:char(36);not null;index:idx_events_run_seq,priority:1"`
	CardID    string    `gorm:"column:card_id;type:varchar(200);not null;index:idx_events_card_ts,priority:1"`
	Timestamp time.Time `gorm:"column:ts;type:datetime(6);not null;index:idx_events_card_ts,priority:2"`
	Payload   string    `gorm:"column:payload;type:json;not null"`
}

func (eventRow) TableName() string { return "execution_events" }

// EventStore is the execution log on MySQL through gorm.
type EventStore struct {
	db *gorm.DB
}

// Open connects with a DSN such as `user:pass@tcp(host:3306)/promptlab?parseTime=true`
// and migrates the events table.
func Open(dsn string) (*EventStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("connecting to mysql: %w", err)
	}
	return New(db)
}

func New(db *gorm.DB) (*EventStore, error) {
	if err := db.AutoMigrate(&eventRow{}); err != nil {
		return nil, fmt.Errorf("migrating execution_events: %w", err)
	}
	return &EventStore{db: db}, nil
}

func (s *EventStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append inserts the events as one multi-row insert inside a transaction.
func (s *EventStore) Append(ctx context.Context, events ...execution.Event) ([]execution.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	rows := make([]eventRow, len(events))
	for i, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload for event %s: %w", e.ID, err)
		}
		rows[i] = eventRow{
			ID:        e.ID.String(),
			EventType: string(e.Type),
			RunID:     e.RunID.String(),
			CardID:    e.CardID,
			Timestamp: e.Timestamp.UTC(),
			Payload:   string(payload),
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("inserting events: %w", err)
	}

	out := make([]execution.Event, len(events))
	for i, e := range events {
		e.Seq = rows[i].Seq
		out[i] = e
	}
	return out, nil
}

func (s *EventStore) List(ctx context.Context, f execution.Filter) ([]execution.Event, error) {
	q := s.db.WithContext(ctx).Model(&eventRow{})
	if f.CardID != "" {
		q = q.Where("card_id = ?", f.CardID)
	}
	if f.RunID != uuid.Nil {
		q = q.Where("run_id = ?", f.RunID.String())
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		q = q.Where("event_type IN ?", types)
	}
	if !f.From.IsZero() {
		q = q.Where("ts >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("ts <= ?", f.To.UTC())
	}

	var rows []eventRow
	if err := q.Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	events := make([]execution.Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (r eventRow) toDomain() (execution.Event, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return execution.Event{}, fmt.Errorf("event seq %d: bad id: %w", r.Seq, err)
	}
	runID, err := uuid.Parse(r.RunID)
	if err != nil {
		return execution.Event{}, fmt.Errorf("event %s: bad run id: %w", r.ID, err)
	}
	e := execution.Event{
		ID:        id,
		Seq:       r.Seq,
		Type:      execution.Type(r.EventType),
		RunID:     runID,
		CardID:    r.CardID,
		Timestamp: r.Timestamp.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Payload), &e.Payload); err != nil {
		return execution.Event{}, fmt.Errorf("decoding payload for event %s: %w", r.ID, err)
	}
	return e, nil
}
