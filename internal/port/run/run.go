package run

import (
	"context"

	"github.com/google/uuid"

	domainrun "github.com/alanyang/promptlab/internal/domain/run"
)

// Repository persists run requests so their status survives a restart.
type Repository interface {
	Create(ctx context.Context, r domainrun.Request) (domainrun.Request, error)
	GetByID(ctx context.Context, id uuid.UUID) (domainrun.Request, error)
	List(ctx context.Context, filters domainrun.ListFilters) ([]domainrun.Request, error)

	// UpdateStatus performs an atomic CAS: only transitions if current status matches `from`.
	// errorKind is recorded for failed/cancelled transitions and ignored otherwise.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to domainrun.Status, errorKind string) error
}
