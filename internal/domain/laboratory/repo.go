package laboratory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// errBarcodeTaken is returned by SampleRepository.Create when the barcode
// already exists. The service retries with a fresh barcode.
var errBarcodeTaken = errors.New("barcode already assigned")

// Update methods taking expectedVersion are compare-and-swap writes: they
// return an ErrConflict-kind error when the stored version differs, and
// bump the version on success.

type RequestRepository interface {
	Create(ctx context.Context, r *TestRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*TestRequest, error)
	UpdateStatus(ctx context.Context, r *TestRequest, expectedVersion int) error
	List(ctx context.Context, f RequestFilter) ([]*TestRequest, int, error)
}

type SampleRepository interface {
	Create(ctx context.Context, s *Sample) error
	GetByRequest(ctx context.Context, requestID uuid.UUID) (*Sample, error)
	GetByBarcode(ctx context.Context, barcode string) (*Sample, error)
	Update(ctx context.Context, s *Sample, expectedVersion int) error
}

type ResultRepository interface {
	Create(ctx context.Context, r *TestResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*TestResult, error)
	GetByRequest(ctx context.Context, requestID uuid.UUID) (*TestResult, error)
	Update(ctx context.Context, r *TestResult, expectedVersion int) error
}

type StatusHistoryRepository interface {
	Create(ctx context.Context, h *StatusChange) error
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*StatusChange, error)
}

type AlertRepository interface {
	Create(ctx context.Context, a *CriticalAlert) error
	GetByID(ctx context.Context, id uuid.UUID) (*CriticalAlert, error)
	// RecordDelivery stores delivery progress and the enriched display
	// fields. It leaves an acknowledged alert untouched and reports false.
	RecordDelivery(ctx context.Context, a *CriticalAlert) (bool, error)
	// Acknowledge marks the alert read by actor. It reports false when the
	// alert was already acknowledged.
	Acknowledge(ctx context.Context, id uuid.UUID, actor string, at time.Time) (bool, error)
	List(ctx context.Context, status AlertStatus, limit, offset int) ([]*CriticalAlert, int, error)
	ListUndelivered(ctx context.Context, createdBefore time.Time, limit int) ([]*CriticalAlert, error)
}

// CatalogStore persists published catalog versions.
type CatalogStore interface {
	CatalogSource
	Publish(ctx context.Context, c *Catalog) error
	Versions(ctx context.Context) ([]string, error)
}

// Transactor runs fn so that every repository call made with the context it
// receives commits or rolls back together.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
