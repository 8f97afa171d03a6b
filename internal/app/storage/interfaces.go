package storage

import (
	"context"
	"errors"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
)

// Common storage errors.
var (
	// ErrNotFound is returned when the requested aggregate does not exist.
	ErrNotFound = errors.New("package not found")

	// ErrStatusConflict is returned by SavePackageCAS when the persisted
	// status no longer matches the expected one. It means another writer
	// advanced the package first; the caller must re-read, never overwrite.
	ErrStatusConflict = errors.New("package status changed concurrently")
)

// PackageStore persists QA packages. Implementations must provide single-row
// compare-and-swap semantics on status via SavePackageCAS; the orchestrator
// relies on it to detect racing writers.
type PackageStore interface {
	CreatePackage(ctx context.Context, pkg qapackage.QaPackage) (qapackage.QaPackage, error)
	GetPackage(ctx context.Context, id string) (qapackage.QaPackage, error)
	ListPackages(ctx context.Context) ([]qapackage.QaPackage, error)
	ListPackagesByStatus(ctx context.Context, statuses ...qapackage.Status) ([]qapackage.QaPackage, error)

	// UpdatePackage rewrites an existing package without changing status.
	UpdatePackage(ctx context.Context, pkg qapackage.QaPackage) (qapackage.QaPackage, error)

	// SavePackageCAS persists pkg only if the stored status still equals
	// expected. Returns ErrStatusConflict otherwise.
	SavePackageCAS(ctx context.Context, pkg qapackage.QaPackage, expected qapackage.Status) (qapackage.QaPackage, error)
}
