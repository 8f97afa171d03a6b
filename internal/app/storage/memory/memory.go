// Package memory provides an in-memory PackageStore. It is safe for
// concurrent use and is primarily intended for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/storage"
)

// Store is the in-memory PackageStore implementation.
type Store struct {
	mu       sync.RWMutex
	packages map[string]qapackage.QaPackage
	order    []string
}

var _ storage.PackageStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{packages: make(map[string]qapackage.QaPackage)}
}

func (s *Store) CreatePackage(_ context.Context, pkg qapackage.QaPackage) (qapackage.QaPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pkg.ID == "" {
		pkg.ID = uuid.NewString()
	} else if _, exists := s.packages[pkg.ID]; exists {
		return qapackage.QaPackage{}, fmt.Errorf("package %s already exists", pkg.ID)
	}

	now := time.Now().UTC()
	pkg.CreatedAt = now
	pkg.UpdatedAt = now
	if pkg.Attempt == 0 {
		pkg.Attempt = 1
	}

	s.packages[pkg.ID] = clonePackage(pkg)
	s.order = append(s.order, pkg.ID)
	return pkg, nil
}

func (s *Store) GetPackage(_ context.Context, id string) (qapackage.QaPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pkg, ok := s.packages[id]
	if !ok {
		return qapackage.QaPackage{}, fmt.Errorf("package %s: %w", id, storage.ErrNotFound)
	}
	return clonePackage(pkg), nil
}

func (s *Store) ListPackages(_ context.Context) ([]qapackage.QaPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]qapackage.QaPackage, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, clonePackage(s.packages[id]))
	}
	return out, nil
}

func (s *Store) ListPackagesByStatus(_ context.Context, statuses ...qapackage.Status) ([]qapackage.QaPackage, error) {
	wanted := make(map[qapackage.Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []qapackage.QaPackage
	for _, id := range s.order {
		if pkg := s.packages[id]; wanted[pkg.Status] {
			out = append(out, clonePackage(pkg))
		}
	}
	return out, nil
}

func (s *Store) UpdatePackage(_ context.Context, pkg qapackage.QaPackage) (qapackage.QaPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.packages[pkg.ID]
	if !ok {
		return qapackage.QaPackage{}, fmt.Errorf("package %s: %w", pkg.ID, storage.ErrNotFound)
	}

	// Status is owned by SavePackageCAS.
	pkg.Status = original.Status
	pkg.CreatedAt = original.CreatedAt
	pkg.UpdatedAt = time.Now().UTC()

	s.packages[pkg.ID] = clonePackage(pkg)
	return pkg, nil
}

func (s *Store) SavePackageCAS(_ context.Context, pkg qapackage.QaPackage, expected qapackage.Status) (qapackage.QaPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.packages[pkg.ID]
	if !ok {
		return qapackage.QaPackage{}, fmt.Errorf("package %s: %w", pkg.ID, storage.ErrNotFound)
	}
	if original.Status != expected {
		return qapackage.QaPackage{}, fmt.Errorf("package %s is %s, expected %s: %w",
			pkg.ID, original.Status, expected, storage.ErrStatusConflict)
	}

	pkg.CreatedAt = original.CreatedAt
	s.packages[pkg.ID] = clonePackage(pkg)
	return pkg, nil
}

func clonePackage(pkg qapackage.QaPackage) qapackage.QaPackage {
	out := pkg
	if pkg.Scenarios != nil {
		set := *pkg.Scenarios
		set.Scenarios = append([]qapackage.Scenario(nil), pkg.Scenarios.Scenarios...)
		out.Scenarios = &set
	}
	if pkg.Results != nil {
		rs := *pkg.Results
		rs.Results = append([]qapackage.ScenarioResult(nil), pkg.Results.Results...)
		out.Results = &rs
	}
	if pkg.Coverage != nil {
		cov := *pkg.Coverage
		cov.Gaps = append([]qapackage.CoverageGap(nil), pkg.Coverage.Gaps...)
		out.Coverage = &cov
	}
	if pkg.Summary != nil {
		sum := *pkg.Summary
		sum.Recommendations = append([]qapackage.Recommendation(nil), pkg.Summary.Recommendations...)
		out.Summary = &sum
	}
	return out
}
