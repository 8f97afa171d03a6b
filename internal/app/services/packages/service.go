// Package packages owns the QA package catalog: creation, lookup and
// re-queueing of terminal packages as fresh attempts.
package packages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/events"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/storage"
	"github.com/hermanngeorge15/qawave-automation-sub000/pkg/logger"
)

// ErrNotTerminal is returned when Requeue is called on a package that is
// still in flight. Only finished attempts can be re-queued.
var ErrNotTerminal = errors.New("only terminal packages can be re-queued")

// CreateRequest carries the caller-supplied fields for a new package.
type CreateRequest struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	SpecURL       string            `json:"spec_url"`
	TargetBaseURL string            `json:"target_base_url"`
	Requirements  string            `json:"requirements"`
	RequestedBy   string            `json:"requested_by"`
	Config        *qapackage.Config `json:"config,omitempty"`
}

// Service manages the package catalog.
type Service struct {
	store    storage.PackageStore
	events   events.Logger
	log      *logger.Logger
	defaults *qapackage.Config
}

// New constructs a package service.
func New(store storage.PackageStore, eventLog events.Logger, log *logger.Logger) *Service {
	if eventLog == nil {
		eventLog = events.NoOpLogger{}
	}
	if log == nil {
		log = logger.NewDefault("packages")
	}
	return &Service{store: store, events: eventLog, log: log}
}

// SetDefaultConfig overrides the stage defaults applied to new packages,
// typically from the stage-policy file.
func (s *Service) SetDefaultConfig(cfg qapackage.Config) {
	s.defaults = &cfg
}

// Create registers a new package in REQUESTED. The store assigns the id.
func (s *Service) Create(ctx context.Context, req CreateRequest) (qapackage.QaPackage, error) {
	if err := validate(req); err != nil {
		return qapackage.QaPackage{}, err
	}

	cfg := qapackage.DefaultConfig()
	if s.defaults != nil {
		cfg = *s.defaults
	}
	if req.Config != nil {
		cfg = *req.Config
	}

	pkg, err := s.store.CreatePackage(ctx, qapackage.QaPackage{
		Name:          strings.TrimSpace(req.Name),
		Description:   req.Description,
		SpecURL:       strings.TrimSpace(req.SpecURL),
		TargetBaseURL: strings.TrimSpace(req.TargetBaseURL),
		Requirements:  req.Requirements,
		RequestedBy:   req.RequestedBy,
		Status:        qapackage.StatusRequested,
		Config:        cfg,
		Attempt:       1,
	})
	if err != nil {
		return qapackage.QaPackage{}, err
	}

	s.events.Log(events.Event{
		Type:      events.EventPackageCreated,
		PackageID: pkg.ID,
		Message:   pkg.Name,
	})
	s.log.WithField("package_id", pkg.ID).
		WithField("name", pkg.Name).
		Info("package created")
	return pkg, nil
}

// Get returns one package by id.
func (s *Service) Get(ctx context.Context, id string) (qapackage.QaPackage, error) {
	return s.store.GetPackage(ctx, id)
}

// List returns all packages in creation order.
func (s *Service) List(ctx context.Context) ([]qapackage.QaPackage, error) {
	return s.store.ListPackages(ctx)
}

// ListByStatus returns packages in any of the given statuses.
func (s *Service) ListByStatus(ctx context.Context, statuses ...qapackage.Status) ([]qapackage.QaPackage, error) {
	return s.store.ListPackagesByStatus(ctx, statuses...)
}

// Requeue creates a fresh attempt of a terminal package. The original row
// is never mutated: the new package starts over in REQUESTED with the
// attempt counter bumped and RetryOf linking back.
func (s *Service) Requeue(ctx context.Context, id string) (qapackage.QaPackage, error) {
	prev, err := s.store.GetPackage(ctx, id)
	if err != nil {
		return qapackage.QaPackage{}, err
	}
	if !prev.Status.IsTerminal() {
		return qapackage.QaPackage{}, fmt.Errorf("%w: package %s is %s", ErrNotTerminal, id, prev.Status)
	}

	attempt := prev.Attempt
	if attempt < 1 {
		attempt = 1
	}

	pkg, err := s.store.CreatePackage(ctx, qapackage.QaPackage{
		Name:          prev.Name,
		Description:   prev.Description,
		SpecURL:       prev.SpecURL,
		TargetBaseURL: prev.TargetBaseURL,
		Requirements:  prev.Requirements,
		RequestedBy:   prev.RequestedBy,
		Status:        qapackage.StatusRequested,
		Config:        prev.Config,
		Attempt:       attempt + 1,
		RetryOf:       prev.ID,
	})
	if err != nil {
		return qapackage.QaPackage{}, err
	}

	s.events.Log(events.Event{
		Type:      events.EventPackageRequeued,
		PackageID: pkg.ID,
		Message:   "retry of " + prev.ID,
		Metadata:  map[string]string{"retry_of": prev.ID},
	})
	s.log.WithField("package_id", pkg.ID).
		WithField("retry_of", prev.ID).
		WithField("attempt", fmt.Sprintf("%d", pkg.Attempt)).
		Info("package re-queued")
	return pkg, nil
}

func validate(req CreateRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(req.SpecURL) == "" {
		return errors.New("spec_url is required")
	}
	if strings.TrimSpace(req.TargetBaseURL) == "" {
		return errors.New("target_base_url is required")
	}
	if req.Config != nil && req.Config.ScenarioTimeout < 0 {
		return errors.New("scenario_timeout cannot be negative")
	}
	return nil
}
