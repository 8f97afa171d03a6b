package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/storage"
)

func TestStore_CreateGetList(t *testing.T) {
	store := New()
	ctx := context.Background()

	pkg, err := store.CreatePackage(ctx, qapackage.QaPackage{
		Name:    "orders-api",
		SpecURL: "https://example.com/openapi.json",
		Status:  qapackage.StatusRequested,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pkg.ID == "" || pkg.Attempt != 1 || pkg.CreatedAt.IsZero() {
		t.Fatalf("create did not initialise package: %#v", pkg)
	}

	got, err := store.GetPackage(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "orders-api" {
		t.Fatalf("unexpected package: %#v", got)
	}

	if _, err := store.GetPackage(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	all, err := store.ListPackages(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("list: %v, %d packages", err, len(all))
	}
}

func TestStore_SavePackageCAS(t *testing.T) {
	store := New()
	ctx := context.Background()

	pkg, err := store.CreatePackage(ctx, qapackage.QaPackage{
		Name:    "orders-api",
		SpecURL: "https://example.com/openapi.json",
		Status:  qapackage.StatusRequested,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	moved, err := qapackage.Transition(pkg, qapackage.StatusSpecFetched)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := store.SavePackageCAS(ctx, moved, qapackage.StatusRequested); err != nil {
		t.Fatalf("cas: %v", err)
	}

	// A second writer still holding the stale status must conflict.
	stale, err := qapackage.Transition(pkg, qapackage.StatusFailedSpecFetch)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := store.SavePackageCAS(ctx, stale, qapackage.StatusRequested); !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}

	got, err := store.GetPackage(ctx, pkg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != qapackage.StatusSpecFetched {
		t.Fatalf("conflicting write mutated status to %s", got.Status)
	}
}

func TestStore_ListByStatus(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, st := range []qapackage.Status{
		qapackage.StatusRequested,
		qapackage.StatusSpecFetched,
		qapackage.StatusComplete,
	} {
		if _, err := store.CreatePackage(ctx, qapackage.QaPackage{Name: string(st), SpecURL: "u", Status: st}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	open, err := store.ListPackagesByStatus(ctx, qapackage.StatusRequested, qapackage.StatusSpecFetched)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open packages, got %d", len(open))
	}
}

func TestStore_ClonesPayloads(t *testing.T) {
	store := New()
	ctx := context.Background()

	pkg, err := store.CreatePackage(ctx, qapackage.QaPackage{
		Name: "p", SpecURL: "u", Status: qapackage.StatusRequested,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	pkg.Scenarios = &qapackage.ScenarioSet{Scenarios: []qapackage.Scenario{{ID: "s1", Name: "ping"}}}
	if _, err := store.UpdatePackage(ctx, pkg); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := store.GetPackage(ctx, pkg.ID)
	got.Scenarios.Scenarios[0].Name = "mutated"

	again, _ := store.GetPackage(ctx, pkg.ID)
	if again.Scenarios.Scenarios[0].Name != "ping" {
		t.Fatalf("store returned shared payload slice")
	}
}
