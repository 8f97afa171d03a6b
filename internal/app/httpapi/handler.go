// Package httpapi exposes the REST surface: package CRUD, lifecycle
// controls, the event feed and resilience introspection.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/domain/qapackage"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/events"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/metrics"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/services/orchestrator"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/services/packages"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/app/storage"
	"github.com/hermanngeorge15/qawave-automation-sub000/internal/resilience"
	"github.com/hermanngeorge15/qawave-automation-sub000/pkg/logger"
)

// Handler serves the HTTP API.
type Handler struct {
	packages     *packages.Service
	orchestrator *orchestrator.Service
	events       *events.MemoryLogger
	registry     *resilience.Registry
	log          *logger.Logger
}

// New constructs the handler. events and registry may be nil; the
// corresponding endpoints then return empty collections.
func New(
	pkgSvc *packages.Service,
	orchSvc *orchestrator.Service,
	eventLog *events.MemoryLogger,
	registry *resilience.Registry,
	log *logger.Logger,
) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{
		packages:     pkgSvc,
		orchestrator: orchSvc,
		events:       eventLog,
		registry:     registry,
		log:          log,
	}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/packages", h.createPackage).Methods(http.MethodPost)
	api.HandleFunc("/packages", h.listPackages).Methods(http.MethodGet)
	api.HandleFunc("/packages/{id}", h.getPackage).Methods(http.MethodGet)
	api.HandleFunc("/packages/{id}/advance", h.advancePackage).Methods(http.MethodPost)
	api.HandleFunc("/packages/{id}/cancel", h.cancelPackage).Methods(http.MethodPost)
	api.HandleFunc("/packages/{id}/requeue", h.requeuePackage).Methods(http.MethodPost)
	api.HandleFunc("/packages/{id}/events", h.packageEvents).Methods(http.MethodGet)
	api.HandleFunc("/events", h.recentEvents).Methods(http.MethodGet)
	api.HandleFunc("/resilience", h.resilienceStates).Methods(http.MethodGet)

	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) createPackage(w http.ResponseWriter, r *http.Request) {
	var req packages.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	pkg, err := h.packages.Create(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, pkg)
}

func (h *Handler) listPackages(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := qapackage.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		pkgs, err := h.packages.ListByStatus(r.Context(), status)
		if err != nil {
			h.serverError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pkgs)
		return
	}

	pkgs, err := h.packages.List(r.Context())
	if err != nil {
		h.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkgs)
}

func (h *Handler) getPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.packages.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.packageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (h *Handler) advancePackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.orchestrator.Advance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, orchestrator.ErrStageInFlight) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		var te qapackage.TransitionError
		if errors.As(err, &te) {
			writeError(w, http.StatusConflict, te.Error())
			return
		}
		h.packageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (h *Handler) cancelPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.orchestrator.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		var te qapackage.TransitionError
		if errors.As(err, &te) {
			writeError(w, http.StatusConflict, te.Error())
			return
		}
		h.packageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (h *Handler) requeuePackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.packages.Requeue(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, packages.ErrNotTerminal) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.packageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pkg)
}

func (h *Handler) packageEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusOK, []events.Event{})
		return
	}
	out := h.events.ForPackage(mux.Vars(r)["id"])
	if out == nil {
		out = []events.Event{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusOK, []events.Event{})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.events.Recent(limit))
}

func (h *Handler) resilienceStates(w http.ResponseWriter, _ *http.Request) {
	if h.registry == nil {
		writeJSON(w, http.StatusOK, []resilience.DependencyState{})
		return
	}
	writeJSON(w, http.StatusOK, h.registry.States())
}

func (h *Handler) packageError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "package not found")
		return
	}
	// A lost CAS race means another writer advanced the package first; the
	// caller should re-read, not report a server fault.
	if errors.Is(err, storage.ErrStatusConflict) {
		writeError(w, http.StatusConflict, "package status changed concurrently")
		return
	}
	h.serverError(w, err)
}

func (h *Handler) serverError(w http.ResponseWriter, err error) {
	h.log.WithError(err).Error("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
