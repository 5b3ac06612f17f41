package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	appErr "github.com/samims/concierge/internal/errors"
	"github.com/samims/concierge/internal/lifecycle"
	"github.com/samims/concierge/internal/middleware"
	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/service"
	"github.com/samims/concierge/internal/storage"
	"github.com/samims/concierge/pkg/tracing"
)

type RequestHandler struct {
	machine  *lifecycle.Machine
	intake   service.RequestService
	activity storage.RequestStore
	tracer   *tracing.Tracer
	logger   *slog.Logger
}

func NewRequestHandler(machine *lifecycle.Machine, intake service.RequestService, activity storage.RequestStore, tracer *tracing.Tracer, logger *slog.Logger) *RequestHandler {
	return &RequestHandler{
		machine:  machine,
		intake:   intake,
		activity: activity,
		tracer:   tracer,
		logger:   logger.With("layer", "handler", "component", "requestHandler"),
	}
}

func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.StartServerSpan(r.Context(), "CreateRequest")
	defer span.End()

	var in service.CreateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	in.TenantID, _ = middleware.TenantIDFromContext(ctx)

	req, err := h.intake.Create(ctx, in)
	if err != nil {
		h.tracer.RecordError(span, err)
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// Get never changes status. Viewing a request is not acknowledging it.
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.StartServerSpan(r.Context(), "GetRequest")
	defer span.End()

	req, err := h.load(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *RequestHandler) Activity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := h.load(ctx, id); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	acts, err := h.activity.ListActivity(ctx, id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acts)
}

func (h *RequestHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.StartServerSpan(r.Context(), "AcknowledgeRequest")
	defer span.End()

	id := chi.URLParam(r, "id")
	if _, err := h.load(ctx, id); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	actorID, _ := middleware.ActorIDFromContext(ctx)

	req, err := h.machine.Acknowledge(ctx, id, actorID)
	if err != nil {
		h.tracer.RecordError(span, err)
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.Status{"status": req.Status})
}

func (h *RequestHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.StartServerSpan(r.Context(), "ResolveRequest")
	defer span.End()

	var body struct {
		Status model.Status `json:"status"`
		Reason string       `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("request.to_status", string(body.Status)))

	id := chi.URLParam(r, "id")
	if _, err := h.load(ctx, id); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	actorID, _ := middleware.ActorIDFromContext(ctx)

	req, err := h.machine.Resolve(ctx, id, actorID, body.Status, body.Reason)
	if err != nil {
		h.tracer.RecordError(span, err)
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.Status{"status": req.Status})
}

// load reads a request and hides it from callers of other tenants.
func (h *RequestHandler) load(ctx context.Context, id string) (*model.Request, error) {
	req, err := h.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenantID, _ := middleware.TenantIDFromContext(ctx); tenantID != req.TenantID {
		return nil, appErr.NewNotFound("request %s", id)
	}
	return req, nil
}
