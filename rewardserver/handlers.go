// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/713zhao/airewards-sub006/internal/auth"
	"github.com/713zhao/airewards-sub006/rewardsync"
)

var knownTypes = map[string]bool{
	rewardsync.TypeRewardEntry:           true,
	rewardsync.TypeCategory:              true,
	rewardsync.TypeRedemptionOption:      true,
	rewardsync.TypeRedemptionTransaction: true,
	rewardsync.TypeProfile:               true,
}

// Handlers exposes the record service over the HTTP+JSON wire protocol the
// client's HTTPRemote speaks.
type Handlers struct {
	store  RecordStore
	jwt    *JWTAuth
	logger *slog.Logger
}

func NewHandlers(store RecordStore, jwtAuth *JWTAuth, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{store: store, jwt: jwtAuth, logger: logger}
}

// Register mounts all routes on the mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/records/{type}", h.withAuth(h.handleCreate))
	mux.Handle("GET /v1/records/{type}", h.withAuth(h.handleQuery))
	mux.Handle("GET /v1/records/{type}/{id}", h.withAuth(h.handleGet))
	mux.Handle("PUT /v1/records/{type}/{id}", h.withAuth(h.handleUpdate))
	mux.Handle("DELETE /v1/records/{type}/{id}", h.withAuth(h.handleDelete))
	mux.Handle("GET /v1/aggregate/points", h.withAuth(h.handleAggregate))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// withAuth validates the bearer token and stores the authenticated owner id
// in the request context.
func (h *Handlers) withAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID, err := h.jwt.OwnerFromRequest(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), nil)
			return
		}
		next(w, r.WithContext(auth.SetOwnerID(r.Context(), ownerID)))
	})
}

func (h *Handlers) handleCreate(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := auth.GetOwnerID(r.Context())
	entityType := r.PathValue("type")
	if !knownTypes[entityType] {
		h.writeError(w, http.StatusNotFound, "unknown_type", "unknown entity type", nil)
		return
	}

	var rec rewardsync.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "malformed record body", nil)
		return
	}
	rec.EntityType = entityType

	stored, err := h.store.Create(r.Context(), ownerID, &rec)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, stored)
}

func (h *Handlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := auth.GetOwnerID(r.Context())
	entityType := r.PathValue("type")
	if !knownTypes[entityType] {
		h.writeError(w, http.StatusNotFound, "unknown_type", "unknown entity type", nil)
		return
	}

	var rec rewardsync.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "malformed record body", nil)
		return
	}
	rec.EntityType = entityType
	rec.ID = r.PathValue("id")

	stored, err := h.store.Update(r.Context(), ownerID, &rec)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stored)
}

func (h *Handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := auth.GetOwnerID(r.Context())
	entityType := r.PathValue("type")

	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "missing or malformed version parameter", nil)
		return
	}

	if err := h.store.Delete(r.Context(), ownerID, entityType, r.PathValue("id"), version); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := auth.GetOwnerID(r.Context())

	rec, err := h.store.Get(r.Context(), ownerID, r.PathValue("type"), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) handleQuery(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := auth.GetOwnerID(r.Context())
	entityType := r.PathValue("type")
	if !knownTypes[entityType] {
		h.writeError(w, http.StatusNotFound, "unknown_type", "unknown entity type", nil)
		return
	}

	q := r.URL.Query()
	// The owner parameter is advisory; the token decides whose data is read.
	if want := q.Get("owner"); want != "" && want != ownerID {
		h.writeError(w, http.StatusForbidden, "forbidden", "cannot query another account", nil)
		return
	}

	f := rewardsync.Filter{
		OwnerID:    ownerID,
		CategoryID: q.Get("category"),
		OptionID:   q.Get("option"),
	}
	var badTime bool
	f.CreatedAfter, badTime = parseTimeParam(q.Get("created_after"))
	if badTime {
		h.writeError(w, http.StatusBadRequest, "bad_request", "malformed created_after", nil)
		return
	}
	f.CreatedBefore, badTime = parseTimeParam(q.Get("created_before"))
	if badTime {
		h.writeError(w, http.StatusBadRequest, "bad_request", "malformed created_before", nil)
		return
	}

	records, err := h.store.Query(r.Context(), ownerID, entityType, f)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if records == nil {
		records = []*rewardsync.Record{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (h *Handlers) handleAggregate(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := auth.GetOwnerID(r.Context())
	if want := r.URL.Query().Get("owner"); want != "" && want != ownerID {
		h.writeError(w, http.StatusForbidden, "forbidden", "cannot read another account", nil)
		return
	}

	total, err := h.store.Aggregate(r.Context(), ownerID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"total": total})
}

func parseTimeParam(raw string) (*time.Time, bool) {
	if raw == "" {
		return nil, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, true
	}
	t = t.UTC()
	return &t, false
}

// writeStoreError maps storage failures onto the wire status codes the client
// classifies on. Conflicts carry the server's copy in the envelope.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *ConflictError
	var invalid *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "record not found", nil)
	case errors.As(err, &conflict):
		h.writeError(w, http.StatusConflict, "conflict", conflict.Error(), conflict.Record)
	case errors.As(err, &invalid):
		h.writeError(w, http.StatusUnprocessableEntity, "validation_failed", invalid.Message, nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusServiceUnavailable, "canceled", "request canceled", nil)
	default:
		h.logger.Error("record store failure",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
		h.writeError(w, http.StatusInternalServerError, "internal", "internal server error", nil)
	}
}

type errorEnvelope struct {
	Code    string             `json:"error"`
	Message string             `json:"message"`
	Record  *rewardsync.Record `json:"record,omitempty"`
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string, rec *rewardsync.Record) {
	h.writeJSON(w, status, errorEnvelope{Code: code, Message: message, Record: rec})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to write response", slog.Any("error", err))
	}
}
