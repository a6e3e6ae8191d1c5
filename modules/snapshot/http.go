package snapshot

import (
	"context"
	"errors"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/hindsightlabs/hindsight/pkg/api"
	"github.com/hindsightlabs/hindsight/pkg/model"
	"github.com/hindsightlabs/hindsight/tracedb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ListHandler handles GET /api/snapshots.
func (m *Manager) ListHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := m.requestContext(r)
	defer cancel()

	q, err := api.ParseSnapshotQuery(r)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	snaps, err := m.Search(ctx, q)
	if err != nil {
		writeSnapshotError(w, err)
		return
	}
	if snaps == nil {
		snaps = []*model.Snapshot{}
	}
	api.WriteJSON(w, http.StatusOK, snaps)
}

// CreateHandler handles POST /api/snapshots: reconstructs the session
// state at the requested timestamp and captures it.
func (m *Manager) CreateHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := m.requestContext(r)
	defer cancel()

	var req api.CreateSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid snapshot request: "+err.Error())
		return
	}
	if req.SessionID == "" {
		api.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "please provide a session")
		return
	}
	if m.provider == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "SNAPSHOT_ERROR", "state reconstruction not available")
		return
	}

	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	st, err := m.provider.Reconstruct(ctx, req.SessionID, ts)
	if err != nil {
		writeSnapshotError(w, err)
		return
	}

	snap, err := m.Create(ctx, req.SessionID, st, CreateOptions{
		Tags:        req.Tags,
		Description: req.Description,
	})
	if err != nil {
		writeSnapshotError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, snap)
}

// GetHandler handles GET /api/snapshots/{snapshotID}: metadata plus the
// restored state.
func (m *Manager) GetHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := m.requestContext(r)
	defer cancel()

	id, err := api.ParseSnapshotID(r)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	snap, err := m.Get(ctx, id)
	if err != nil {
		writeSnapshotError(w, err)
		return
	}
	st, err := m.Reconstruct(ctx, id)
	if err != nil {
		writeSnapshotError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.SnapshotResponse{Snapshot: snap, State: st})
}

// DeleteHandler handles DELETE /api/snapshots/{snapshotID}.
func (m *Manager) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := m.requestContext(r)
	defer cancel()

	id, err := api.ParseSnapshotID(r)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if err := m.Delete(ctx, id); err != nil {
		writeSnapshotError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExportHandler handles GET /api/snapshots/export?session=.
func (m *Manager) ExportHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := m.requestContext(r)
	defer cancel()

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		api.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "please provide a session")
		return
	}

	bundle, err := m.Export(ctx, sessionID)
	if err != nil {
		writeSnapshotError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, bundle)
}

// ImportHandler handles POST /api/snapshots/import. The body is a bundle
// produced by export; ?overwrite=true replaces existing ids.
func (m *Manager) ImportHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := m.requestContext(r)
	defer cancel()

	bundle := &Bundle{}
	if err := json.NewDecoder(r.Body).Decode(bundle); err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid bundle: "+err.Error())
		return
	}

	res, err := m.Import(ctx, bundle, ImportOptions{
		ValidateIntegrity: m.cfg.ChecksumValidation,
		Overwrite:         r.URL.Query().Get("overwrite") == "true",
	})
	if err != nil {
		writeSnapshotError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (m *Manager) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), m.cfg.CreateTimeout)
}

func writeSnapshotError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracedb.ErrNotFound):
		api.WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, ErrSnapshot):
		api.WriteError(w, http.StatusInternalServerError, "SNAPSHOT_ERROR", err.Error())
	case errors.Is(err, tracedb.ErrStorage):
		api.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
	default:
		api.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	}
}
