package replay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hindsightlabs/hindsight/pkg/api"
	"github.com/hindsightlabs/hindsight/tracedb"
)

// StateHandler handles GET /api/state. It reconstructs the session state
// at the requested timestamp.
func (r *Replayer) StateHandler(w http.ResponseWriter, req *http.Request) {
	session, ts, err := api.ParseStateQuery(req)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	ctx, cancel := r.queryContext(req)
	defer cancel()

	st, err := r.Reconstruct(ctx, session, ts)
	if err != nil {
		writeReplayError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, st)
}

// DiffHandler handles GET /api/state/diff.
func (r *Replayer) DiffHandler(w http.ResponseWriter, req *http.Request) {
	session, from, to, err := api.ParseDiffQuery(req)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	ctx, cancel := r.queryContext(req)
	defer cancel()

	delta, err := r.Diff(ctx, session, from, to)
	if err != nil {
		writeReplayError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, delta)
}

// CriticalPathHandler handles GET /api/criticalpath.
func (r *Replayer) CriticalPathHandler(w http.ResponseWriter, req *http.Request) {
	session, end, err := api.ParseCriticalPathQuery(req)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	ctx, cancel := r.queryContext(req)
	defer cancel()

	cp, err := r.CriticalPath(ctx, session, end)
	if err != nil {
		writeReplayError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, cp)
}

func (r *Replayer) queryContext(req *http.Request) (context.Context, context.CancelFunc) {
	return context.WithDeadline(req.Context(), time.Now().Add(r.cfg.QueryTimeout))
}

func writeReplayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracedb.ErrNotFound):
		api.WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, tracedb.ErrStorage):
		api.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
	default:
		api.WriteError(w, http.StatusInternalServerError, "TIME_TRAVEL_ERROR", err.Error())
	}
}
