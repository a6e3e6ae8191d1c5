package storage

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

// CreateSessionHandler handles POST /api/sessions.
func (s *Storage) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()

	var req api.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_EVENT", "invalid session request: "+err.Error())
		return
	}
	if req.Name == "" {
		api.WriteError(w, http.StatusBadRequest, "INVALID_EVENT", "please provide a session name")
		return
	}

	id, err := s.db.CreateSession(ctx, req.Name, req.Metadata)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	session, err := s.db.GetSession(ctx, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, session)
}

// ListSessionsHandler handles GET /api/sessions.
func (s *Storage) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()

	sessions, err := s.db.ListSessions(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}
	api.WriteJSON(w, http.StatusOK, sessions)
}

// GetSessionHandler handles GET /api/sessions/{sessionID}.
func (s *Storage) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()

	id, err := api.ParseSessionID(r)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_EVENT", err.Error())
		return
	}

	session, err := s.db.GetSession(ctx, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, session)
}

// TraceByIDHandler handles GET /api/traces/{traceID}. The response body is
// the canonical form of the stored event.
func (s *Storage) TraceByIDHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()

	id, err := api.ParseTraceID(r)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_EVENT", err.Error())
		return
	}

	event, err := s.db.GetTrace(ctx, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	b, err := model.Marshal(event)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	w.Header().Set(api.HeaderContentType, api.HeaderAcceptJSON)
	_, _ = w.Write(b)
}

// SessionTracesHandler handles GET /api/sessions/{sessionID}/traces.
func (s *Storage) SessionTracesHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()

	id, err := api.ParseSessionID(r)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_EVENT", err.Error())
		return
	}
	params, err := api.ParseSearchParams(r)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_EVENT", err.Error())
		return
	}

	events, err := s.db.GetTracesBySession(ctx, id, params)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeEvents(w, events)
}

// AgentTracesHandler handles GET /api/agents/{agentID}/traces.
func (s *Storage) AgentTracesHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()

	id, err := api.ParseAgentID(r)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_EVENT", err.Error())
		return
	}
	params, err := api.ParseSearchParams(r)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "INVALID_EVENT", err.Error())
		return
	}

	events, err := s.db.GetTracesByAgent(ctx, id, params)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeEvents(w, events)
}

// StatsHandler returns store and collector statistics. The collector
// provider is injected by the app so the two modules stay decoupled.
func (s *Storage) StatsHandler(collectorStats func() api.CollectorStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := s.queryContext(r)
		defer cancel()

		stats, err := s.db.Stats(ctx)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		resp := api.StatsResponse{Store: *stats}
		if collectorStats != nil {
			resp.Collector = collectorStats()
		}
		api.WriteJSON(w, http.StatusOK, resp)
	}
}

func (s *Storage) queryContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithDeadline(r.Context(), time.Now().Add(s.cfg.QueryTimeout))
}

func writeEvents(w http.ResponseWriter, events []*model.Event) {
	if events == nil {
		events = []*model.Event{}
	}
	api.WriteJSON(w, http.StatusOK, events)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, tracedb.ErrNotFound) {
		api.WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	api.WriteError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
}
