// Package api holds the HTTP surface shared by the modules: route paths,
// query parameter names and the request parsing helpers.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/hindsightlabs/hindsight/pkg/model"
	"github.com/hindsightlabs/hindsight/tracedb"
)

const (
	URLParamTraceID    = "traceID"
	URLParamSessionID  = "sessionID"
	URLParamSnapshotID = "snapshotID"
	URLParamAgentID    = "agentID"

	urlParamStart     = "start"
	urlParamEnd       = "end"
	urlParamLimit     = "limit"
	urlParamOffset    = "offset"
	urlParamTypes     = "types"
	urlParamSession   = "session"
	urlParamTimestamp = "timestamp"
	urlParamFrom      = "from"
	urlParamTo        = "to"
	urlParamTags      = "tags"
	urlParamType      = "type"
	urlParamSort      = "sort"

	HeaderContentType = "Content-Type"
	HeaderAcceptJSON  = "application/json"

	PathSessions       = "/api/sessions"
	PathSession        = "/api/sessions/{" + URLParamSessionID + "}"
	PathSessionTraces  = "/api/sessions/{" + URLParamSessionID + "}/traces"
	PathEvents         = "/api/events"
	PathTraces         = "/api/traces/{" + URLParamTraceID + "}"
	PathAgentTraces    = "/api/agents/{" + URLParamAgentID + "}/traces"
	PathState          = "/api/state"
	PathStateDiff      = "/api/state/diff"
	PathCriticalPath   = "/api/criticalpath"
	PathSnapshots      = "/api/snapshots"
	PathSnapshot       = "/api/snapshots/{" + URLParamSnapshotID + "}"
	PathSnapshotExport = "/api/snapshots/export"
	PathSnapshotImport = "/api/snapshots/import"
	PathStats          = "/api/stats"
	PathEcho           = "/api/echo"
	PathStream         = "/api/stream"

	defaultQueryLimit = 1000
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func extractQueryParam(r *http.Request, name string) (string, bool) {
	value := r.URL.Query().Get(name)
	return value, value != ""
}

func muxVar(r *http.Request, name string) (string, error) {
	vars := mux.Vars(r)
	v, ok := vars[name]
	if !ok || v == "" {
		return "", fmt.Errorf("please provide a %s", name)
	}
	return v, nil
}

func ParseTraceID(r *http.Request) (string, error) {
	return muxVar(r, URLParamTraceID)
}

func ParseSessionID(r *http.Request) (string, error) {
	return muxVar(r, URLParamSessionID)
}

func ParseSnapshotID(r *http.Request) (string, error) {
	return muxVar(r, URLParamSnapshotID)
}

func ParseAgentID(r *http.Request) (string, error) {
	return muxVar(r, URLParamAgentID)
}

// ParseSearchParams decodes start/end/limit/types query params for trace
// queries.
func ParseSearchParams(r *http.Request) (tracedb.SearchParams, error) {
	p := tracedb.SearchParams{Limit: defaultQueryLimit}

	var tr model.TimeRange
	if s, ok := extractQueryParam(r, urlParamStart); ok {
		start, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return p, fmt.Errorf("invalid start: %w", err)
		}
		tr.Start = start
	}
	if s, ok := extractQueryParam(r, urlParamEnd); ok {
		end, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return p, fmt.Errorf("invalid end: %w", err)
		}
		tr.End = end
	}
	if tr.Start != 0 || tr.End != 0 {
		p.TimeRange = &tr
	}

	if s, ok := extractQueryParam(r, urlParamLimit); ok {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			return p, fmt.Errorf("invalid limit: %s", s)
		}
		p.Limit = limit
	}

	if s, ok := extractQueryParam(r, urlParamTypes); ok {
		for _, t := range strings.Split(s, ",") {
			typ := model.EventType(strings.TrimSpace(t))
			if !typ.IsValid() {
				return p, fmt.Errorf("invalid event type: %s", t)
			}
			p.Types = append(p.Types, typ)
		}
	}

	return p, nil
}

// ParseStateQuery decodes session and timestamp for state reconstruction.
func ParseStateQuery(r *http.Request) (string, int64, error) {
	session, ok := extractQueryParam(r, urlParamSession)
	if !ok {
		return "", 0, fmt.Errorf("please provide a session")
	}

	ts, ok := extractQueryParam(r, urlParamTimestamp)
	if !ok {
		return "", 0, fmt.Errorf("please provide a timestamp")
	}
	t, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid timestamp: %w", err)
	}
	return session, t, nil
}

// ParseDiffQuery decodes session plus the from/to timestamps.
func ParseDiffQuery(r *http.Request) (string, int64, int64, error) {
	session, ok := extractQueryParam(r, urlParamSession)
	if !ok {
		return "", 0, 0, fmt.Errorf("please provide a session")
	}

	from, err := requiredInt64Param(r, urlParamFrom)
	if err != nil {
		return "", 0, 0, err
	}
	to, err := requiredInt64Param(r, urlParamTo)
	if err != nil {
		return "", 0, 0, err
	}
	if to < from {
		return "", 0, 0, fmt.Errorf("to (%d) must not be before from (%d)", to, from)
	}
	return session, from, to, nil
}

// ParseCriticalPathQuery decodes session and the analysis end timestamp.
func ParseCriticalPathQuery(r *http.Request) (string, int64, error) {
	session, ok := extractQueryParam(r, urlParamSession)
	if !ok {
		return "", 0, fmt.Errorf("please provide a session")
	}
	end, err := requiredInt64Param(r, urlParamEnd)
	if err != nil {
		return "", 0, err
	}
	return session, end, nil
}

func requiredInt64Param(r *http.Request, name string) (int64, error) {
	s, ok := extractQueryParam(r, name)
	if !ok {
		return 0, fmt.Errorf("please provide a %s", name)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

// ParseSnapshotQuery decodes snapshot search filters.
func ParseSnapshotQuery(r *http.Request) (tracedb.SnapshotQuery, error) {
	q := tracedb.SnapshotQuery{}

	if s, ok := extractQueryParam(r, urlParamSession); ok {
		q.SessionID = s
	}
	if s, ok := extractQueryParam(r, urlParamTags); ok {
		for _, tag := range strings.Split(s, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				q.Tags = append(q.Tags, tag)
			}
		}
	}
	if s, ok := extractQueryParam(r, urlParamType); ok {
		switch t := model.SnapshotType(s); t {
		case model.SnapshotFull, model.SnapshotIncremental, model.SnapshotTagged:
			q.Type = t
		default:
			return q, fmt.Errorf("invalid snapshot type: %s", s)
		}
	}

	var tr model.TimeRange
	if s, ok := extractQueryParam(r, urlParamStart); ok {
		start, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return q, fmt.Errorf("invalid start: %w", err)
		}
		tr.Start = start
	}
	if s, ok := extractQueryParam(r, urlParamEnd); ok {
		end, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return q, fmt.Errorf("invalid end: %w", err)
		}
		tr.End = end
	}
	if tr.Start != 0 || tr.End != 0 {
		q.TimeRange = &tr
	}

	if s, ok := extractQueryParam(r, urlParamSort); ok {
		switch s {
		case "asc":
			q.SortAsc = true
		case "desc":
		default:
			return q, fmt.Errorf("invalid sort: %s", s)
		}
	}

	if s, ok := extractQueryParam(r, urlParamLimit); ok {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			return q, fmt.Errorf("invalid limit: %s", s)
		}
		q.Limit = limit
	}
	if s, ok := extractQueryParam(r, urlParamOffset); ok {
		offset, err := strconv.Atoi(s)
		if err != nil || offset < 0 {
			return q, fmt.Errorf("invalid offset: %s", s)
		}
		q.Offset = offset
	}

	return q, nil
}

// WriteJSON sends v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(HeaderContentType, HeaderAcceptJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the wire shape of every HTTP error.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError sends a JSON error with a stable machine-readable code.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Code: code, Message: message})
}
