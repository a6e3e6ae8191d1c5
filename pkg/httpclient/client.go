// Package httpclient is a client for the hindsight HTTP API. It is used by
// the CLI and by hindsight-vulture.
package httpclient

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzhttp"

	"github.com/hindsightlabs/hindsight/pkg/api"
	"github.com/hindsightlabs/hindsight/pkg/model"
	"github.com/hindsightlabs/hindsight/pkg/state"
)

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary

	ErrNotFound = errors.New("resource not found")
)

// Client talks to the hindsight API.
type Client struct {
	BaseURL string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		client:  &http.Client{},
	}
}

func NewWithCompression(baseURL string) *Client {
	c := New(baseURL)
	c.WithTransport(gzhttp.Transport(http.DefaultTransport))
	return c
}

func (c *Client) WithTransport(t http.RoundTripper) {
	c.client.Transport = t
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// doRequest sends the given request and handles bad status codes.
func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error querying hindsight: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 400 && resp.StatusCode <= 599 {
		return nil, fmt.Errorf("%s request to %s failed with response: %d body: %s", req.Method, req.URL.String(), resp.StatusCode, string(body))
	}

	return body, nil
}

// getFor sends a GET request and unmarshals the JSON response into v.
func (c *Client) getFor(url string, v any) error {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return err
	}

	body, err := c.doRequest(req)
	if err != nil {
		return err
	}

	if err = json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("error decoding %T json: %w body: %s", v, err, string(body))
	}
	return nil
}

// postFor sends reqBody as JSON and unmarshals the response into v when v is
// not nil.
func (c *Client) postFor(url string, reqBody any, v any) error {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set(api.HeaderContentType, api.HeaderAcceptJSON)

	body, err := c.doRequest(req)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}

	if err = json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("error decoding %T json: %w body: %s", v, err, string(body))
	}
	return nil
}

func (c *Client) CreateSession(name string, metadata map[string]interface{}) (*model.Session, error) {
	s := &model.Session{}
	err := c.postFor(c.BaseURL+api.PathSessions, api.CreateSessionRequest{Name: name, Metadata: metadata}, s)
	return s, err
}

func (c *Client) ListSessions() ([]*model.Session, error) {
	var sessions []*model.Session
	err := c.getFor(c.BaseURL+api.PathSessions, &sessions)
	return sessions, err
}

func (c *Client) GetSession(id string) (*model.Session, error) {
	s := &model.Session{}
	err := c.getFor(c.BaseURL+api.PathSessions+"/"+id, s)
	return s, err
}

// PushEvents submits a batch of events for collection.
func (c *Client) PushEvents(events []*model.Event) (*api.IngestResponse, error) {
	r := &api.IngestResponse{}
	err := c.postFor(c.BaseURL+api.PathEvents, events, r)
	return r, err
}

func (c *Client) QueryTrace(id string) (*model.Event, error) {
	e := &model.Event{}
	err := c.getFor(c.BaseURL+"/api/traces/"+id, e)
	return e, err
}

// SearchSessionTraces fetches the stored events of a session ordered by
// timestamp. Zero start/end/limit are omitted from the query.
func (c *Client) SearchSessionTraces(sessionID string, start, end int64, limit int, types []model.EventType) ([]*model.Event, error) {
	var events []*model.Event
	u := c.BaseURL + "/api/sessions/" + sessionID + "/traces" + traceQuery(start, end, limit, types)
	err := c.getFor(u, &events)
	return events, err
}

func (c *Client) SearchAgentTraces(agentID string, start, end int64, limit int, types []model.EventType) ([]*model.Event, error) {
	var events []*model.Event
	u := c.BaseURL + "/api/agents/" + agentID + "/traces" + traceQuery(start, end, limit, types)
	err := c.getFor(u, &events)
	return events, err
}

func traceQuery(start, end int64, limit int, types []model.EventType) string {
	v := url.Values{}
	if start != 0 {
		v.Set("start", strconv.FormatInt(start, 10))
	}
	if end != 0 {
		v.Set("end", strconv.FormatInt(end, 10))
	}
	if limit != 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if len(types) > 0 {
		names := make([]string, 0, len(types))
		for _, t := range types {
			names = append(names, string(t))
		}
		v.Set("types", strings.Join(names, ","))
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// GetState reconstructs the session state at the given timestamp.
func (c *Client) GetState(sessionID string, timestamp int64) (*state.State, error) {
	v := url.Values{}
	v.Set("session", sessionID)
	v.Set("timestamp", strconv.FormatInt(timestamp, 10))

	s := &state.State{}
	err := c.getFor(c.BaseURL+api.PathState+"?"+v.Encode(), s)
	return s, err
}

func (c *Client) ListSnapshots(sessionID string) ([]*model.Snapshot, error) {
	v := url.Values{}
	if sessionID != "" {
		v.Set("session", sessionID)
	}

	var snapshots []*model.Snapshot
	u := c.BaseURL + api.PathSnapshots
	if len(v) > 0 {
		u += "?" + v.Encode()
	}
	err := c.getFor(u, &snapshots)
	return snapshots, err
}

func (c *Client) CreateSnapshot(req api.CreateSnapshotRequest) (*model.Snapshot, error) {
	s := &model.Snapshot{}
	err := c.postFor(c.BaseURL+api.PathSnapshots, req, s)
	return s, err
}

func (c *Client) GetSnapshot(id string) (*api.SnapshotResponse, error) {
	r := &api.SnapshotResponse{}
	err := c.getFor(c.BaseURL+api.PathSnapshots+"/"+id, r)
	return r, err
}

func (c *Client) DeleteSnapshot(id string) error {
	req, err := http.NewRequest("DELETE", c.BaseURL+api.PathSnapshots+"/"+id, nil)
	if err != nil {
		return err
	}
	_, err = c.doRequest(req)
	return err
}

// ExportSnapshots returns the portable archive of a session's snapshots.
func (c *Client) ExportSnapshots(sessionID string) ([]byte, error) {
	v := url.Values{}
	v.Set("session", sessionID)

	req, err := http.NewRequest("GET", c.BaseURL+api.PathSnapshotExport+"?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.doRequest(req)
}

// ImportSnapshots uploads an archive produced by ExportSnapshots.
func (c *Client) ImportSnapshots(archive []byte, overwrite bool) (*api.ImportResult, error) {
	u := c.BaseURL + api.PathSnapshotImport
	if overwrite {
		u += "?overwrite=true"
	}

	req, err := http.NewRequest("POST", u, bytes.NewReader(archive))
	if err != nil {
		return nil, err
	}
	req.Header.Set(api.HeaderContentType, api.HeaderAcceptJSON)

	body, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}

	r := &api.ImportResult{}
	if err = json.Unmarshal(body, r); err != nil {
		return nil, fmt.Errorf("error decoding %T json: %w body: %s", r, err, string(body))
	}
	return r, nil
}

func (c *Client) Stats() (*api.StatsResponse, error) {
	r := &api.StatsResponse{}
	err := c.getFor(c.BaseURL+api.PathStats, r)
	return r, err
}

// Echo checks that the server is reachable.
func (c *Client) Echo() error {
	req, err := http.NewRequest("GET", c.BaseURL+api.PathEcho, nil)
	if err != nil {
		return err
	}
	_, err = c.doRequest(req)
	return err
}
