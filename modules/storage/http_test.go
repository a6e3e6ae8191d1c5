package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hindsightlabs/hindsight/pkg/model"
)

// testClient keeps the handler tests terse.
type testClient struct {
	t       *testing.T
	baseURL string
}

func newTestClient(t *testing.T, baseURL string) *testClient {
	return &testClient{t: t, baseURL: baseURL}
}

func (c *testClient) do(method, path string, body []byte) (int, []byte) {
	c.t.Helper()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	require.NoError(c.t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, b
}

func (c *testClient) get(path string) []byte {
	c.t.Helper()
	code, body := c.do(http.MethodGet, path, nil)
	require.Equal(c.t, http.StatusOK, code, string(body))
	return body
}

func (c *testClient) getJSON(path string, v any) {
	c.t.Helper()
	require.NoError(c.t, json.Unmarshal(c.get(path), v))
}

func (c *testClient) expectStatus(method, path string, body []byte, status int) {
	c.t.Helper()
	code, respBody := c.do(method, path, body)
	require.Equal(c.t, status, code, string(respBody))
}

func (c *testClient) createSession(name string) *model.Session {
	c.t.Helper()
	code, body := c.do(http.MethodPost, "/api/sessions", []byte(`{"name":"`+name+`"}`))
	require.Equal(c.t, http.StatusCreated, code, string(body))

	s := &model.Session{}
	require.NoError(c.t, json.Unmarshal(body, s))
	return s
}

func (c *testClient) getSession(id string) *model.Session {
	c.t.Helper()
	s := &model.Session{}
	c.getJSON("/api/sessions/"+id, s)
	return s
}

func (c *testClient) listSessions() []*model.Session {
	c.t.Helper()
	var sessions []*model.Session
	c.getJSON("/api/sessions", &sessions)
	return sessions
}

// createSessionDirect skips HTTP and writes straight to the store.
func (c *testClient) createSessionDirect(t *testing.T, s *Storage) string {
	id, err := s.db.CreateSession(context.Background(), "direct", nil)
	require.NoError(t, err)
	return id
}
