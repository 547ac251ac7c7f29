package controlapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/ntlmconduit/internal/config"
	"github.com/die-net/ntlmconduit/internal/target"
)

type resetCounter struct {
	reasons []string
}

func (r *resetCounter) RemoveAll(reason string) {
	r.reasons = append(r.reasons, reason)
}

func newTestServer(t *testing.T) (*httptest.Server, *config.Store, *resetCounter) {
	t.Helper()

	store := config.NewStore(config.File{SsoHosts: []string{"*.corp.example"}})
	contexts := &resetCounter{}
	srv := httptest.NewServer(NewServer(t.Context(), store, contexts).Handler())
	t.Cleanup(srv.Close)

	return srv, store, contexts
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(b)
}

func host(t *testing.T, s string) target.Host {
	t.Helper()

	h, err := target.Parse(s, false)
	require.NoError(t, err)
	return h
}

func TestAlive(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	code, body := do(t, http.MethodGet, srv.URL+"/alive", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK\n", body)
}

func TestGetConfigHidesPasswords(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t)
	require.NoError(t, store.Replace(config.File{
		NtlmHosts: []config.NtlmHost{{Hosts: []string{"intranet.example"}, Username: "alice", Password: "secret"}},
	}))

	code, body := do(t, http.MethodGet, srv.URL+"/config", "")
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, body, "secret")

	var f config.File
	require.NoError(t, json.Unmarshal([]byte(body), &f))
	require.Len(t, f.NtlmHosts, 1)
	assert.Equal(t, "alice", f.NtlmHosts[0].Username)
	assert.Equal(t, []string{"intranet.example"}, f.NtlmHosts[0].Hosts)
}

func TestPutConfig(t *testing.T) {
	t.Parallel()

	srv, store, contexts := newTestServer(t)
	doc := `
ntlmHosts:
  - hosts: ["intranet.example"]
    username: alice
    password: secret
ssoHosts: ["*.sso.example"]
`
	code, _ := do(t, http.MethodPut, srv.URL+"/config", doc)
	require.Equal(t, http.StatusOK, code)

	assert.True(t, store.RequiresNtlm(host(t, "intranet.example")))
	assert.True(t, store.UseSso(host(t, "www.sso.example")))
	assert.False(t, store.UseSso(host(t, "www.corp.example")))
	assert.Equal(t, []string{"config changed"}, contexts.reasons)
}

func TestPutConfigJSON(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t)
	code, _ := do(t, http.MethodPut, srv.URL+"/config", `{"ntlmHosts":[{"hosts":["*.json.example"],"username":"bob","password":"pw"}],"ssoHosts":[]}`)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, store.RequiresNtlm(host(t, "a.json.example")))
}

func TestPutConfigRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []string{
		`ntlmHosts: [{hosts: ["http://intranet.example"], username: a, password: b}]`,
		`ntlmHosts: [{hosts: ["intranet.example"], username: a}]`,
		`unknown: true`,
		`ssoHosts: ["bad host"]`,
	}

	for _, doc := range tests {
		srv, store, contexts := newTestServer(t)
		code, _ := do(t, http.MethodPut, srv.URL+"/config", doc)
		assert.Equal(t, http.StatusBadRequest, code, doc)
		assert.True(t, store.UseSso(host(t, "www.corp.example")), "config unchanged after %q", doc)
		assert.Empty(t, contexts.reasons, doc)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	srv, store, contexts := newTestServer(t)
	code, _ := do(t, http.MethodPost, srv.URL+"/reset", "")
	require.Equal(t, http.StatusOK, code)

	assert.False(t, store.UseSso(host(t, "www.corp.example")))
	assert.Equal(t, []string{"config reset"}, contexts.reasons)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	code, _ := do(t, http.MethodDelete, srv.URL+"/config", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}
