package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Programator2/TSEM/pkg/types"
)

func runCommand(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	root := NewRoot("test")
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(append([]string{"--server", serverURL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestDomainListCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/domains", r.URL.Path)
		json.NewEncoder(w).Encode([]types.DomainInfo{{ID: 0, Type: types.DomainInternal}})
	}))
	defer srv.Close()

	out, err := runCommand(t, srv.URL, "domain", "list")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": 0`)
}

func TestDomainCreateCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.CreateDomainRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, types.DomainExternal, req.Type)
		assert.Equal(t, strings.Repeat("ab", 32), req.Key)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(types.DomainInfo{ID: 1, Type: req.Type})
	}))
	defer srv.Close()

	out, err := runCommand(t, srv.URL, "domain", "create",
		"--type", "external", "--key", strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Contains(t, out, `"id": 1`)
}

func TestModelShowCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/domains/0/model/measurement", r.URL.Path)
		json.NewEncoder(w).Encode(types.ValueResponse{Value: "abcd"})
	}))
	defer srv.Close()

	out, err := runCommand(t, srv.URL, "model", "show", "0", "measurement")
	require.NoError(t, err)
	assert.Equal(t, "abcd\n", out)
}

func TestModelActionsCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var updates []types.ActionUpdate
		require.NoError(t, json.NewDecoder(r.Body).Decode(&updates))
		require.Len(t, updates, 1)
		assert.Equal(t, "file_open", updates[0].Event)
		assert.Equal(t, types.ActionDeny, updates[0].Action)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out, err := runCommand(t, srv.URL, "model", "actions", "0", "file_open=DENY")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
}

func TestHookSendCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.HookRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "file_open", req.Type)
		json.NewEncoder(w).Encode(types.HookResponse{
			Status: types.StatusTrusted, Action: types.ActionLog,
		})
	}))
	defer srv.Close()

	root := NewRoot("test")
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetIn(strings.NewReader(`{"type": "file_open", "pid": 7}`))
	root.SetArgs([]string{"--server", srv.URL, "hook", "send", "0"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "trusted")
}

func TestTrustSetRejectsBadStatus(t *testing.T) {
	_, err := runCommand(t, "http://127.0.0.1:0", "trust", "set", "1", "7", "maybe")
	assert.Error(t, err)
}

func TestInvalidDomainArgument(t *testing.T) {
	_, err := runCommand(t, "http://127.0.0.1:0", "domain", "info", "banana")
	assert.Error(t, err)
}
