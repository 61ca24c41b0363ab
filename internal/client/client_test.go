package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Programator2/TSEM/pkg/types"
)

func TestDomainCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "POST /api/v1/domains":
			var req types.CreateDomainRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, types.DomainInternal, req.Type)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(types.DomainInfo{ID: 3, Type: req.Type})
		case "GET /api/v1/domains":
			json.NewEncoder(w).Encode([]types.DomainInfo{{ID: 0}, {ID: 3}})
		case "DELETE /api/v1/domains/3":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	info, err := c.CreateDomain(ctx, types.CreateDomainRequest{Type: types.DomainInternal})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.ID)

	list, err := c.ListDomains(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, c.DeleteDomain(ctx, 3))
}

func TestAPIKeyHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Custom-Key"))
		json.NewEncoder(w).Encode(map[string]any{"instance": "x"})
	}))
	defer srv.Close()

	c := New(srv.URL, WithAPIKey("secret", "X-Custom-Key"))
	_, err := c.Status(context.Background())
	require.NoError(t, err)
}

func TestErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "no such domain"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetDomain(context.Background(), 9)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "no such domain", apiErr.Message)
}

func TestNextExport(t *testing.T) {
	line := `{"export": {"type": "aggregate"}, "aggregate": {"value": "00"}}`
	empty := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1s", r.URL.Query().Get("wait"))
		if empty {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write([]byte(line + "\n"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	got, ok, err := c.NextExport(context.Background(), 1, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, line, got)

	empty = true
	_, ok, err = c.NextExport(context.Background(), 1, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValueAndHookCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/model/measurement"):
			json.NewEncoder(w).Encode(types.ValueResponse{Value: "abcd"})
		case strings.HasSuffix(r.URL.Path, "/points") && r.Method == http.MethodPost:
			w.WriteHeader(http.StatusNoContent)
		case strings.HasSuffix(r.URL.Path, "/hooks"):
			json.NewEncoder(w).Encode(types.HookResponse{
				Status: types.StatusTrusted, Action: types.ActionLog,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	v, err := c.ModelValue(ctx, 0, "measurement")
	require.NoError(t, err)
	assert.Equal(t, "abcd", v)

	require.NoError(t, c.LoadPoint(ctx, 0, "ab"))

	hr, err := c.SendHook(ctx, 0, types.HookRequest{Type: "file_open", PID: 1})
	require.NoError(t, err)
	assert.Equal(t, types.StatusTrusted, hr.Status)
}
