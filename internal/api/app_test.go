package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Programator2/TSEM/internal/auth"
	"github.com/Programator2/TSEM/internal/config"
	"github.com/Programator2/TSEM/internal/engine"
	"github.com/Programator2/TSEM/internal/namespace"
	"github.com/Programator2/TSEM/internal/task"
	"github.com/Programator2/TSEM/internal/trust"
	"github.com/Programator2/TSEM/pkg/types"
)

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	cfg := config.Default()

	root := trust.New(trust.NullChip{}, cfg.Trust.PCR, nil)
	t.Cleanup(root.Close)

	domains := namespace.NewRegistry(root, &task.ProcCredentials{Root: t.TempDir()}, nil)
	eng, err := engine.New(domains, task.NewRegistry(), root, nil,
		namespace.Config{Digest: cfg.Root.Digest, MagazineSize: 8}, nil)
	require.NoError(t, err)

	app := NewApp(cfg, eng, nil, prometheus.NewRegistry())
	srv := httptest.NewServer(app.Router())
	t.Cleanup(srv.Close)
	return app, srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func hookBody(path string) types.HookRequest {
	return types.HookRequest{
		Type: "file_open",
		PID:  100,
		Comm: "worker",
		COE:  &types.COERecord{UID: 1000, EUID: 1000, Capability: "0x0"},
		File: &types.FileRequest{Path: path, Mode: 0o644},
	}
}

func TestHealthz(t *testing.T) {
	_, srv := newTestApp(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	_, srv := newTestApp(t)
	resp, err := http.Get(srv.URL + "/api/v1/status")
	require.NoError(t, err)
	st := decode[map[string]any](t, resp)
	assert.NotEmpty(t, st["instance"])
	assert.EqualValues(t, 1, st["domains"])
}

func TestDomainLifecycle(t *testing.T) {
	_, srv := newTestApp(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/domains",
		types.CreateDomainRequest{Type: types.DomainInternal})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	info := decode[types.DomainInfo](t, resp)
	assert.Equal(t, uint64(1), info.ID)
	assert.Equal(t, types.DomainInternal, info.Type)
	assert.False(t, info.Sealed)

	resp, err := http.Get(srv.URL + "/api/v1/domains")
	require.NoError(t, err)
	list := decode[[]types.DomainInfo](t, resp)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(0), list[0].ID)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/domains/1/seal", nil)
	sealed := decode[types.DomainInfo](t, resp)
	assert.True(t, sealed.Sealed)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/domains/1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/v1/domains/1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRootDomainCannotBeDeleted(t *testing.T) {
	_, srv := newTestApp(t)
	resp := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/domains/0", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHookAndModelValues(t *testing.T) {
	app, srv := newTestApp(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/domains/0/hooks", hookBody("/etc/hosts"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hr := decode[types.HookResponse](t, resp)
	assert.Equal(t, types.StatusTrusted, hr.Status)
	assert.Equal(t, types.ActionLog, hr.Action)

	size := app.engine.Root().Digest.Size()

	resp, err := http.Get(srv.URL + "/api/v1/domains/0/model/measurement")
	require.NoError(t, err)
	m := decode[types.ValueResponse](t, resp)
	assert.Len(t, m.Value, 2*size)

	resp, err = http.Get(srv.URL + "/api/v1/domains/0/model/state")
	require.NoError(t, err)
	s := decode[types.ValueResponse](t, resp)
	assert.Len(t, s.Value, 2*size)

	resp, err = http.Get(srv.URL + "/api/v1/domains/0/model/points")
	require.NoError(t, err)
	points := decode[[]types.PointRecord](t, resp)
	require.Len(t, points, 1)
	assert.True(t, points[0].Valid)
	assert.EqualValues(t, 1, points[0].Count)

	resp, err = http.Get(srv.URL + "/api/v1/domains/0/model/trajectory")
	require.NoError(t, err)
	traj := decode[[]types.EventRecord](t, resp)
	require.Len(t, traj, 1)
	assert.Equal(t, "file_open", traj[0].Event.Type)
	assert.EqualValues(t, 0, traj[0].Event.PID)

	resp, err = http.Get(srv.URL + "/api/v1/domains/0/model/aggregate")
	require.NoError(t, err)
	agg := decode[types.ValueResponse](t, resp)
	assert.Equal(t, strings.Repeat("0", 2*size), agg.Value)
}

func TestSealedViolationReportsForensics(t *testing.T) {
	_, srv := newTestApp(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/domains/0/hooks", hookBody("/etc/hosts"))
	resp.Body.Close()
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/domains/0/seal", nil)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/domains/0/hooks", hookBody("/etc/shadow"))
	hr := decode[types.HookResponse](t, resp)
	assert.Equal(t, types.StatusUntrusted, hr.Status)

	resp, err := http.Get(srv.URL + "/api/v1/domains/0/model/forensics")
	require.NoError(t, err)
	forensics := decode[[]types.EventRecord](t, resp)
	assert.Len(t, forensics, 1)
}

func TestLoadPointAndSeal(t *testing.T) {
	_, srv := newTestApp(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/domains",
		types.CreateDomainRequest{Type: types.DomainInternal})
	info := decode[types.DomainInfo](t, resp)
	base := fmt.Sprintf("%s/api/v1/domains/%d", srv.URL, info.ID)

	point := strings.Repeat("ab", 32)
	resp = doJSON(t, http.MethodPost, base+"/points", types.ValueResponse{Value: point})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPut, base+"/base", types.ValueResponse{Value: strings.Repeat("cd", 32)})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, base+"/seal", nil)
	resp.Body.Close()

	// Sealed domains refuse further loads.
	resp = doJSON(t, http.MethodPost, base+"/points", types.ValueResponse{Value: point})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSetActions(t *testing.T) {
	_, srv := newTestApp(t)

	resp := doJSON(t, http.MethodPut, srv.URL+"/api/v1/domains/0/actions",
		[]types.ActionUpdate{{Event: "file_open", Action: types.ActionDeny}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPut, srv.URL+"/api/v1/domains/0/actions",
		[]types.ActionUpdate{{Event: "file_open", Action: "DROP"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestExportConsume(t *testing.T) {
	_, srv := newTestApp(t)

	key := strings.Repeat("ab", 32)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/domains",
		types.CreateDomainRequest{Type: types.DomainExternal, Key: key})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	info := decode[types.DomainInfo](t, resp)
	base := fmt.Sprintf("%s/api/v1/domains/%d", srv.URL, info.ID)

	// The aggregate is the first record every external agent sees.
	resp, err := http.Get(base + "/export")
	require.NoError(t, err)
	line, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agg struct {
		Export    types.ExportHeader   `json:"export"`
		Aggregate types.AggregateValue `json:"aggregate"`
	}
	require.NoError(t, json.Unmarshal(line, &agg))
	assert.Equal(t, "aggregate", agg.Export.Type)

	// Locked events queue without blocking.
	hook := hookBody("/etc/hosts")
	hook.Locked = true
	resp = doJSON(t, http.MethodPost, base+"/hooks", hook)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(base + "/export?wait=1s")
	require.NoError(t, err)
	line, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	var ev struct {
		Export types.ExportHeader `json:"export"`
		Event  types.EventHeader  `json:"event"`
	}
	require.NoError(t, json.Unmarshal(line, &ev))
	assert.Equal(t, "async_event", ev.Export.Type)
	assert.Equal(t, "file_open", ev.Event.Type)

	// Empty queue yields no content.
	resp, err = http.Get(base + "/export?wait=10ms")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestTrustEndpoint(t *testing.T) {
	_, srv := newTestApp(t)

	key := strings.Repeat("ab", 32)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/domains",
		types.CreateDomainRequest{Type: types.DomainExternal, Key: key})
	info := decode[types.DomainInfo](t, resp)
	base := fmt.Sprintf("%s/api/v1/domains/%d", srv.URL, info.ID)

	// No such task.
	resp = doJSON(t, http.MethodPost, base+"/trust",
		types.TrustRequest{PID: 999, Status: types.StatusTrusted, Key: key})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Bad key.
	resp = doJSON(t, http.MethodPost, base+"/trust",
		types.TrustRequest{PID: 999, Status: types.StatusTrusted, Key: strings.Repeat("cd", 32)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Trust resolution is meaningless on internal domains.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/domains/0/trust",
		types.TrustRequest{PID: 999, Status: types.StatusTrusted, Key: key})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestExportOnInternalDomain(t *testing.T) {
	_, srv := newTestApp(t)
	resp, err := http.Get(srv.URL + "/api/v1/domains/0/export")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvalidDomainID(t *testing.T) {
	_, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/api/v1/domains/banana")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/domains/42")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func testKeys(t *testing.T) *auth.APIKeyAuth {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- id: test\n  key: secret-1\n"), 0o600))
	a, err := auth.LoadAPIKeys(path, "")
	require.NoError(t, err)
	return a
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Type = "api_key"

	root := trust.New(trust.NullChip{}, cfg.Trust.PCR, nil)
	t.Cleanup(root.Close)
	domains := namespace.NewRegistry(root, &task.ProcCredentials{Root: t.TempDir()}, nil)
	eng, err := engine.New(domains, task.NewRegistry(), root, nil,
		namespace.Config{Digest: "sha256", MagazineSize: 8}, nil)
	require.NoError(t, err)

	app := NewApp(cfg, eng, testKeys(t), nil)
	srv := httptest.NewServer(app.Router())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/v1/domains")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/domains", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret-1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
