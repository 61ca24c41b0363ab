// Package api implements the HTTP control surface of the daemon: the
// securityfs analog through which domains are created, models are
// loaded and inspected, hooks are ingested and export queues are
// consumed.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Programator2/TSEM/internal/auth"
	"github.com/Programator2/TSEM/internal/config"
	"github.com/Programator2/TSEM/internal/engine"
	"github.com/Programator2/TSEM/internal/event"
	"github.com/Programator2/TSEM/internal/namespace"
	"github.com/Programator2/TSEM/pkg/types"
)

type App struct {
	cfg    *config.Config
	engine *engine.Engine

	apiKeyAuth *auth.APIKeyAuth
	gatherer   prometheus.Gatherer

	// instance identifies this daemon run in status responses.
	instance string
	started  time.Time
}

func NewApp(cfg *config.Config, eng *engine.Engine, apiKeyAuth *auth.APIKeyAuth, gatherer prometheus.Gatherer) *App {
	return &App{
		cfg:        cfg,
		engine:     eng,
		apiKeyAuth: apiKeyAuth,
		gatherer:   gatherer,
		instance:   uuid.NewString(),
		started:    time.Now().UTC(),
	}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(a.authMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	if a.cfg.Metrics.Enabled && a.gatherer != nil {
		r.Get(a.cfg.Metrics.Path, promhttp.HandlerFor(a.gatherer,
			promhttp.HandlerOpts{}).ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", a.status)

		r.Post("/domains", a.createDomain)
		r.Get("/domains", a.listDomains)
		r.Get("/domains/{id}", a.getDomain)
		r.Delete("/domains/{id}", a.deleteDomain)
		r.Post("/domains/{id}/seal", a.sealDomain)

		r.Post("/domains/{id}/points", a.loadPoint)
		r.Post("/domains/{id}/pseudonyms", a.loadPseudonym)
		r.Put("/domains/{id}/base", a.loadBase)
		r.Put("/domains/{id}/actions", a.setActions)

		r.Get("/domains/{id}/model/{value}", a.modelValue)

		r.Post("/domains/{id}/hooks", a.handleHook)
		r.Get("/domains/{id}/export", a.consumeExport)
		r.Post("/domains/{id}/trust", a.setTrust)
	})

	return r
}

func (a *App) authMiddleware(next http.Handler) http.Handler {
	if strings.EqualFold(a.cfg.Auth.Type, "none") {
		return next
	}
	if strings.EqualFold(a.cfg.Auth.Type, "api_key") {
		if a.apiKeyAuth == nil {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"error": "api key auth enabled but keys not loaded",
				})
			})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(a.apiKeyAuth.HeaderName())
			if key == "" || !a.apiKeyAuth.IsAllowed(key) {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unsupported auth type"})
	})
}

func (a *App) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"instance": a.instance,
		"started":  a.started.Format(time.RFC3339),
		"domains":  len(a.engine.Domains.List()),
		"tasks":    a.engine.Tasks.Count(),
	})
}

func (a *App) createDomain(w http.ResponseWriter, r *http.Request) {
	var req types.CreateDomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	d, err := a.engine.CreateDomain(namespace.Config{
		Type:         req.Type,
		Digest:       req.Digest,
		Namespace:    req.Namespace,
		Key:          req.Key,
		MagazineSize: req.MagazineSize,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, d.Info())
}

func (a *App) listDomains(w http.ResponseWriter, r *http.Request) {
	domains := a.engine.Domains.List()
	infos := make([]types.DomainInfo, 0, len(domains))
	for _, d := range domains {
		infos = append(infos, d.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

func (a *App) getDomain(w http.ResponseWriter, r *http.Request) {
	d, ok := a.domain(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d.Info())
}

func (a *App) deleteDomain(w http.ResponseWriter, r *http.Request) {
	d, ok := a.domain(w, r)
	if !ok {
		return
	}
	if d.ID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "the root domain cannot be released"})
		return
	}
	a.engine.ReleaseDomain(d)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) sealDomain(w http.ResponseWriter, r *http.Request) {
	d, ok := a.domain(w, r)
	if !ok {
		return
	}
	d.Seal()
	writeJSON(w, http.StatusOK, d.Info())
}

func (a *App) loadPoint(w http.ResponseWriter, r *http.Request) {
	a.loadValue(w, r, func(d *namespace.Domain, value []byte) error {
		return d.LoadPoint(value)
	})
}

func (a *App) loadPseudonym(w http.ResponseWriter, r *http.Request) {
	a.loadValue(w, r, func(d *namespace.Domain, value []byte) error {
		return d.LoadPseudonym(value)
	})
}

func (a *App) loadBase(w http.ResponseWriter, r *http.Request) {
	a.loadValue(w, r, func(d *namespace.Domain, value []byte) error {
		return d.LoadBase(value)
	})
}

func (a *App) loadValue(w http.ResponseWriter, r *http.Request, load func(*namespace.Domain, []byte) error) {
	d, ok := a.domain(w, r)
	if !ok {
		return
	}
	var req types.ValueResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	value, err := hex.DecodeString(req.Value)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "value is not hex"})
		return
	}
	if err := load(d, value); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) setActions(w http.ResponseWriter, r *http.Request) {
	d, ok := a.domain(w, r)
	if !ok {
		return
	}
	var updates []types.ActionUpdate
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	for _, u := range updates {
		t, err := event.ParseType(u.Event)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if err := d.SetAction(t, u.Action); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) modelValue(w http.ResponseWriter, r *http.Request) {
	d, ok := a.domain(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "value")

	// The aggregate is available for every domain; the remaining
	// values only exist on internally modeled ones.
	if name == "aggregate" {
		writeJSON(w, http.StatusOK, types.ValueResponse{
			Value: hex.EncodeToString(a.engine.Trust.Aggregate(d.Digest)),
		})
		return
	}
	if d.Model == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "domain is not internally modeled",
		})
		return
	}

	switch name {
	case "trajectory":
		writeJSON(w, http.StatusOK, eventRecords(d.Model.Trajectory()))
	case "forensics":
		writeJSON(w, http.StatusOK, eventRecords(d.Model.Forensics()))
	case "points":
		points := d.Model.Points()
		records := make([]types.PointRecord, 0, len(points))
		for _, p := range points {
			records = append(records, types.PointRecord{
				Value: hex.EncodeToString(p.Value()),
				Valid: p.Valid(),
				Count: p.Count(),
			})
		}
		writeJSON(w, http.StatusOK, records)
	case "measurement":
		writeJSON(w, http.StatusOK, types.ValueResponse{
			Value: hex.EncodeToString(d.Model.Measurement()),
		})
	case "state":
		writeJSON(w, http.StatusOK, types.ValueResponse{
			Value: hex.EncodeToString(d.Model.ComputeState()),
		})
	case "base":
		writeJSON(w, http.StatusOK, types.ValueResponse{
			Value: hex.EncodeToString(d.Model.Base()),
		})
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown model value"})
	}
}

func eventRecords(events []*event.Event) []types.EventRecord {
	records := make([]types.EventRecord, 0, len(events))
	for _, ev := range events {
		records = append(records, ev.Record())
	}
	return records
}

func (a *App) handleHook(w http.ResponseWriter, r *http.Request) {
	d, ok := a.domain(w, r)
	if !ok {
		return
	}
	var req types.HookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	params, err := engine.ParamsFromRequest(&req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	status, action, err := a.engine.HandleHook(r.Context(), d, params)
	if err != nil {
		writeJSON(w, hookErrorStatus(err), map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, types.HookResponse{Status: status, Action: action})
}

func hookErrorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrOutOfMemory):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrCancelled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) consumeExport(w http.ResponseWriter, r *http.Request) {
	d, ok := a.domain(w, r)
	if !ok {
		return
	}
	if d.Export == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "domain is not externally modeled",
		})
		return
	}

	ctx := r.Context()
	if waitStr := r.URL.Query().Get("wait"); waitStr != "" {
		wait, err := time.ParseDuration(waitStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid wait duration"})
			return
		}
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
		_ = d.Export.Wait(ctx)
	}

	rec, ok := d.Export.Next()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	line, err := rec.Render()
	if rec.Event != nil {
		rec.Event.Release()
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeText(w, http.StatusOK, line+"\n")
}

func (a *App) setTrust(w http.ResponseWriter, r *http.Request) {
	d, ok := a.domain(w, r)
	if !ok {
		return
	}
	var req types.TrustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if err := a.engine.ResolveTrust(d, req); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrNotAvailable) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) domain(w http.ResponseWriter, r *http.Request) (*namespace.Domain, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid domain id"})
		return nil, false
	}
	d, ok := a.engine.Domains.Lookup(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no such domain"})
		return nil, false
	}
	return d, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
