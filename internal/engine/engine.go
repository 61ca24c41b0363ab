// Package engine is the entry point of the modeling core: hook
// dispatch into a domain's model or export queue, task registration
// and trust resolution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Programator2/TSEM/internal/event"
	"github.com/Programator2/TSEM/internal/export"
	"github.com/Programator2/TSEM/internal/mapping"
	"github.com/Programator2/TSEM/internal/metrics"
	"github.com/Programator2/TSEM/internal/model"
	"github.com/Programator2/TSEM/internal/namespace"
	"github.com/Programator2/TSEM/internal/task"
	"github.com/Programator2/TSEM/internal/trust"
	"github.com/Programator2/TSEM/pkg/types"
)

// Sentinel errors of the modeling core.
var (
	ErrOutOfMemory     = errors.New("out of memory")
	ErrCryptoFailure   = errors.New("cryptographic operation failed")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrIOFailure       = errors.New("io failure")
	ErrNotAvailable    = errors.New("not available")
	ErrCancelled       = errors.New("operation cancelled")
)

// Engine owns the root domain, the task registry, the trust root and
// the metrics collectors.
type Engine struct {
	Domains *namespace.Registry
	Tasks   *task.Registry
	Trust   *trust.Root

	metrics *metrics.Metrics
	log     *slog.Logger
	root    *namespace.Domain
}

// New builds the engine and creates the root modeling domain from
// rootCfg.
func New(domains *namespace.Registry, tasks *task.Registry, root *trust.Root,
	m *metrics.Metrics, rootCfg namespace.Config, log *slog.Logger) (*Engine, error) {

	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		Domains: domains,
		Tasks:   tasks,
		Trust:   root,
		metrics: m,
		log:     log,
	}
	root.OnExtendFailure = m.IncPCRExtendFailure

	rootDomain, err := domains.CreateRoot(rootCfg)
	if err != nil {
		return nil, fmt.Errorf("create root domain: %w", err)
	}
	e.root = rootDomain
	return e, nil
}

// Root returns the root modeling domain.
func (e *Engine) Root() *namespace.Domain { return e.root }

// CreateDomain creates a modeling domain inheriting the root domain's
// action table.
func (e *Engine) CreateDomain(cfg namespace.Config) (*namespace.Domain, error) {
	d, err := e.Domains.Create(cfg, e.root)
	if err != nil {
		return nil, err
	}
	if d.Export != nil {
		id := d.ID
		d.Export.OnDepth = func(depth int) { e.metrics.SetExportDepth(id, depth) }
	}
	return d, nil
}

// ReleaseDomain drops the engine's reference to a domain.
func (e *Engine) ReleaseDomain(d *namespace.Domain) {
	if d.Export != nil {
		e.metrics.DropExportDepth(d.ID)
	}
	d.Release()
}

// HandleHook models one security event in a domain. The event
// parameters come from the hook dispatcher; locked indicates the
// dispatcher cannot block. The returned trust status reflects the
// acting task after the event, and the action is the discipline the
// dispatcher should apply.
func (e *Engine) HandleHook(ctx context.Context, d *namespace.Domain, p *event.Params) (types.TrustStatus, types.Action, error) {
	if p.Type <= event.Undefined || int(p.Type) >= event.TypeCount {
		return "", "", fmt.Errorf("%w: unknown event type %d", ErrInvalidArgument, p.Type)
	}
	if p.Comm == "" {
		p.Comm = e.Domains.Comm(p.PID)
	}

	tk, err := e.Tasks.Register(p.PID, p.Comm, d.Digest.Size())
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	p.TaskID = tk.TaskID

	ev, err := d.Builder.Init(p)
	if err != nil {
		if errors.Is(err, event.ErrExhausted) {
			return "", "", ErrOutOfMemory
		}
		return "", "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	defer ev.Release()

	// The exec event settles the task's identity digest before it
	// is modeled.
	if p.Type == event.BprmSetCreds {
		id, err := mapping.MapTask(d.Digest, ev)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
		tk.TaskID = id
		ev.TaskID = id
	}

	if d.Internal() {
		err = e.modelEvent(d, tk, ev)
	} else {
		err = e.exportEvent(ctx, d, tk, ev)
	}
	if err != nil {
		return "", "", err
	}

	e.metrics.IncEvent(d.ID, ev.Type.Name())

	status := taskStatus(tk)
	action := types.ActionLog
	if status == types.StatusUntrusted {
		e.metrics.IncUntrusted(d.ID)
		action = d.Action(ev.Type)
		if !d.Internal() && action == types.ActionDeny {
			if err := d.Export.Action(ev.Type, action, ev.Comm, ev.Locked); err != nil {
				e.log.Warn("action export failed",
					"domain", d.ID, "event", ev.Type.Name(), "error", err)
			}
		}
	}
	return status, action, nil
}

func (e *Engine) modelEvent(d *namespace.Domain, tk *task.Task, ev *event.Event) error {
	start := time.Now()
	if _, err := mapping.MapEvent(d.Digest, tk.TaskID, ev); err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	e.metrics.ObserveMapDuration(time.Since(start))

	trusted, err := d.Model.Event(ev, d.Sealed())
	if err != nil {
		if errors.Is(err, model.ErrExhausted) {
			e.metrics.IncMagazineExhausted("point")
			return ErrOutOfMemory
		}
		return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	if !trusted {
		tk.MarkUntrusted()
	}
	return nil
}

func (e *Engine) exportEvent(ctx context.Context, d *namespace.Domain, tk *task.Task, ev *event.Event) error {
	err := d.Export.Event(ctx, tk, ev)
	switch {
	case errors.Is(err, export.ErrExhausted):
		e.metrics.IncMagazineExhausted("export")
		return ErrOutOfMemory
	case errors.Is(err, export.ErrCancelled):
		return ErrCancelled
	case err != nil:
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}

// ResolveTrust lets an external modeling agent settle the trust
// status of a task waiting on a synchronous export.
func (e *Engine) ResolveTrust(d *namespace.Domain, req types.TrustRequest) error {
	if d.Internal() {
		return fmt.Errorf("%w: domain %d is internally modeled", ErrInvalidArgument, d.ID)
	}
	if !d.Authenticate(req.Key) {
		return fmt.Errorf("%w: authentication failed", ErrInvalidArgument)
	}

	tk, ok := e.Tasks.Lookup(req.PID)
	if !ok {
		return fmt.Errorf("%w: no task with pid %d", ErrNotAvailable, req.PID)
	}

	switch req.Status {
	case types.StatusTrusted:
		tk.ResolveTrust(true)
	case types.StatusUntrusted:
		tk.ResolveTrust(false)
	default:
		return fmt.Errorf("%w: invalid trust status %q", ErrInvalidArgument, req.Status)
	}
	return nil
}

func taskStatus(tk *task.Task) types.TrustStatus {
	status := tk.Status()
	switch {
	case status&task.Untrusted != 0:
		return types.StatusUntrusted
	case status&task.TrustPending != 0:
		return types.StatusPending
	default:
		return types.StatusTrusted
	}
}
