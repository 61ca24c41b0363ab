// Package namespace manages modeling domains: their creation,
// sealing, reference counting and teardown, the per-domain action
// table and the authentication keys of externally modeled domains.
package namespace

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Programator2/TSEM/internal/digest"
	"github.com/Programator2/TSEM/internal/event"
	"github.com/Programator2/TSEM/internal/export"
	"github.com/Programator2/TSEM/internal/inode"
	"github.com/Programator2/TSEM/internal/magazine"
	"github.com/Programator2/TSEM/internal/model"
	"github.com/Programator2/TSEM/internal/task"
	"github.com/Programator2/TSEM/internal/trust"
	"github.com/Programator2/TSEM/pkg/types"
)

var (
	// ErrSealed rejects model mutations on a sealed domain.
	ErrSealed = errors.New("domain is sealed")

	// ErrNotFound reports an unknown domain id.
	ErrNotFound = errors.New("no such domain")
)

// Domain is one modeling domain. Internal domains carry a model;
// external domains carry an export queue.
type Domain struct {
	ID           uint64
	Type         types.DomainType
	Digest       *digest.Digest
	Namespace    types.NamespaceRef
	MagazineSize int

	Model   *model.Model
	Export  *export.Queue
	Builder *event.Builder

	// TaskKey is the random key an external domain's authentication
	// key is derived from.
	TaskKey []byte

	authKey []byte

	sealed atomic.Bool
	refs   atomic.Int32

	actionMu sync.RWMutex
	actions  [event.TypeCount]types.Action

	registry *Registry
	events   *magazine.Magazine[event.Event]
}

// Seal flips the domain into its sealed state. Sealing is one way:
// every novel coefficient afterwards is a security violation.
func (d *Domain) Seal() { d.sealed.Store(true) }

// Sealed reports whether the domain has been sealed.
func (d *Domain) Sealed() bool { return d.sealed.Load() }

// Internal reports whether the domain is modeled in process.
func (d *Domain) Internal() bool { return d.Type == types.DomainInternal }

// Action returns the discipline configured for an event type.
func (d *Domain) Action(t event.Type) types.Action {
	d.actionMu.RLock()
	defer d.actionMu.RUnlock()
	return d.actions[t]
}

// SetAction configures the discipline for an event type.
func (d *Domain) SetAction(t event.Type, action types.Action) error {
	if !action.Valid() {
		return fmt.Errorf("invalid action %q", action)
	}
	if t <= event.Undefined || int(t) >= event.TypeCount {
		return fmt.Errorf("invalid event type %d", t)
	}
	d.actionMu.Lock()
	d.actions[t] = action
	d.actionMu.Unlock()
	return nil
}

func (d *Domain) copyActions() [event.TypeCount]types.Action {
	d.actionMu.RLock()
	defer d.actionMu.RUnlock()
	return d.actions
}

// Authenticate validates an orchestrator key presented in hex against
// the domain's derived authentication key.
func (d *Domain) Authenticate(keyHex string) bool {
	if d.authKey == nil {
		return false
	}
	derived, err := deriveAuthKey(d.Digest, d.TaskKey, keyHex)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(derived, d.authKey) == 1
}

// LoadPoint admits a trusted coefficient. Refused once sealed.
func (d *Domain) LoadPoint(value []byte) error {
	if d.Model == nil {
		return fmt.Errorf("domain %d is not internally modeled", d.ID)
	}
	if d.Sealed() {
		return ErrSealed
	}
	return d.Model.LoadPoint(value)
}

// LoadBase sets the model base point. Refused once sealed.
func (d *Domain) LoadBase(value []byte) error {
	if d.Model == nil {
		return fmt.Errorf("domain %d is not internally modeled", d.ID)
	}
	if d.Sealed() {
		return ErrSealed
	}
	return d.Model.LoadBase(value)
}

// LoadPseudonym declares a file pseudonym. Refused once sealed.
func (d *Domain) LoadPseudonym(value []byte) error {
	if d.Model == nil {
		return fmt.Errorf("domain %d is not internally modeled", d.ID)
	}
	if d.Sealed() {
		return ErrSealed
	}
	return d.Model.LoadPseudonym(value)
}

// Retain adds a reference to the domain.
func (d *Domain) Retain() { d.refs.Add(1) }

// Release drops a reference. The final release removes the domain
// from the registry and tears it down on a background goroutine.
func (d *Domain) Release() {
	if d.refs.Add(-1) != 0 {
		return
	}
	d.registry.remove(d.ID)
	go d.teardown()
}

func (d *Domain) teardown() {
	if d.Export != nil {
		d.Export.Drain()
		d.Export.Close()
	}
	if d.Model != nil {
		d.Model.Free()
	}
	d.events.Close()
	d.registry.log.Info("domain released", "domain", d.ID)
}

// Info renders the domain for the control surface.
func (d *Domain) Info() types.DomainInfo {
	info := types.DomainInfo{
		ID:           d.ID,
		Type:         d.Type,
		Digest:       d.Digest.Name(),
		Namespace:    d.Namespace,
		Sealed:       d.Sealed(),
		MagazineSize: d.MagazineSize,
	}
	if d.Model != nil {
		info.PointCount = d.Model.PointCount()
	}
	return info
}

// Config carries the parameters of a domain creation request.
type Config struct {
	Type         types.DomainType
	Digest       string
	Namespace    types.NamespaceRef
	Key          string
	MagazineSize int
}

// DefaultMagazineSize is used when a creation request does not give a
// magazine size.
const DefaultMagazineSize = 96

// Registry owns the domain table, the monotonic id and the live
// authentication key table.
type Registry struct {
	trust *trust.Root
	creds event.CredentialSource
	comms interface {
		Comm(pid uint32) (string, error)
	}
	inodes *inode.Cache
	log    *slog.Logger

	// ProcRoot overrides the proc mount used for namespace
	// translation, for tests.
	ProcRoot string

	mu      sync.Mutex
	nextID  uint64
	domains map[uint64]*Domain
	keys    map[uint64][]byte
}

// NewRegistry builds a domain registry anchored in the given trust
// root.
func NewRegistry(root *trust.Root, creds *task.ProcCredentials, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		trust:   root,
		creds:   creds,
		comms:   creds,
		inodes:  inode.NewCache(),
		log:     log,
		domains: make(map[uint64]*Domain),
		keys:    make(map[uint64][]byte),
	}
}

// CreateRoot creates the root modeling domain with id zero. The root
// domain is internal, never sealed at creation, and its measurements
// extend the trust root's PCR.
func (r *Registry) CreateRoot(cfg Config) (*Domain, error) {
	cfg.Type = types.DomainInternal
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.domains[0]; ok {
		return nil, errors.New("root domain already exists")
	}
	return r.create(0, cfg, nil)
}

// Create allocates a new modeling domain. The parent's action table
// is inherited.
func (r *Registry) Create(cfg Config, parent *Domain) (*Domain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID + 1
	d, err := r.create(id, cfg, parent)
	if err != nil {
		return nil, err
	}
	r.nextID = id
	return d, nil
}

// create runs under r.mu: id allocation and key uniqueness share the
// registry mutex.
func (r *Registry) create(id uint64, cfg Config, parent *Domain) (*Domain, error) {
	if cfg.Digest == "" {
		cfg.Digest = "sha256"
	}
	if cfg.MagazineSize <= 0 {
		cfg.MagazineSize = DefaultMagazineSize
	}
	if cfg.Namespace == "" {
		cfg.Namespace = types.NSInitial
	}

	dg, err := digest.Alloc(cfg.Digest)
	if err != nil {
		return nil, err
	}

	d := &Domain{
		ID:           id,
		Type:         cfg.Type,
		Digest:       dg,
		Namespace:    cfg.Namespace,
		MagazineSize: cfg.MagazineSize,
		registry:     r,
	}
	d.refs.Store(1)

	if parent != nil {
		d.actions = parent.copyActions()
	} else {
		for i := range d.actions {
			d.actions[i] = types.ActionLog
		}
	}

	d.events = magazine.New[event.Event]("event", id, cfg.MagazineSize,
		func() *event.Event { return &event.Event{} }, r.log)

	var translate event.Translator = task.InitialNamespace{}
	if cfg.Namespace == types.NSCurrent {
		translate = &task.CurrentNamespace{Root: r.ProcRoot}
	}

	d.Builder = &event.Builder{
		Digest:       dg,
		UseCurrentNS: cfg.Namespace == types.NSCurrent,
		Creds:        r.creds,
		Translate:    translate,
		Inodes:       r.inodes,
		Magazine:     d.events,
	}

	switch cfg.Type {
	case types.DomainInternal:
		d.Model = model.New(dg, id, r.trust.Aggregate(dg), cfg.MagazineSize, r.log)
		if id == 0 {
			d.Model.OnMeasurement = r.trust.Extend
		}
		d.Builder.Pseudonym = d.Model.HasPseudonym
		if err := d.Model.AddAggregate(); err != nil {
			d.events.Close()
			return nil, err
		}

	case types.DomainExternal:
		if len(cfg.Key) != 2*dg.Size() {
			d.events.Close()
			return nil, fmt.Errorf("auth key must be %d hex characters", 2*dg.Size())
		}
		if err := r.generateTaskKey(d, cfg.Key); err != nil {
			d.events.Close()
			return nil, err
		}
		d.Export = export.New(id, cfg.MagazineSize, r.log)
		d.Export.Aggregate(r.trust.Aggregate(dg))

	default:
		d.events.Close()
		return nil, fmt.Errorf("invalid domain type %q", cfg.Type)
	}

	r.domains[id] = d
	r.log.Info("domain created",
		"domain", id, "type", cfg.Type, "digest", dg.Name(),
		"ns_ref", cfg.Namespace, "magazine_size", cfg.MagazineSize)
	return d, nil
}

// generateTaskKey derives the domain's authentication key, retrying
// with fresh task keys until the derived key is unique among live
// domains. Runs under r.mu.
func (r *Registry) generateTaskKey(d *Domain, keyHex string) error {
	size := d.Digest.Size()
	for {
		taskKey := make([]byte, size)
		if _, err := rand.Read(taskKey); err != nil {
			return err
		}
		authKey, err := deriveAuthKey(d.Digest, taskKey, keyHex)
		if err != nil {
			return err
		}

		collision := false
		for _, key := range r.keys {
			if subtle.ConstantTimeCompare(key, authKey) == 1 {
				collision = true
				break
			}
		}
		if collision {
			continue
		}

		d.TaskKey = taskKey
		d.authKey = authKey
		r.keys[d.ID] = authKey
		return nil
	}
}

// deriveAuthKey computes H(task_key || decode_hex(keyHex)).
func deriveAuthKey(d *digest.Digest, taskKey []byte, keyHex string) ([]byte, error) {
	tmaKey, err := hex.DecodeString(keyHex)
	if err != nil || len(tmaKey) != d.Size() {
		return nil, fmt.Errorf("auth key is not %d hex bytes", d.Size())
	}
	h := d.New()
	h.Write(taskKey)
	h.Write(tmaKey)
	return h.Sum(nil), nil
}

// Lookup returns the domain with the given id.
func (r *Registry) Lookup(id uint64) (*Domain, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.domains[id]
	return d, ok
}

// List snapshots the live domains in id order.
func (r *Registry) List() []*Domain {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Domain, 0, len(r.domains))
	for id := uint64(0); id <= r.nextID; id++ {
		if d, ok := r.domains[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Comm resolves a process command name through the registry's proc
// collaborator.
func (r *Registry) Comm(pid uint32) string {
	if r.comms == nil {
		return ""
	}
	comm, err := r.comms.Comm(pid)
	if err != nil {
		return ""
	}
	return comm
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.domains, id)
	delete(r.keys, id)
	r.mu.Unlock()
}
