// Package model implements the trusted modeling agent of a domain:
// the coefficient set, the measurement and state values, the
// trajectory and forensics lists and the pseudonym declarations.
package model

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Programator2/TSEM/internal/digest"
	"github.com/Programator2/TSEM/internal/event"
	"github.com/Programator2/TSEM/internal/magazine"
)

// ErrExhausted is returned when a locked-context event cannot obtain
// a coefficient entry from the point magazine.
var ErrExhausted = errors.New("point magazine exhausted")

// Point is one coefficient known to a model. Points admitted before
// sealing are valid; points that arrive after sealing record security
// violations.
type Point struct {
	value []byte
	valid bool
	count uint64
}

// Value returns the coefficient bytes.
func (p *Point) Value() []byte { return append([]byte(nil), p.value...) }

// Valid reports whether the point belongs to the trusted model.
func (p *Point) Valid() bool { return p.valid }

// Count returns how many events mapped to this point.
func (p *Point) Count() uint64 { return p.count }

// Model is the security model of one internally modeled domain.
type Model struct {
	digest    *digest.Digest
	aggregate []byte
	log       *slog.Logger

	// OnMeasurement is invoked after every measurement update, with
	// the event that produced it. The root domain wires this to the
	// trust root's PCR extension.
	OnMeasurement func(*event.Event)

	mu            sync.Mutex
	base          []byte
	measurement   []byte
	state         []byte
	haveAggregate bool

	pointMu  sync.Mutex
	points   map[string]*Point
	order    []*Point
	magazine *magazine.Magazine[Point]

	trajectoryMu sync.Mutex
	trajectory   []*event.Event

	forensicsMu sync.Mutex
	forensics   []*event.Event

	pseudonymMu sync.Mutex
	pseudonyms  map[string]struct{}
}

// New builds a model for a domain hashing with d. aggregate is the
// platform trust aggregate rendered with d; magazineSize fixes the
// point magazine capacity for locked-context admissions.
func New(d *digest.Digest, domain uint64, aggregate []byte, magazineSize int, log *slog.Logger) *Model {
	if log == nil {
		log = slog.Default()
	}
	return &Model{
		digest:      d,
		aggregate:   append([]byte(nil), aggregate...),
		log:         log,
		base:        make([]byte, d.Size()),
		measurement: make([]byte, d.Size()),
		state:       make([]byte, d.Size()),
		points:      make(map[string]*Point),
		magazine: magazine.New[Point]("point", domain, magazineSize,
			func() *Point { return &Point{} }, log),
		pseudonyms: make(map[string]struct{}),
	}
}

// hostMeasurement domain-separates an identity with the model base:
// H(base || id).
func (m *Model) hostMeasurement(id []byte) []byte {
	h := m.digest.New()
	h.Write(m.base)
	h.Write(id)
	return h.Sum(nil)
}

// updateMeasurement folds an event's coefficient into the measurement:
// measurement = H(measurement || H(base || µ)).
func (m *Model) updateMeasurement(ev *event.Event) {
	m.mu.Lock()
	value := m.hostMeasurement(ev.Mapping)
	h := m.digest.New()
	h.Write(m.measurement)
	h.Write(value)
	m.measurement = h.Sum(nil)
	m.mu.Unlock()

	if m.OnMeasurement != nil {
		m.OnMeasurement(ev)
	}
}

// Event models one security event. The returned trusted flag is false
// when the event maps to a coefficient outside the sealed model; the
// caller propagates that to the task's trust status. The event is
// retained when it is added to the trajectory or forensics list.
func (m *Model) Event(ev *event.Event, sealed bool) (trusted bool, err error) {
	if len(ev.Mapping) != m.digest.Size() {
		return false, fmt.Errorf("coefficient size %d does not match %s",
			len(ev.Mapping), m.digest.Name())
	}

	m.pointMu.Lock()
	if p, ok := m.points[string(ev.Mapping)]; ok {
		p.count++
		valid := p.valid
		m.pointMu.Unlock()
		return valid, nil
	}
	m.pointMu.Unlock()

	m.updateMeasurement(ev)

	entry := m.magazine.Get(ev.Locked, ev.Comm)
	if entry == nil {
		return false, ErrExhausted
	}
	entry.value = append([]byte(nil), ev.Mapping...)
	entry.valid = !sealed
	entry.count = 1

	m.pointMu.Lock()
	if p, ok := m.points[string(ev.Mapping)]; ok {
		// Lost the insertion race to a concurrent event.
		p.count++
		valid := p.valid
		m.pointMu.Unlock()
		return valid, nil
	}
	m.points[string(entry.value)] = entry
	m.order = append(m.order, entry)
	m.pointMu.Unlock()

	if sealed {
		m.addForensics(ev)
		return false, nil
	}
	m.addTrajectory(ev)
	return true, nil
}

// Admitted records drop the acting pid; exported copies keep theirs.
func (m *Model) addTrajectory(ev *event.Event) {
	ev.PID = 0
	ev.Retain()
	m.trajectoryMu.Lock()
	m.trajectory = append(m.trajectory, ev)
	m.trajectoryMu.Unlock()
}

func (m *Model) addForensics(ev *event.Event) {
	ev.PID = 0
	ev.Retain()
	m.forensicsMu.Lock()
	m.forensics = append(m.forensics, ev)
	m.forensicsMu.Unlock()
}

// LoadPoint admits a known-trusted coefficient into an unsealed model.
// The first load also injects the platform aggregate, mirroring the
// injection performed at domain creation.
func (m *Model) LoadPoint(value []byte) error {
	if len(value) != m.digest.Size() {
		return fmt.Errorf("point size %d does not match %s",
			len(value), m.digest.Name())
	}

	m.pointMu.Lock()
	if _, ok := m.points[string(value)]; ok {
		m.pointMu.Unlock()
		return nil
	}
	entry := &Point{value: append([]byte(nil), value...), valid: true}
	m.points[string(entry.value)] = entry
	m.order = append(m.order, entry)
	m.pointMu.Unlock()

	m.mu.Lock()
	first := !m.haveAggregate
	m.haveAggregate = true
	m.mu.Unlock()
	if first {
		if err := m.AddAggregate(); err != nil {
			return err
		}
	}

	synthetic := &event.Event{
		Mapping:    append([]byte(nil), value...),
		DigestSize: m.digest.Size(),
	}
	m.updateMeasurement(synthetic)
	return nil
}

// LoadBase sets the base point of the model. The base is not chained
// into the measurement; it only domain-separates future foldings.
func (m *Model) LoadBase(value []byte) error {
	if len(value) != m.digest.Size() {
		return fmt.Errorf("base size %d does not match %s",
			len(value), m.digest.Name())
	}
	m.mu.Lock()
	m.base = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

// AddAggregate folds the platform aggregate into the measurement as a
// synthetic event.
func (m *Model) AddAggregate() error {
	synthetic := &event.Event{
		Mapping:    append([]byte(nil), m.aggregate...),
		DigestSize: m.digest.Size(),
	}
	m.updateMeasurement(synthetic)
	return nil
}

// LoadPseudonym declares a file pseudonym. Duplicate declarations are
// idempotent.
func (m *Model) LoadPseudonym(value []byte) error {
	if len(value) != m.digest.Size() {
		return fmt.Errorf("pseudonym size %d does not match %s",
			len(value), m.digest.Name())
	}
	m.pseudonymMu.Lock()
	m.pseudonyms[string(value)] = struct{}{}
	m.pseudonymMu.Unlock()
	return nil
}

// HasPseudonym tests whether a pseudonym is declared for the file:
// the pseudonym digest is H(name_length || name_digest).
func (m *Model) HasPseudonym(f *event.File) (bool, error) {
	h := m.digest.New()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], f.NameLength)
	h.Write(b[:])
	h.Write(f.NameDigest)
	value := h.Sum(nil)

	m.pseudonymMu.Lock()
	_, ok := m.pseudonyms[string(value)]
	m.pseudonymMu.Unlock()
	return ok, nil
}

// ComputeState derives the canonical state value: a fold over the
// sorted coefficient set seeded with the aggregate measurement. The
// sort makes the state independent of admission order.
func (m *Model) ComputeState() []byte {
	m.mu.Lock()
	seed := m.digest.New()
	seed.Write(make([]byte, m.digest.Size()))
	seed.Write(m.hostMeasurement(m.aggregate))
	state := seed.Sum(nil)
	m.mu.Unlock()

	m.pointMu.Lock()
	snapshot := make([][]byte, len(m.order))
	for i, p := range m.order {
		snapshot[i] = p.value
	}
	m.pointMu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return bytes.Compare(snapshot[i], snapshot[j]) < 0
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, value := range snapshot {
		h := m.digest.New()
		h.Write(state)
		h.Write(m.hostMeasurement(value))
		state = h.Sum(nil)
	}
	m.state = state
	return append([]byte(nil), state...)
}

// Measurement returns the current measurement value.
func (m *Model) Measurement() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.measurement...)
}

// State returns the most recently computed state value.
func (m *Model) State() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.state...)
}

// Base returns the model base point.
func (m *Model) Base() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.base...)
}

// Points returns a snapshot of the coefficient set in admission order.
func (m *Model) Points() []*Point {
	m.pointMu.Lock()
	defer m.pointMu.Unlock()
	return append([]*Point(nil), m.order...)
}

// PointCount returns the number of coefficients in the set.
func (m *Model) PointCount() int {
	m.pointMu.Lock()
	defer m.pointMu.Unlock()
	return len(m.order)
}

// Trajectory returns a snapshot of the admitted event list.
func (m *Model) Trajectory() []*event.Event {
	m.trajectoryMu.Lock()
	defer m.trajectoryMu.Unlock()
	return append([]*event.Event(nil), m.trajectory...)
}

// Forensics returns a snapshot of the rejected event list.
func (m *Model) Forensics() []*event.Event {
	m.forensicsMu.Lock()
	defer m.forensicsMu.Unlock()
	return append([]*event.Event(nil), m.forensics...)
}

// Free releases every event retained by the model and stops the point
// magazine. The model is unusable afterwards.
func (m *Model) Free() {
	m.trajectoryMu.Lock()
	trajectory := m.trajectory
	m.trajectory = nil
	m.trajectoryMu.Unlock()
	for _, ev := range trajectory {
		ev.Release()
	}

	m.forensicsMu.Lock()
	forensics := m.forensics
	m.forensics = nil
	m.forensicsMu.Unlock()
	for _, ev := range forensics {
		ev.Release()
	}

	m.pointMu.Lock()
	m.points = nil
	m.order = nil
	m.pointMu.Unlock()

	m.magazine.Close()
}
