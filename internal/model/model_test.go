package model

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Programator2/TSEM/internal/digest"
	"github.com/Programator2/TSEM/internal/event"
)

func testModel(t *testing.T) (*Model, *digest.Digest) {
	t.Helper()
	d, err := digest.Alloc("sha256")
	require.NoError(t, err)
	m := New(d, 1, d.Sum([]byte("aggregate")), 8, nil)
	t.Cleanup(m.Free)
	return m, d
}

func coefficientEvent(d *digest.Digest, seed string) *event.Event {
	return &event.Event{
		Mapping:    d.Sum([]byte(seed)),
		DigestSize: d.Size(),
	}
}

func TestEventAdmitsNovelCoefficient(t *testing.T) {
	m, d := testModel(t)

	trusted, err := m.Event(coefficientEvent(d, "a"), false)
	require.NoError(t, err)
	assert.True(t, trusted)

	assert.Equal(t, 1, m.PointCount())
	assert.Len(t, m.Trajectory(), 1)
	assert.Empty(t, m.Forensics())

	points := m.Points()
	require.Len(t, points, 1)
	assert.True(t, points[0].Valid())
	assert.Equal(t, uint64(1), points[0].Count())
}

func TestEventDuplicateSuppressed(t *testing.T) {
	m, d := testModel(t)

	_, err := m.Event(coefficientEvent(d, "a"), false)
	require.NoError(t, err)
	before := m.Measurement()

	trusted, err := m.Event(coefficientEvent(d, "a"), false)
	require.NoError(t, err)
	assert.True(t, trusted)

	// A repeat coefficient bumps the count but neither the set nor
	// the measurement.
	assert.Equal(t, 1, m.PointCount())
	assert.Equal(t, before, m.Measurement())
	assert.Len(t, m.Trajectory(), 1)
	assert.Equal(t, uint64(2), m.Points()[0].Count())
}

func TestSealedNovelGoesForensic(t *testing.T) {
	m, d := testModel(t)

	_, err := m.Event(coefficientEvent(d, "known"), false)
	require.NoError(t, err)

	trusted, err := m.Event(coefficientEvent(d, "intruder"), true)
	require.NoError(t, err)
	assert.False(t, trusted)

	require.Len(t, m.Forensics(), 1)
	assert.Len(t, m.Trajectory(), 1)

	points := m.Points()
	require.Len(t, points, 2)
	assert.False(t, points[1].Valid())

	// Replaying the violation stays untrusted without growing the
	// forensics list.
	trusted, err = m.Event(coefficientEvent(d, "intruder"), true)
	require.NoError(t, err)
	assert.False(t, trusted)
	assert.Len(t, m.Forensics(), 1)
}

func TestMeasurementOrderSensitive(t *testing.T) {
	a, d := testModel(t)
	b, _ := testModel(t)

	_, err := a.Event(coefficientEvent(d, "x"), false)
	require.NoError(t, err)
	_, err = a.Event(coefficientEvent(d, "y"), false)
	require.NoError(t, err)

	_, err = b.Event(coefficientEvent(d, "y"), false)
	require.NoError(t, err)
	_, err = b.Event(coefficientEvent(d, "x"), false)
	require.NoError(t, err)

	assert.NotEqual(t, a.Measurement(), b.Measurement())
}

func TestStateOrderIndependent(t *testing.T) {
	a, d := testModel(t)
	b, _ := testModel(t)

	seeds := []string{"x", "y", "z"}
	for _, s := range seeds {
		_, err := a.Event(coefficientEvent(d, s), false)
		require.NoError(t, err)
	}
	for i := len(seeds) - 1; i >= 0; i-- {
		_, err := b.Event(coefficientEvent(d, seeds[i]), false)
		require.NoError(t, err)
	}

	assert.Equal(t, a.ComputeState(), b.ComputeState())
	assert.Equal(t, a.State(), b.State())
}

func TestStateSeedWithoutPoints(t *testing.T) {
	m, d := testModel(t)

	// Empty model: the state is the aggregate-derived seed.
	inner := d.New()
	inner.Write(m.Base())
	inner.Write(d.Sum([]byte("aggregate")))

	seed := d.New()
	seed.Write(make([]byte, d.Size()))
	seed.Write(inner.Sum(nil))

	assert.Equal(t, seed.Sum(nil), m.ComputeState())
}

func TestLoadBaseChangesFolding(t *testing.T) {
	a, d := testModel(t)
	b, _ := testModel(t)

	require.NoError(t, b.LoadBase(d.Sum([]byte("other-base"))))

	_, err := a.Event(coefficientEvent(d, "x"), false)
	require.NoError(t, err)
	_, err = b.Event(coefficientEvent(d, "x"), false)
	require.NoError(t, err)

	assert.NotEqual(t, a.Measurement(), b.Measurement())
	assert.NotEqual(t, a.ComputeState(), b.ComputeState())
}

func TestLoadPointInjectsAggregateOnce(t *testing.T) {
	m, d := testModel(t)

	require.NoError(t, m.LoadPoint(d.Sum([]byte("p1"))))
	afterFirst := m.Measurement()

	require.NoError(t, m.LoadPoint(d.Sum([]byte("p2"))))
	afterSecond := m.Measurement()
	assert.NotEqual(t, afterFirst, afterSecond)

	// Duplicate load is a no-op.
	require.NoError(t, m.LoadPoint(d.Sum([]byte("p1"))))
	assert.Equal(t, afterSecond, m.Measurement())
	assert.Equal(t, 2, m.PointCount())

	// Loaded points are trusted under a sealed model.
	trusted, err := m.Event(&event.Event{Mapping: d.Sum([]byte("p1")), DigestSize: d.Size()}, true)
	require.NoError(t, err)
	assert.True(t, trusted)
}

func TestLoadPointRejectsWrongSize(t *testing.T) {
	m, _ := testModel(t)
	assert.Error(t, m.LoadPoint([]byte{1, 2, 3}))
	assert.Error(t, m.LoadBase([]byte{1}))
	assert.Error(t, m.LoadPseudonym([]byte{1}))
}

func TestPseudonyms(t *testing.T) {
	m, d := testModel(t)

	path := "/var/log/journal"
	f := &event.File{
		NameLength: uint32(len(path)),
		NameDigest: d.Sum([]byte(path)),
	}

	ok, err := m.HasPseudonym(f)
	require.NoError(t, err)
	assert.False(t, ok)

	h := d.New()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], f.NameLength)
	h.Write(b[:])
	h.Write(f.NameDigest)
	require.NoError(t, m.LoadPseudonym(h.Sum(nil)))

	ok, err = m.HasPseudonym(f)
	require.NoError(t, err)
	assert.True(t, ok)

	// Redeclaring is idempotent.
	require.NoError(t, m.LoadPseudonym(h.Sum(nil)))
}

func TestEventScrubsPID(t *testing.T) {
	m, d := testModel(t)

	ev := coefficientEvent(d, "a")
	ev.PID = 4242
	_, err := m.Event(ev, false)
	require.NoError(t, err)

	records := m.Trajectory()
	require.Len(t, records, 1)
	assert.Zero(t, records[0].PID)
}

func TestLockedEventMagazinePressure(t *testing.T) {
	d, err := digest.Alloc("sha256")
	require.NoError(t, err)
	m := New(d, 1, d.Sum([]byte("aggregate")), 1, nil)
	t.Cleanup(m.Free)

	first := &event.Event{Mapping: d.Sum([]byte("a")), DigestSize: d.Size(), Locked: true}
	_, err = m.Event(first, false)
	require.NoError(t, err)

	// With a single-slot magazine and no yield, the second locked
	// admission may find the magazine exhausted.
	second := &event.Event{Mapping: d.Sum([]byte("b")), DigestSize: d.Size(), Locked: true}
	if _, err := m.Event(second, false); err != nil {
		assert.ErrorIs(t, err, ErrExhausted)
	}
}

func TestOnMeasurementHook(t *testing.T) {
	m, d := testModel(t)

	var seen [][]byte
	m.OnMeasurement = func(ev *event.Event) {
		seen = append(seen, ev.Mapping)
	}

	ev := coefficientEvent(d, "a")
	_, err := m.Event(ev, false)
	require.NoError(t, err)

	// The duplicate does not measure again.
	_, err = m.Event(coefficientEvent(d, "a"), false)
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, ev.Mapping, seen[0])
}
