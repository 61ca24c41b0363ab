package mapping

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Programator2/TSEM/internal/digest"
	"github.com/Programator2/TSEM/internal/event"
)

func testDigest(t *testing.T) *digest.Digest {
	t.Helper()
	d, err := digest.Alloc("sha256")
	require.NoError(t, err)
	return d
}

func fileEvent(d *digest.Digest, path string) *event.Event {
	f := &event.File{
		Flags:      0,
		UID:        1000,
		GID:        1000,
		Mode:       0o644,
		NameLength: uint32(len(path)),
		NameDigest: d.Sum([]byte(path)),
		SBMagic:    0xef53,
		Digest:     d.Zero(),
	}
	return &event.Event{
		Type: event.FileOpen,
		PID:  100,
		COE:  event.COE{UID: 1000, EUID: 1000, GID: 1000, EGID: 1000},
		File: f,
	}
}

func TestMapEventDeterministic(t *testing.T) {
	d := testDigest(t)
	taskID := d.Sum([]byte("task"))

	a, err := MapEvent(d, taskID, fileEvent(d, "/usr/bin/true"))
	require.NoError(t, err)
	b, err := MapEvent(d, taskID, fileEvent(d, "/usr/bin/true"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, d.Size())
}

func TestMapEventSensitivity(t *testing.T) {
	d := testDigest(t)
	taskID := d.Sum([]byte("task"))

	base, err := MapEvent(d, taskID, fileEvent(d, "/usr/bin/true"))
	require.NoError(t, err)

	otherPath, err := MapEvent(d, taskID, fileEvent(d, "/usr/bin/false"))
	require.NoError(t, err)
	assert.NotEqual(t, base, otherPath)

	cred := fileEvent(d, "/usr/bin/true")
	cred.COE.EUID = 0
	otherCOE, err := MapEvent(d, taskID, cred)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherCOE)

	otherTask, err := MapEvent(d, d.Sum([]byte("other")), fileEvent(d, "/usr/bin/true"))
	require.NoError(t, err)
	assert.NotEqual(t, base, otherTask)
}

func TestMapEventPIDInvariant(t *testing.T) {
	d := testDigest(t)
	taskID := d.Sum([]byte("task"))

	a := fileEvent(d, "/usr/bin/true")
	a.PID = 100
	b := fileEvent(d, "/usr/bin/true")
	b.PID = 4242

	ma, err := MapEvent(d, taskID, a)
	require.NoError(t, err)
	mb, err := MapEvent(d, taskID, b)
	require.NoError(t, err)
	assert.Equal(t, ma, mb)
}

func TestMapEventNilTaskIsZeroTask(t *testing.T) {
	d := testDigest(t)

	a, err := MapEvent(d, nil, fileEvent(d, "/bin/sh"))
	require.NoError(t, err)
	b, err := MapEvent(d, make([]byte, d.Size()), fileEvent(d, "/bin/sh"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMapGenericEvent(t *testing.T) {
	d := testDigest(t)
	ev := &event.Event{Type: event.Capable}

	got, err := MapEvent(d, nil, ev)
	require.NoError(t, err)

	// The generic cell covers the event name and the zero digest.
	cell := sha256.New()
	cell.Write([]byte("capable"))
	cell.Write(d.Zero())

	coe := sha256.New()
	var u32 [4]byte
	var u64 [8]byte
	for i := 0; i < 8; i++ {
		coe.Write(u32[:])
	}
	coe.Write(u64[:])

	h := sha256.New()
	h.Write([]byte("capable"))
	h.Write(make([]byte, d.Size()))
	h.Write(coe.Sum(nil))
	h.Write(cell.Sum(nil))
	assert.Equal(t, h.Sum(nil), got)
}

func TestMapAnonymousMmapIgnoresFile(t *testing.T) {
	d := testDigest(t)

	anon := &event.Event{Type: event.MmapFile}
	anon.CELL.Mmap = &event.MmapArgs{Anonymous: true, ReqProt: 1, Prot: 1, Flags: 2}

	a, err := MapEvent(d, nil, anon)
	require.NoError(t, err)

	// Cell hash must stop after the protection words.
	cell := sha256.New()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], 1)
	cell.Write(b[:])
	cell.Write(b[:])
	binary.LittleEndian.PutUint32(b[:], 2)
	cell.Write(b[:])

	coe := sha256.New()
	coe.Write(make([]byte, 8*4+8))

	h := sha256.New()
	h.Write([]byte("mmap_file"))
	h.Write(make([]byte, d.Size()))
	h.Write(coe.Sum(nil))
	h.Write(cell.Sum(nil))
	assert.Equal(t, h.Sum(nil), a)
}

func TestMapSocketFamilies(t *testing.T) {
	d := testDigest(t)

	mk := func(args event.SocketArgs) *event.Event {
		ev := &event.Event{Type: event.SocketConnect}
		ev.CELL.Socket = &args
		return ev
	}

	inet, err := MapEvent(d, nil, mk(event.SocketArgs{
		Family: event.AFInet, Port: 80, IPv4Addr: [4]byte{127, 0, 0, 1},
	}))
	require.NoError(t, err)

	inet6, err := MapEvent(d, nil, mk(event.SocketArgs{
		Family: event.AFInet6, Port: 80,
	}))
	require.NoError(t, err)
	assert.NotEqual(t, inet, inet6)

	unixA, err := MapEvent(d, nil, mk(event.SocketArgs{
		Family: event.AFUnix, Path: "/run/a.sock",
	}))
	require.NoError(t, err)
	unixB, err := MapEvent(d, nil, mk(event.SocketArgs{
		Family: event.AFUnix, Path: "/run/b.sock",
	}))
	require.NoError(t, err)
	assert.NotEqual(t, unixA, unixB)

	raw, err := MapEvent(d, nil, mk(event.SocketArgs{
		Family: 16, Mapping: d.Sum([]byte{1, 2, 3}),
	}))
	require.NoError(t, err)
	assert.NotEqual(t, inet, raw)
}

func TestMapEventMissingCell(t *testing.T) {
	d := testDigest(t)

	_, err := MapEvent(d, nil, &event.Event{Type: event.SocketConnect})
	assert.Error(t, err)

	_, err = MapEvent(d, nil, &event.Event{Type: event.FileOpen})
	assert.Error(t, err)
}

func TestMapTask(t *testing.T) {
	d := testDigest(t)

	exec := fileEvent(d, "/usr/bin/daemon")
	exec.Type = event.BprmSetCreds
	exec.TaskID = d.Sum([]byte("parent"))

	id, err := MapTask(d, exec)
	require.NoError(t, err)
	assert.Len(t, id, d.Size())

	// The identity does not inherit from the parent task id.
	viaZero, err := MapEvent(d, make([]byte, d.Size()), func() *event.Event {
		ev := fileEvent(d, "/usr/bin/daemon")
		ev.Type = event.BprmSetCreds
		return ev
	}())
	require.NoError(t, err)
	assert.Equal(t, viaZero, id)

	_, err = MapTask(d, fileEvent(d, "/usr/bin/daemon"))
	assert.Error(t, err)
}
