// Package event defines the security event description structure and
// its construction. An event captures the context of execution (COE)
// of the acting task, the action-specific cell arguments and, for
// file-backed events, the identity and content digest of the file.
package event

import "sync/atomic"

// CommLen is the maximum length of a recorded task command name.
const CommLen = 16

// COE is the context of execution of the task that generated an
// event: the eight credential ids translated through the domain's
// user namespace reference, and the effective capability mask.
type COE struct {
	UID   uint32
	EUID  uint32
	SUID  uint32
	GID   uint32
	EGID  uint32
	SGID  uint32
	FSUID uint32
	FSGID uint32

	CapEffective uint64
}

// File carries the identity of a file involved in an event. NameDigest
// and Digest are domain digest sized.
type File struct {
	Flags uint32

	UID  uint32
	GID  uint32
	Mode uint16

	NameLength uint32
	NameDigest []byte

	SBMagic uint64
	SBID    [32]byte
	SBUUID  [16]byte

	Digest []byte
}

// MmapArgs are the cell arguments of an mmap_file event. When
// Anonymous is set no file identity is recorded and the cell hash
// covers only the three protection words.
type MmapArgs struct {
	Anonymous bool
	ReqProt   uint32
	Prot      uint32
	Flags     uint32
}

// SocketCreateArgs are the cell arguments of a socket_create event.
type SocketCreateArgs struct {
	Family   uint16
	Type     uint32
	Protocol uint32
	Kern     uint8
}

// Address families recognized in socket cells. Values match the
// Linux AF_* constants.
const (
	AFUnix  = 1
	AFInet  = 2
	AFInet6 = 10
)

// SocketArgs are the cell arguments of socket_connect and socket_bind
// events. Exactly one of the address forms is meaningful, selected by
// Family; unrecognized families carry the digest of the raw socket
// address bytes in Mapping.
type SocketArgs struct {
	Family uint16

	Port     uint16
	IPv4Addr [4]byte
	IPv6Addr [16]byte
	Flowinfo uint32
	ScopeID  uint32

	Path string

	Raw     []byte
	Mapping []byte
}

// SocketAcceptArgs are the cell arguments of a socket_accept event.
type SocketAcceptArgs struct {
	Family uint16
	Type   uint32
	Port   uint16

	IPv4Addr [4]byte
	IPv6Addr [16]byte
	Path     string
	Mapping  []byte
}

// TaskKillArgs are the cell arguments of a task_kill event. Target is
// the task identity digest of the signal recipient.
type TaskKillArgs struct {
	CrossModel uint32
	Signal     uint32
	Target     []byte
}

// Cell is the action-specific argument bundle of an event. Only the
// member selected by the event type is populated.
type Cell struct {
	Mmap         *MmapArgs
	SocketCreate *SocketCreateArgs
	Socket       *SocketArgs
	SocketAccept *SocketAcceptArgs
	TaskKill     *TaskKillArgs
}

// Event is a security event description. Events are shared by
// reference count between model lists and the export queue; the last
// Release drops the description.
type Event struct {
	Type Type

	PID    uint32
	Comm   string
	TaskID []byte

	COE  COE
	CELL Cell
	File *File

	Pathname string
	Locked   bool

	// Mapping is the security state coefficient of the event,
	// populated by the mapper for internally modeled domains.
	Mapping    []byte
	DigestSize int

	refs atomic.Int32
}

// Retain adds a reference to the event.
func (e *Event) Retain() { e.refs.Add(1) }

// Release drops a reference and reports whether this was the last
// one.
func (e *Event) Release() bool { return e.refs.Add(-1) == 0 }

// Refs returns the current reference count.
func (e *Event) Refs() int32 { return e.refs.Load() }

func truncateComm(comm string) string {
	if len(comm) > CommLen {
		return comm[:CommLen]
	}
	return comm
}
