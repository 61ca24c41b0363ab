// Package types defines the wire types of the control surface: domain
// management requests, hook ingestion payloads and the JSON rendering
// of modeled security events.
package types

// Action is the discipline applied to a security violation.
type Action string

const (
	ActionLog  Action = "LOG"
	ActionDeny Action = "DENY"
)

// ParseAction validates an action name.
func (a Action) Valid() bool { return a == ActionLog || a == ActionDeny }

// DomainType selects where a domain's model runs.
type DomainType string

const (
	DomainInternal DomainType = "internal"
	DomainExternal DomainType = "external"
)

// NamespaceRef selects the user namespace used to describe
// credentials in events.
type NamespaceRef string

const (
	NSInitial NamespaceRef = "initial"
	NSCurrent NamespaceRef = "current"
)

// TrustStatus is the reported trust state of a task.
type TrustStatus string

const (
	StatusTrusted   TrustStatus = "trusted"
	StatusUntrusted TrustStatus = "untrusted"
	StatusPending   TrustStatus = "pending"
)

// CreateDomainRequest creates a modeling domain.
type CreateDomainRequest struct {
	Type         DomainType   `json:"type"`
	Digest       string       `json:"digest,omitempty"`
	Namespace    NamespaceRef `json:"ns_ref,omitempty"`
	Key          string       `json:"key,omitempty"`
	MagazineSize int          `json:"magazine_size,omitempty"`
}

// DomainInfo describes a live domain.
type DomainInfo struct {
	ID           uint64       `json:"id"`
	Type         DomainType   `json:"type"`
	Digest       string       `json:"digest"`
	Namespace    NamespaceRef `json:"ns_ref"`
	Sealed       bool         `json:"sealed"`
	PointCount   int          `json:"point_count,omitempty"`
	MagazineSize int          `json:"magazine_size"`
}

// TrustRequest resolves the trust status of a task waiting on an
// externally modeled event.
type TrustRequest struct {
	PID    uint32      `json:"pid"`
	Status TrustStatus `json:"status"`
	Key    string      `json:"key"`
}

// ActionUpdate sets the discipline for one event type.
type ActionUpdate struct {
	Event  string `json:"event"`
	Action Action `json:"action"`
}

// ValueResponse carries a single hex-encoded model value.
type ValueResponse struct {
	Value string `json:"value"`
}

// PointRecord is one coefficient of a model snapshot.
type PointRecord struct {
	Value string `json:"value"`
	Valid bool   `json:"valid"`
	Count uint64 `json:"count"`
}

// HookRequest is the hook ingestion payload: one security event as
// observed by the dispatcher.
type HookRequest struct {
	Type   string `json:"type"`
	PID    uint32 `json:"pid"`
	Comm   string `json:"comm,omitempty"`
	Locked bool   `json:"locked,omitempty"`

	COE *COERecord `json:"COE,omitempty"`

	File         *FileRequest    `json:"file,omitempty"`
	Mmap         *MmapRecord     `json:"mmap_file,omitempty"`
	SocketCreate *SocketCreate   `json:"socket_create,omitempty"`
	Socket       *SocketAddress  `json:"socket,omitempty"`
	SocketAccept *SocketAccepted `json:"socket_accept,omitempty"`
	TaskKill     *TaskKillRecord `json:"task_kill,omitempty"`
}

// HookResponse reports the modeling outcome of a hook.
type HookResponse struct {
	Status TrustStatus `json:"status"`
	Action Action      `json:"action"`
}

// COERecord is the context of execution block of an event.
type COERecord struct {
	UID   uint32 `json:"uid"`
	EUID  uint32 `json:"euid"`
	SUID  uint32 `json:"suid"`
	GID   uint32 `json:"gid"`
	EGID  uint32 `json:"egid"`
	SGID  uint32 `json:"sgid"`
	FSUID uint32 `json:"fsuid"`
	FSGID uint32 `json:"fsgid"`

	// Capability is the effective capability mask in hex.
	Capability string `json:"capability"`
}

// FileRequest describes the file of a hook ingestion payload. The
// digest is optional; absent digests are collected from Path when the
// file is readable, and zero otherwise.
type FileRequest struct {
	Path    string `json:"path"`
	Flags   uint32 `json:"flags"`
	UID     uint32 `json:"uid"`
	GID     uint32 `json:"gid"`
	Mode    uint16 `json:"mode"`
	SBMagic uint64 `json:"s_magic,omitempty"`
	SBID    string `json:"s_id,omitempty"`
	SBUUID  string `json:"s_uuid,omitempty"`
	Digest  string `json:"digest,omitempty"`
}

// FileRecord is the file block of a rendered event.
type FileRecord struct {
	Flags      uint32 `json:"flags"`
	UID        uint32 `json:"uid"`
	GID        uint32 `json:"gid"`
	Mode       uint16 `json:"mode"`
	NameLength uint32 `json:"name_length"`
	Name       string `json:"name"`
	SBMagic    uint64 `json:"s_magic"`
	SBID       string `json:"s_id"`
	SBUUID     string `json:"s_uuid"`
	Digest     string `json:"digest"`
}

// MmapRecord is the mmap_file block.
type MmapRecord struct {
	Anonymous bool   `json:"anonymous"`
	ReqProt   uint32 `json:"reqprot"`
	Prot      uint32 `json:"prot"`
	Flags     uint32 `json:"flags"`

	File *FileRequest `json:"file,omitempty"`
}

// SocketCreate is the socket_create block.
type SocketCreate struct {
	Family   uint16 `json:"family"`
	Type     uint32 `json:"type"`
	Protocol uint32 `json:"protocol"`
	Kern     uint8  `json:"kern"`
}

// SocketAddress is the socket_connect / socket_bind block.
type SocketAddress struct {
	Family   uint16 `json:"family"`
	Port     uint16 `json:"port,omitempty"`
	Addr     string `json:"addr,omitempty"`
	Flowinfo uint32 `json:"flow,omitempty"`
	ScopeID  uint32 `json:"scope,omitempty"`
	Path     string `json:"path,omitempty"`
	Raw      string `json:"raw,omitempty"`
	Mapping  string `json:"mapping,omitempty"`
}

// SocketAccepted is the socket_accept block.
type SocketAccepted struct {
	Family  uint16 `json:"family"`
	Type    uint32 `json:"type"`
	Port    uint16 `json:"port,omitempty"`
	Addr    string `json:"addr,omitempty"`
	Path    string `json:"path,omitempty"`
	Mapping string `json:"mapping,omitempty"`
}

// TaskKillRecord is the task_kill block.
type TaskKillRecord struct {
	CrossModel uint32 `json:"cross_model"`
	Signal     uint32 `json:"signal"`
	Target     string `json:"target"`
}

// EventHeader identifies a rendered event.
type EventHeader struct {
	Process string `json:"process"`
	Type    string `json:"type"`
	PID     uint32 `json:"pid"`
	TaskID  string `json:"task_id"`
	Mapping string `json:"mapping,omitempty"`
}

// EventRecord is the trajectory JSON form of a modeled event: the
// header, the COE block and the cell block of the event's family.
type EventRecord struct {
	Event EventHeader `json:"event"`
	COE   COERecord   `json:"COE"`

	File         *FileRecord     `json:"file,omitempty"`
	Mmap         *MmapRecord     `json:"mmap_file,omitempty"`
	SocketCreate *SocketCreate   `json:"socket_create,omitempty"`
	Socket       *SocketAddress  `json:"socket,omitempty"`
	SocketAccept *SocketAccepted `json:"socket_accept,omitempty"`
	TaskKill     *TaskKillRecord `json:"task_kill,omitempty"`
}

// ExportHeader tags an export queue record.
type ExportHeader struct {
	Type string `json:"type"`
}

// AggregateValue is the payload of an aggregate export record.
type AggregateValue struct {
	Value string `json:"value"`
}

// LogRecord is the payload of a log export record.
type LogRecord struct {
	Process string `json:"process"`
	Event   string `json:"event"`
	Action  Action `json:"action"`
}
