package event

import "fmt"

// Type enumerates the security events a modeling domain observes. The
// wire name of a type is part of the canonical hash of every
// coefficient, so names are stable.
type Type int

const (
	Undefined Type = iota
	FileOpen
	MmapFile
	BprmSetCreds
	SocketCreate
	SocketConnect
	SocketBind
	SocketAccept
	TaskKill

	// Generic hooks: modeled with the event name and the domain's
	// zero digest as the cell value.
	TaskSetpgid
	TaskGetsid
	Capable
	Syslog
	SbMount
	SbUmount
	SbRemount
	PtraceTraceme
	KernelModuleRequest
	BPF
	KeyAlloc

	typeCount
)

var names = [typeCount]string{
	Undefined:           "undefined",
	FileOpen:            "file_open",
	MmapFile:            "mmap_file",
	BprmSetCreds:        "bprm_set_creds",
	SocketCreate:        "socket_create",
	SocketConnect:       "socket_connect",
	SocketBind:          "socket_bind",
	SocketAccept:        "socket_accept",
	TaskKill:            "task_kill",
	TaskSetpgid:         "task_setpgid",
	TaskGetsid:          "task_getsid",
	Capable:             "capable",
	Syslog:              "syslog",
	SbMount:             "sb_mount",
	SbUmount:            "sb_umount",
	SbRemount:           "sb_remount",
	PtraceTraceme:       "ptrace_traceme",
	KernelModuleRequest: "kernel_module_request",
	BPF:                 "bpf",
	KeyAlloc:            "key_alloc",
}

// Name returns the canonical wire name of the event type.
func (t Type) Name() string {
	if t <= Undefined || t >= typeCount {
		return names[Undefined]
	}
	return names[t]
}

// Generic reports whether the type is modeled as a generic event,
// carrying only its name and the domain zero digest in the cell.
func (t Type) Generic() bool { return t >= TaskSetpgid && t < typeCount }

// TypeCount is the number of defined event types, exported for action
// table sizing.
const TypeCount = int(typeCount)

// ParseType resolves a wire name back to its event type.
func ParseType(name string) (Type, error) {
	for t := Type(1); t < typeCount; t++ {
		if names[t] == name {
			return t, nil
		}
	}
	return Undefined, fmt.Errorf("unknown event type %q", name)
}
