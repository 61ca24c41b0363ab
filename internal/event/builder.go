package event

import (
	"errors"
	"fmt"

	"github.com/Programator2/TSEM/internal/digest"
	"github.com/Programator2/TSEM/internal/inode"
	"github.com/Programator2/TSEM/internal/magazine"
)

// ErrExhausted is returned when a locked-context allocation finds the
// event magazine empty.
var ErrExhausted = errors.New("event magazine exhausted")

// FileParams describe the file involved in a file-bearing event. The
// content digest may be supplied directly by the hook dispatcher or
// collected from Source through the inode cache.
type FileParams struct {
	Path  string
	Flags uint32

	UID     uint32
	GID     uint32
	Mode    uint16
	SBMagic uint64
	SBID    string
	SBUUID  []byte

	Digest []byte
	Source inode.File
}

// MmapParams carry the mmap_file cell plus the mapped file when the
// mapping is not anonymous.
type MmapParams struct {
	MmapArgs
	File *FileParams
}

// Params aggregate the hook-specific arguments of an event. Exactly
// the member matching Type must be populated.
type Params struct {
	Type   Type
	PID    uint32
	Comm   string
	TaskID []byte
	Locked bool

	// COE carries pre-captured credentials. When nil the builder
	// captures them from the credential source.
	COE *COE

	File         *FileParams
	Mmap         *MmapParams
	SocketCreate *SocketCreateArgs
	Socket       *SocketArgs
	SocketAccept *SocketAcceptArgs
	TaskKill     *TaskKillArgs
}

// CredentialSource captures the credential state of a process.
type CredentialSource interface {
	Credentials(pid uint32) (COE, error)
}

// Translator maps host ids into the domain's namespace view.
type Translator interface {
	TranslateUID(pid, id uint32) uint32
	TranslateGID(pid, id uint32) uint32
}

// Builder constructs event descriptions for one modeling domain.
type Builder struct {
	Digest       *digest.Digest
	UseCurrentNS bool
	Creds        CredentialSource
	Translate    Translator
	Inodes       *inode.Cache

	// Pseudonym tests whether the domain has declared a pseudonym
	// for the file; nil for externally modeled domains.
	Pseudonym func(f *File) (bool, error)

	Magazine *magazine.Magazine[Event]
}

// Init allocates and populates an event description. In locked
// context the allocation is served from the domain's event magazine.
// The returned event holds one reference.
func (b *Builder) Init(p *Params) (*Event, error) {
	ev := b.Magazine.Get(p.Locked, p.Comm)
	if ev == nil {
		return nil, ErrExhausted
	}

	ev.Type = p.Type
	ev.Locked = p.Locked
	ev.PID = p.PID
	ev.Comm = truncateComm(p.Comm)
	ev.TaskID = append([]byte(nil), p.TaskID...)
	ev.DigestSize = b.Digest.Size()

	if err := b.captureCOE(ev, p); err != nil {
		return nil, err
	}

	var err error
	switch p.Type {
	case FileOpen, BprmSetCreds:
		if p.File == nil {
			return nil, fmt.Errorf("%s: missing file parameters", p.Type.Name())
		}
		err = b.fileCell(ev, p.File)
	case MmapFile:
		if p.Mmap == nil {
			return nil, fmt.Errorf("mmap_file: missing mmap parameters")
		}
		args := p.Mmap.MmapArgs
		ev.CELL.Mmap = &args
		if !args.Anonymous {
			if p.Mmap.File == nil {
				return nil, fmt.Errorf("mmap_file: missing file parameters")
			}
			err = b.fileCell(ev, p.Mmap.File)
		}
	case SocketCreate:
		if p.SocketCreate == nil {
			return nil, fmt.Errorf("socket_create: missing socket parameters")
		}
		args := *p.SocketCreate
		ev.CELL.SocketCreate = &args
	case SocketConnect, SocketBind:
		if p.Socket == nil {
			return nil, fmt.Errorf("%s: missing socket address", p.Type.Name())
		}
		err = b.socketCell(ev, p.Socket)
	case SocketAccept:
		if p.SocketAccept == nil {
			return nil, fmt.Errorf("socket_accept: missing socket address")
		}
		err = b.acceptCell(ev, p.SocketAccept)
	case TaskKill:
		if p.TaskKill == nil {
			return nil, fmt.Errorf("task_kill: missing kill parameters")
		}
		args := *p.TaskKill
		if len(args.Target) == 0 {
			args.Target = make([]byte, b.Digest.Size())
		}
		ev.CELL.TaskKill = &args
	default:
		if !p.Type.Generic() {
			return nil, fmt.Errorf("unhandled event type %d", p.Type)
		}
	}
	if err != nil {
		return nil, err
	}

	ev.Retain()
	return ev, nil
}

func (b *Builder) captureCOE(ev *Event, p *Params) error {
	if p.COE != nil {
		ev.COE = *p.COE
	} else {
		if b.Creds == nil {
			return fmt.Errorf("no credential source for pid %d", p.PID)
		}
		coe, err := b.Creds.Credentials(p.PID)
		if err != nil {
			return err
		}
		ev.COE = coe
	}
	if b.UseCurrentNS && b.Translate != nil {
		translateCOE(&ev.COE, b.Translate, p.PID)
	}
	return nil
}

func translateCOE(coe *COE, tr Translator, pid uint32) {
	coe.UID = tr.TranslateUID(pid, coe.UID)
	coe.EUID = tr.TranslateUID(pid, coe.EUID)
	coe.SUID = tr.TranslateUID(pid, coe.SUID)
	coe.FSUID = tr.TranslateUID(pid, coe.FSUID)
	coe.GID = tr.TranslateGID(pid, coe.GID)
	coe.EGID = tr.TranslateGID(pid, coe.EGID)
	coe.SGID = tr.TranslateGID(pid, coe.SGID)
	coe.FSGID = tr.TranslateGID(pid, coe.FSGID)
}

func (b *Builder) fileCell(ev *Event, fp *FileParams) error {
	f := &File{
		Flags:      fp.Flags,
		UID:        fp.UID,
		GID:        fp.GID,
		Mode:       fp.Mode,
		SBMagic:    fp.SBMagic,
		NameLength: uint32(len(fp.Path)),
		NameDigest: b.Digest.Sum([]byte(fp.Path)),
	}
	copy(f.SBID[:], fp.SBID)
	copy(f.SBUUID[:], fp.SBUUID)

	if b.UseCurrentNS && b.Translate != nil {
		f.UID = b.Translate.TranslateUID(ev.PID, f.UID)
		f.GID = b.Translate.TranslateGID(ev.PID, f.GID)
	}

	pseud := func() (bool, error) {
		if b.Pseudonym == nil {
			return false, nil
		}
		return b.Pseudonym(f)
	}

	switch {
	case fp.Source != nil && len(fp.Digest) == 0:
		value, err := b.Inodes.Digest(fp.Source, b.Digest, pseud)
		if err != nil {
			return err
		}
		f.Digest = value
	default:
		hit, err := pseud()
		if err != nil {
			return err
		}
		switch {
		case hit:
			f.Digest = b.Digest.Zero()
		case len(fp.Digest) == b.Digest.Size():
			f.Digest = append([]byte(nil), fp.Digest...)
		case len(fp.Digest) != 0:
			return fmt.Errorf("content digest size %d does not match %s", len(fp.Digest), b.Digest.Name())
		default:
			f.Digest = b.Digest.Zero()
		}
	}

	ev.Pathname = fp.Path
	ev.File = f
	return nil
}

func (b *Builder) socketCell(ev *Event, sp *SocketArgs) error {
	args := *sp
	switch args.Family {
	case AFInet, AFInet6, AFUnix:
	default:
		// Unrecognized address family: the cell carries the digest
		// of the raw socket address bytes.
		args.Mapping = b.Digest.Sum(args.Raw)
	}
	ev.CELL.Socket = &args
	return nil
}

func (b *Builder) acceptCell(ev *Event, sp *SocketAcceptArgs) error {
	args := *sp
	switch args.Family {
	case AFInet, AFInet6, AFUnix:
	default:
		args.Mapping = b.Digest.Zero()
	}
	ev.CELL.SocketAccept = &args
	return nil
}
