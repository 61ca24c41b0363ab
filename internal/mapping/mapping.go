// Package mapping derives security state coefficients from event
// descriptions. The mapping is a canonical hash over the event name,
// the task identity, the COE digest and the cell digest; identical
// events under identical domain configuration always map to the same
// coefficient.
package mapping

import (
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/Programator2/TSEM/internal/digest"
	"github.com/Programator2/TSEM/internal/event"
)

// Integer fields are hashed in their little-endian machine
// representation; socket ports and IPv6 flow labels keep network
// byte order.
func le16(h hash.Hash, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	h.Write(b[:])
}

func le32(h hash.Hash, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	h.Write(b[:])
}

func le64(h hash.Hash, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	h.Write(b[:])
}

func be16(h hash.Hash, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	h.Write(b[:])
}

func be32(h hash.Hash, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	h.Write(b[:])
}

func mapCOE(d *digest.Digest, coe *event.COE) []byte {
	h := d.New()
	le32(h, coe.UID)
	le32(h, coe.EUID)
	le32(h, coe.SUID)
	le32(h, coe.GID)
	le32(h, coe.EGID)
	le32(h, coe.SGID)
	le32(h, coe.FSUID)
	le32(h, coe.FSGID)
	le64(h, coe.CapEffective)
	return h.Sum(nil)
}

func mapFile(h hash.Hash, f *event.File) {
	le32(h, f.Flags)
	le32(h, f.UID)
	le32(h, f.GID)
	le16(h, f.Mode)
	le32(h, f.NameLength)
	h.Write(f.NameDigest)
	le64(h, f.SBMagic)
	h.Write(f.SBID[:])
	h.Write(f.SBUUID[:])
	h.Write(f.Digest)
}

func mapCell(d *digest.Digest, ev *event.Event) ([]byte, error) {
	h := d.New()

	if ev.Type == event.MmapFile {
		mm := ev.CELL.Mmap
		if mm == nil {
			return nil, fmt.Errorf("mmap_file event without mmap cell")
		}
		le32(h, mm.ReqProt)
		le32(h, mm.Prot)
		le32(h, mm.Flags)
		if mm.Anonymous {
			return h.Sum(nil), nil
		}
	}

	switch ev.Type {
	case event.FileOpen, event.MmapFile, event.BprmSetCreds:
		if ev.File == nil {
			return nil, fmt.Errorf("%s event without file identity", ev.Type.Name())
		}
		mapFile(h, ev.File)

	case event.SocketCreate:
		sc := ev.CELL.SocketCreate
		if sc == nil {
			return nil, fmt.Errorf("socket_create event without cell")
		}
		le16(h, sc.Family)
		le32(h, sc.Type)
		le32(h, sc.Protocol)
		h.Write([]byte{sc.Kern})

	case event.SocketConnect, event.SocketBind:
		sa := ev.CELL.Socket
		if sa == nil {
			return nil, fmt.Errorf("%s event without cell", ev.Type.Name())
		}
		le16(h, sa.Family)
		switch sa.Family {
		case event.AFInet:
			be16(h, sa.Port)
			h.Write(sa.IPv4Addr[:])
		case event.AFInet6:
			be16(h, sa.Port)
			h.Write(sa.IPv6Addr[:])
			be32(h, sa.Flowinfo)
			le32(h, sa.ScopeID)
		case event.AFUnix:
			h.Write([]byte(sa.Path))
		default:
			h.Write(sa.Mapping)
		}

	case event.SocketAccept:
		sa := ev.CELL.SocketAccept
		if sa == nil {
			return nil, fmt.Errorf("socket_accept event without cell")
		}
		le16(h, sa.Family)
		le32(h, sa.Type)
		be16(h, sa.Port)
		switch sa.Family {
		case event.AFInet:
			h.Write(sa.IPv4Addr[:])
		case event.AFInet6:
			h.Write(sa.IPv6Addr[:])
		case event.AFUnix:
			h.Write([]byte(sa.Path))
		default:
			h.Write(sa.Mapping)
		}

	case event.TaskKill:
		tk := ev.CELL.TaskKill
		if tk == nil {
			return nil, fmt.Errorf("task_kill event without cell")
		}
		le32(h, tk.CrossModel)
		le32(h, tk.Signal)
		h.Write(tk.Target)

	default:
		if !ev.Type.Generic() {
			return nil, fmt.Errorf("unmappable event type %d", ev.Type)
		}
		h.Write([]byte(ev.Type.Name()))
		h.Write(d.Zero())
	}

	return h.Sum(nil), nil
}

func mapEvent(d *digest.Digest, taskID []byte, ev *event.Event) ([]byte, error) {
	coeID := mapCOE(d, &ev.COE)
	cellID, err := mapCell(d, ev)
	if err != nil {
		return nil, err
	}

	h := d.New()
	h.Write([]byte(ev.Type.Name()))
	if taskID != nil {
		h.Write(taskID)
	}
	h.Write(coeID)
	h.Write(cellID)
	return h.Sum(nil), nil
}

// MapEvent computes the coefficient of an event and stores it in the
// event's Mapping field. taskID is the identity digest of the acting
// task; a nil slice substitutes the all-zero identity.
func MapEvent(d *digest.Digest, taskID []byte, ev *event.Event) ([]byte, error) {
	if len(taskID) == 0 {
		taskID = make([]byte, d.Size())
	}
	value, err := mapEvent(d, taskID, ev)
	if err != nil {
		return nil, err
	}
	ev.Mapping = value
	ev.DigestSize = d.Size()
	return value, nil
}

// MapTask derives a task identity digest from the exec event of a
// process. The derivation uses the all-zero task id so the identity
// depends only on the executable and the credentials it launched
// with.
func MapTask(d *digest.Digest, ev *event.Event) ([]byte, error) {
	if ev.Type != event.BprmSetCreds {
		return nil, fmt.Errorf("task identity requires a %s event, got %s",
			event.BprmSetCreds.Name(), ev.Type.Name())
	}
	return mapEvent(d, make([]byte, d.Size()), ev)
}
