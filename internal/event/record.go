package event

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/Programator2/TSEM/pkg/types"
)

// Record renders the event into its trajectory JSON form.
func (e *Event) Record() types.EventRecord {
	rec := types.EventRecord{
		Event: types.EventHeader{
			Process: e.Comm,
			Type:    e.Type.Name(),
			PID:     e.PID,
			TaskID:  hex.EncodeToString(e.TaskID),
			Mapping: hex.EncodeToString(e.Mapping),
		},
		COE: types.COERecord{
			UID:        e.COE.UID,
			EUID:       e.COE.EUID,
			SUID:       e.COE.SUID,
			GID:        e.COE.GID,
			EGID:       e.COE.EGID,
			SGID:       e.COE.SGID,
			FSUID:      e.COE.FSUID,
			FSGID:      e.COE.FSGID,
			Capability: fmt.Sprintf("0x%x", e.COE.CapEffective),
		},
	}

	if e.File != nil {
		rec.File = fileRecord(e.File)
	}
	if mm := e.CELL.Mmap; mm != nil {
		rec.Mmap = &types.MmapRecord{
			Anonymous: mm.Anonymous,
			ReqProt:   mm.ReqProt,
			Prot:      mm.Prot,
			Flags:     mm.Flags,
		}
	}
	if sc := e.CELL.SocketCreate; sc != nil {
		rec.SocketCreate = &types.SocketCreate{
			Family:   sc.Family,
			Type:     sc.Type,
			Protocol: sc.Protocol,
			Kern:     sc.Kern,
		}
	}
	if sa := e.CELL.Socket; sa != nil {
		rec.Socket = socketRecord(sa)
	}
	if sa := e.CELL.SocketAccept; sa != nil {
		rec.SocketAccept = acceptRecord(sa)
	}
	if tk := e.CELL.TaskKill; tk != nil {
		rec.TaskKill = &types.TaskKillRecord{
			CrossModel: tk.CrossModel,
			Signal:     tk.Signal,
			Target:     hex.EncodeToString(tk.Target),
		}
	}
	return rec
}

func fileRecord(f *File) *types.FileRecord {
	return &types.FileRecord{
		Flags:      f.Flags,
		UID:        f.UID,
		GID:        f.GID,
		Mode:       f.Mode,
		NameLength: f.NameLength,
		Name:       hex.EncodeToString(f.NameDigest),
		SBMagic:    f.SBMagic,
		SBID:       strings.TrimRight(string(f.SBID[:]), "\x00"),
		SBUUID:     hex.EncodeToString(f.SBUUID[:]),
		Digest:     hex.EncodeToString(f.Digest),
	}
}

func socketRecord(sa *SocketArgs) *types.SocketAddress {
	rec := &types.SocketAddress{Family: sa.Family}
	switch sa.Family {
	case AFInet:
		rec.Port = sa.Port
		rec.Addr = net.IP(sa.IPv4Addr[:]).String()
	case AFInet6:
		rec.Port = sa.Port
		rec.Addr = net.IP(sa.IPv6Addr[:]).String()
		rec.Flowinfo = sa.Flowinfo
		rec.ScopeID = sa.ScopeID
	case AFUnix:
		rec.Path = sa.Path
	default:
		rec.Mapping = hex.EncodeToString(sa.Mapping)
	}
	return rec
}

func acceptRecord(sa *SocketAcceptArgs) *types.SocketAccepted {
	rec := &types.SocketAccepted{Family: sa.Family, Type: sa.Type}
	switch sa.Family {
	case AFInet:
		rec.Port = sa.Port
		rec.Addr = net.IP(sa.IPv4Addr[:]).String()
	case AFInet6:
		rec.Port = sa.Port
		rec.Addr = net.IP(sa.IPv6Addr[:]).String()
	case AFUnix:
		rec.Path = sa.Path
	default:
		rec.Mapping = hex.EncodeToString(sa.Mapping)
	}
	return rec
}
