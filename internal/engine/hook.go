package engine

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/Programator2/TSEM/internal/event"
	"github.com/Programator2/TSEM/internal/inode"
	"github.com/Programator2/TSEM/pkg/types"
)

// ParamsFromRequest translates a hook ingestion payload into event
// parameters.
func ParamsFromRequest(req *types.HookRequest) (*event.Params, error) {
	t, err := event.ParseType(req.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	p := &event.Params{
		Type:   t,
		PID:    req.PID,
		Comm:   req.Comm,
		Locked: req.Locked,
	}

	if req.COE != nil {
		coe, err := coeFromRecord(req.COE)
		if err != nil {
			return nil, err
		}
		p.COE = &coe
	}

	switch t {
	case event.FileOpen, event.BprmSetCreds:
		if req.File == nil {
			return nil, fmt.Errorf("%w: %s requires a file block", ErrInvalidArgument, req.Type)
		}
		fp, err := fileParams(req.File)
		if err != nil {
			return nil, err
		}
		p.File = fp

	case event.MmapFile:
		if req.Mmap == nil {
			return nil, fmt.Errorf("%w: mmap_file requires an mmap block", ErrInvalidArgument)
		}
		mp := &event.MmapParams{
			MmapArgs: event.MmapArgs{
				Anonymous: req.Mmap.Anonymous,
				ReqProt:   req.Mmap.ReqProt,
				Prot:      req.Mmap.Prot,
				Flags:     req.Mmap.Flags,
			},
		}
		if !req.Mmap.Anonymous {
			if req.Mmap.File == nil {
				return nil, fmt.Errorf("%w: file-backed mmap requires a file block", ErrInvalidArgument)
			}
			fp, err := fileParams(req.Mmap.File)
			if err != nil {
				return nil, err
			}
			mp.File = fp
		}
		p.Mmap = mp

	case event.SocketCreate:
		if req.SocketCreate == nil {
			return nil, fmt.Errorf("%w: socket_create requires a socket block", ErrInvalidArgument)
		}
		p.SocketCreate = &event.SocketCreateArgs{
			Family:   req.SocketCreate.Family,
			Type:     req.SocketCreate.Type,
			Protocol: req.SocketCreate.Protocol,
			Kern:     req.SocketCreate.Kern,
		}

	case event.SocketConnect, event.SocketBind:
		if req.Socket == nil {
			return nil, fmt.Errorf("%w: %s requires a socket block", ErrInvalidArgument, req.Type)
		}
		sa, err := socketParams(req.Socket)
		if err != nil {
			return nil, err
		}
		p.Socket = sa

	case event.SocketAccept:
		if req.SocketAccept == nil {
			return nil, fmt.Errorf("%w: socket_accept requires a socket block", ErrInvalidArgument)
		}
		sa, err := acceptParams(req.SocketAccept)
		if err != nil {
			return nil, err
		}
		p.SocketAccept = sa

	case event.TaskKill:
		if req.TaskKill == nil {
			return nil, fmt.Errorf("%w: task_kill requires a kill block", ErrInvalidArgument)
		}
		target, err := hexField("target", req.TaskKill.Target)
		if err != nil {
			return nil, err
		}
		p.TaskKill = &event.TaskKillArgs{
			CrossModel: req.TaskKill.CrossModel,
			Signal:     req.TaskKill.Signal,
			Target:     target,
		}
	}
	return p, nil
}

func coeFromRecord(rec *types.COERecord) (event.COE, error) {
	coe := event.COE{
		UID:   rec.UID,
		EUID:  rec.EUID,
		SUID:  rec.SUID,
		GID:   rec.GID,
		EGID:  rec.EGID,
		SGID:  rec.SGID,
		FSUID: rec.FSUID,
		FSGID: rec.FSGID,
	}
	if rec.Capability != "" {
		mask, err := strconv.ParseUint(strings.TrimPrefix(rec.Capability, "0x"), 16, 64)
		if err != nil {
			return coe, fmt.Errorf("%w: capability mask %q", ErrInvalidArgument, rec.Capability)
		}
		coe.CapEffective = mask
	}
	return coe, nil
}

func fileParams(req *types.FileRequest) (*event.FileParams, error) {
	digest, err := hexField("digest", req.Digest)
	if err != nil {
		return nil, err
	}
	uuid, err := hexField("s_uuid", req.SBUUID)
	if err != nil {
		return nil, err
	}
	fp := &event.FileParams{
		Path:    req.Path,
		Flags:   req.Flags,
		UID:     req.UID,
		GID:     req.GID,
		Mode:    req.Mode,
		SBMagic: req.SBMagic,
		SBID:    req.SBID,
		SBUUID:  uuid,
		Digest:  digest,
	}
	// Without a supplied digest the content is collected from the
	// host file when it is a readable regular file.
	if len(digest) == 0 {
		if st, err := os.Stat(req.Path); err == nil && st.Mode().IsRegular() {
			fp.Source = inode.NewOSFile(req.Path)
		}
	}
	return fp, nil
}

func socketParams(req *types.SocketAddress) (*event.SocketArgs, error) {
	sa := &event.SocketArgs{
		Family:   req.Family,
		Port:     req.Port,
		Flowinfo: req.Flowinfo,
		ScopeID:  req.ScopeID,
		Path:     req.Path,
	}
	switch req.Family {
	case event.AFInet:
		ip := net.ParseIP(req.Addr)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("%w: invalid IPv4 address %q", ErrInvalidArgument, req.Addr)
		}
		copy(sa.IPv4Addr[:], ip.To4())
	case event.AFInet6:
		ip := net.ParseIP(req.Addr)
		if ip == nil {
			return nil, fmt.Errorf("%w: invalid IPv6 address %q", ErrInvalidArgument, req.Addr)
		}
		copy(sa.IPv6Addr[:], ip.To16())
	case event.AFUnix:
	default:
		raw, err := hexField("raw", req.Raw)
		if err != nil {
			return nil, err
		}
		sa.Raw = raw
	}
	return sa, nil
}

func acceptParams(req *types.SocketAccepted) (*event.SocketAcceptArgs, error) {
	sa := &event.SocketAcceptArgs{
		Family: req.Family,
		Type:   req.Type,
		Port:   req.Port,
		Path:   req.Path,
	}
	switch req.Family {
	case event.AFInet:
		ip := net.ParseIP(req.Addr)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("%w: invalid IPv4 address %q", ErrInvalidArgument, req.Addr)
		}
		copy(sa.IPv4Addr[:], ip.To4())
	case event.AFInet6:
		ip := net.ParseIP(req.Addr)
		if ip == nil {
			return nil, fmt.Errorf("%w: invalid IPv6 address %q", ErrInvalidArgument, req.Addr)
		}
		copy(sa.IPv6Addr[:], ip.To16())
	}
	return sa, nil
}

func hexField(name, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: field %s is not hex", ErrInvalidArgument, name)
	}
	return raw, nil
}
