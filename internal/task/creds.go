package task

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Programator2/TSEM/internal/event"
)

// CredentialSource captures the credential state of a process.
type CredentialSource interface {
	Credentials(pid uint32) (event.COE, error)
}

// ProcCredentials reads credentials from the /proc status file of a
// process. The Uid and Gid rows carry real, effective, saved and
// filesystem ids in that order; CapEff is the effective capability
// mask in hex.
type ProcCredentials struct {
	// Root overrides the proc mount point, for tests.
	Root string
}

func (p *ProcCredentials) root() string {
	if p.Root != "" {
		return p.Root
	}
	return "/proc"
}

func (p *ProcCredentials) Credentials(pid uint32) (event.COE, error) {
	var coe event.COE

	path := fmt.Sprintf("%s/%d/status", p.root(), pid)
	f, err := os.Open(path)
	if err != nil {
		return coe, fmt.Errorf("read credentials: %w", err)
	}
	defer f.Close()

	var haveUID, haveGID, haveCap bool
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Uid:"):
			ids, err := parseIDRow(line)
			if err != nil {
				return coe, err
			}
			coe.UID, coe.EUID, coe.SUID, coe.FSUID = ids[0], ids[1], ids[2], ids[3]
			haveUID = true
		case strings.HasPrefix(line, "Gid:"):
			ids, err := parseIDRow(line)
			if err != nil {
				return coe, err
			}
			coe.GID, coe.EGID, coe.SGID, coe.FSGID = ids[0], ids[1], ids[2], ids[3]
			haveGID = true
		case strings.HasPrefix(line, "CapEff:"):
			mask, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "CapEff:")), 16, 64)
			if err != nil {
				return coe, fmt.Errorf("parse CapEff: %w", err)
			}
			coe.CapEffective = mask
			haveCap = true
		}
	}
	if err := sc.Err(); err != nil {
		return coe, err
	}
	if !haveUID || !haveGID || !haveCap {
		return coe, fmt.Errorf("incomplete status file for pid %d", pid)
	}
	return coe, nil
}

// Comm returns the command name of a process.
func (p *ProcCredentials) Comm(pid uint32) (string, error) {
	b, err := os.ReadFile(fmt.Sprintf("%s/%d/comm", p.root(), pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func parseIDRow(line string) ([4]uint32, error) {
	var ids [4]uint32
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return ids, fmt.Errorf("malformed id row %q", line)
	}
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseUint(fields[i+1], 10, 32)
		if err != nil {
			return ids, fmt.Errorf("parse id row %q: %w", line, err)
		}
		ids[i] = uint32(v)
	}
	return ids, nil
}
