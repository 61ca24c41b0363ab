package task

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Translator maps host credential ids into the namespace view a
// domain is configured with.
type Translator interface {
	TranslateUID(pid, id uint32) uint32
	TranslateGID(pid, id uint32) uint32
}

// InitialNamespace is the identity translation: events are described
// with host ids.
type InitialNamespace struct{}

func (InitialNamespace) TranslateUID(_, id uint32) uint32 { return id }
func (InitialNamespace) TranslateGID(_, id uint32) uint32 { return id }

// CurrentNamespace maps host ids through the uid_map and gid_map of
// the process's user namespace. Unmapped ids translate to the
// overflow id, matching the kernel convention.
type CurrentNamespace struct {
	Root string
}

const overflowID = 65534

func (n *CurrentNamespace) root() string {
	if n.Root != "" {
		return n.Root
	}
	return "/proc"
}

func (n *CurrentNamespace) TranslateUID(pid, id uint32) uint32 {
	return n.translate(pid, "uid_map", id)
}

func (n *CurrentNamespace) TranslateGID(pid, id uint32) uint32 {
	return n.translate(pid, "gid_map", id)
}

func (n *CurrentNamespace) translate(pid uint32, mapFile string, id uint32) uint32 {
	f, err := os.Open(fmt.Sprintf("%s/%d/%s", n.root(), pid, mapFile))
	if err != nil {
		return overflowID
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		inside, outside, count, err := parseMapRow(sc.Text())
		if err != nil {
			continue
		}
		if id >= outside && id-outside < count {
			return inside + (id - outside)
		}
	}
	return overflowID
}

func parseMapRow(line string) (inside, outside, count uint32, err error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return 0, 0, 0, fmt.Errorf("malformed map row %q", line)
	}
	vals := make([]uint32, 3)
	for i, f := range fields {
		v, perr := strconv.ParseUint(f, 10, 32)
		if perr != nil {
			return 0, 0, 0, perr
		}
		vals[i] = uint32(v)
	}
	return vals[0], vals[1], vals[2], nil
}
