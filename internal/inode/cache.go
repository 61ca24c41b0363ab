// Package inode caches file content digests keyed by inode identity.
// A cached value is reusable only while the inode version captured at
// collection time still matches, so a modified file is re-digested on
// its next event.
package inode

import (
	"fmt"
	"io"
	"sync"

	"github.com/Programator2/TSEM/internal/digest"
)

// Status describes the collection state of an inode cache line.
type Status int

const (
	Unknown Status = iota
	Collecting
	Collected
)

// Identity names an inode: device and inode number.
type Identity struct {
	Dev uint64
	Ino uint64
}

// Version is the change marker of an inode, standing in for the
// kernel inode version counter.
type Version struct {
	Size  int64
	Mtime int64
	Ctime int64
}

// File is the collaborator interface through which file content is
// identified and read for digesting.
type File interface {
	Path() string
	Identity() (Identity, error)
	Version() (Version, error)
	Size() (int64, error)
	Open() (io.ReadCloser, error)
}

type cached struct {
	value   []byte
	version Version
}

type line struct {
	mu      sync.Mutex
	status  Status
	digests map[string]cached
}

// Cache holds the per-inode digest lines of a host.
type Cache struct {
	mu    sync.Mutex
	lines map[Identity]*line
}

func NewCache() *Cache {
	return &Cache{lines: make(map[Identity]*line)}
}

func (c *Cache) line(id Identity) *line {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lines[id]
	if !ok {
		l = &line{digests: make(map[string]cached)}
		c.lines[id] = l
	}
	return l
}

const readChunk = 4096

// Digest returns the content digest of f under the domain hash d.
//
// pseudonym, when non-nil, is consulted first; a positive answer
// substitutes the domain zero digest without touching the file. An
// empty file also yields the zero digest. Otherwise the cached value
// is reused when current, or the file is streamed through the hash
// with the cache line mutex held across the read.
func (c *Cache) Digest(f File, d *digest.Digest, pseudonym func() (bool, error)) ([]byte, error) {
	id, err := f.Identity()
	if err != nil {
		return nil, fmt.Errorf("inode identity %s: %w", f.Path(), err)
	}
	l := c.line(id)

	l.mu.Lock()
	defer l.mu.Unlock()

	if pseudonym != nil {
		hit, err := pseudonym()
		if err != nil {
			return nil, err
		}
		if hit {
			return d.Zero(), nil
		}
	}

	size, err := f.Size()
	if err != nil {
		return nil, fmt.Errorf("inode size %s: %w", f.Path(), err)
	}
	if size == 0 {
		return d.Zero(), nil
	}

	version, err := f.Version()
	if err != nil {
		return nil, fmt.Errorf("inode version %s: %w", f.Path(), err)
	}
	if entry, ok := l.digests[d.Name()]; ok &&
		entry.version == version && l.status == Collected {
		return entry.value, nil
	}

	l.status = Collecting
	value, err := streamDigest(f, d)
	if err != nil {
		l.status = Unknown
		return nil, err
	}

	l.digests[d.Name()] = cached{value: value, version: version}
	l.status = Collected
	return value, nil
}

// Status returns the collection state of the inode's cache line.
func (c *Cache) Status(id Identity) Status {
	c.mu.Lock()
	l, ok := c.lines[id]
	c.mu.Unlock()
	if !ok {
		return Unknown
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func streamDigest(f File, d *digest.Digest) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Path(), err)
	}
	defer r.Close()

	h := d.New()
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Path(), err)
		}
	}
	return h.Sum(nil), nil
}
