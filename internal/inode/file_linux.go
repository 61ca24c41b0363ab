package inode

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// OSFile adapts a filesystem path to the File interface using stat
// identity from the host.
type OSFile struct {
	path string
}

func NewOSFile(path string) *OSFile { return &OSFile{path: path} }

func (f *OSFile) Path() string { return f.path }

func (f *OSFile) stat() (unix.Stat_t, error) {
	var st unix.Stat_t
	err := unix.Stat(f.path, &st)
	return st, err
}

func (f *OSFile) Identity() (Identity, error) {
	st, err := f.stat()
	if err != nil {
		return Identity{}, err
	}
	return Identity{Dev: uint64(st.Dev), Ino: st.Ino}, nil
}

func (f *OSFile) Version() (Version, error) {
	st, err := f.stat()
	if err != nil {
		return Version{}, err
	}
	return Version{
		Size:  st.Size,
		Mtime: st.Mtim.Nano(),
		Ctime: st.Ctim.Nano(),
	}, nil
}

func (f *OSFile) Size() (int64, error) {
	st, err := f.stat()
	if err != nil {
		return 0, err
	}
	return st.Size, nil
}

func (f *OSFile) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}
