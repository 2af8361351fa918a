// Package source implements the Source File (§3): the Sender's read-only
// handle on the file being transferred, plus the mtime/inode snapshot used
// to detect a mid-transfer change (§9 open question).
package source

import (
	"fmt"
	"os"
	"syscall"

	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/txerr"
)

// Snapshot identifies a file's identity and contents at a point in time,
// well enough to detect the file being replaced or modified underneath an
// in-progress transfer.
type Snapshot struct {
	Dev   uint64
	Ino   uint64
	Mtime int64
	Size  int64
}

// File is a Source File open for positional reads, alongside the
// Snapshot taken when the handshake's HelloV1 was built.
type File struct {
	f        *os.File
	path     string
	Snapshot Snapshot
}

// Open opens path for positional reads and records its Snapshot.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, txerr.New(txerr.KindResource, false, "opening source file", err)
	}
	snap, err := snapshot(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, path: path, Snapshot: snap}, nil
}

// snapshot stats by path, not by file descriptor, so a file replaced
// (renamed over) mid-transfer is detected via its new inode rather than
// silently reading the old, now-unlinked one.
func snapshot(path string) (Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Snapshot{}, txerr.New(txerr.KindResource, false, "statting source file", err)
	}
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		// Non-Unix host: identity falls back to size+mtime only.
		return Snapshot{Mtime: info.ModTime().UnixNano(), Size: info.Size()}, nil
	}
	return Snapshot{
		Dev:   uint64(sys.Dev),
		Ino:   sys.Ino,
		Mtime: info.ModTime().UnixNano(),
		Size:  info.Size(),
	}, nil
}

// Size returns the Source File's length at open time — HelloV1.Length (§3).
func (s *File) Size() int64 { return s.Snapshot.Size }

// ReadAt performs one positional read of the Source File.
func (s *File) ReadAt(p []byte, offset int64) (int, error) {
	return s.f.ReadAt(p, offset)
}

// CheckUnchanged re-validates the Source File's identity before serving a
// block (§4.4): a Sender worker calls this on every request. On mismatch
// it returns a fatal, wrapped txerr.ErrSourceChanged.
func (s *File) CheckUnchanged() error {
	current, err := snapshot(s.path)
	if err != nil {
		return err
	}
	if current != s.Snapshot {
		return txerr.New(txerr.KindProtocol, false,
			fmt.Sprintf("source changed: was %+v, now %+v", s.Snapshot, current), txerr.ErrSourceChanged)
	}
	return nil
}

// Close closes the underlying file handle.
func (s *File) Close() error { return s.f.Close() }
