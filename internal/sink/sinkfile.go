// Package sink implements the Sink File (§3, §6): the Receiver's output
// file. It is preallocated to its final length up front, written at exact
// positional offsets by any number of concurrent workers, fsynced and
// atomically renamed on success.
package sink

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/txerr"
)

// maxNameLength bounds the HelloV1.Name field once it is about to become a
// path component, independent of any wire-level length limit.
const maxNameLength = 255

// validateName rejects a HelloV1.Name that would let the Sender escape the
// destination directory when it is joined onto an output directory path
// (§6: the Receiver names the output file from the Sender-supplied name).
// Adapted from the teacher's path-component validation.
func validateName(name string) error {
	if name == "" {
		return txerr.New(txerr.KindPolicy, false, "name is empty", txerr.ErrPolicy)
	}
	if len(name) > maxNameLength {
		return txerr.New(txerr.KindPolicy, false, fmt.Sprintf("name exceeds max length %d", maxNameLength), txerr.ErrPolicy)
	}
	if strings.ContainsAny(name, "/\\") {
		return txerr.New(txerr.KindPolicy, false, "name contains a path separator", txerr.ErrPolicy)
	}
	if strings.ContainsRune(name, 0) {
		return txerr.New(txerr.KindPolicy, false, "name contains a null byte", txerr.ErrPolicy)
	}
	if name == "." || name == ".." {
		return txerr.New(txerr.KindPolicy, false, "name is a path traversal token", txerr.ErrPolicy)
	}
	return nil
}

// PartialSuffix and CorruptSuffix name the Sink File while a transfer is
// in flight, or after a fatal integrity failure (§4.5, §6).
const (
	PartialSuffix  = ".partial"
	CorruptSuffix  = ".corrupt"
)

// File is a Sink File open for positional writes.
type File struct {
	finalPath   string
	partialPath string
	f           *os.File
	length      uint64
}

// Resolve implements §6's filesystem interface rule: if path is an
// existing directory, the received file is named name; otherwise path is
// used directly and its parent must exist.
func Resolve(path, name string) (string, error) {
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		if verr := validateName(name); verr != nil {
			return "", verr
		}
		return filepath.Join(path, name), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	parent := filepath.Dir(path)
	if _, err := os.Stat(parent); err != nil {
		return "", txerr.New(txerr.KindResource, false, fmt.Sprintf("parent directory %s does not exist", parent), err)
	}
	return path, nil
}

// CheckFreeSpace performs the resource pre-flight check from
// SPEC_FULL.md's domain stack: it rejects up front, before any byte is
// written, if the destination filesystem cannot hold length bytes.
// Grounded on the teacher's internal/agent/monitor.go disk-health check.
func CheckFreeSpace(path string, length uint64) error {
	dir := filepath.Dir(path)
	usage, err := disk.Usage(dir)
	if err != nil {
		// Best-effort: if the host doesn't expose disk stats for this
		// path (e.g. unusual filesystem), don't block the transfer on it.
		return nil
	}
	if usage.Free < length {
		return txerr.New(txerr.KindResource, false,
			fmt.Sprintf("destination has %d bytes free, need %d", usage.Free, length), nil)
	}
	return nil
}

// DiskFree reports the bytes free on the filesystem holding dir, for the
// health-ping diagnostic path.
func DiskFree(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("statting filesystem at %s: %w", dir, err)
	}
	return usage.Free, nil
}

// Create preallocates a new Sink File of exactly length bytes at
// finalPath+PartialSuffix.
func Create(finalPath string, length uint64) (*File, error) {
	if err := CheckFreeSpace(finalPath, length); err != nil {
		return nil, err
	}
	partialPath := finalPath + PartialSuffix
	f, err := os.OpenFile(partialPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, txerr.New(txerr.KindResource, false, "creating sink file", err)
	}
	if err := f.Truncate(int64(length)); err != nil {
		f.Close()
		return nil, txerr.New(txerr.KindResource, false, "preallocating sink file", err)
	}
	return &File{finalPath: finalPath, partialPath: partialPath, f: f, length: length}, nil
}

// OpenForResume opens an existing .partial file at finalPath if one exists
// and has exactly length bytes, per §4.2's resume precondition. ok is
// false if there is nothing to resume (fresh transfer).
func OpenForResume(finalPath string, length uint64) (file *File, ok bool, err error) {
	partialPath := finalPath + PartialSuffix
	info, statErr := os.Stat(partialPath)
	if statErr != nil {
		return nil, false, nil
	}
	if uint64(info.Size()) != length {
		return nil, false, nil
	}
	f, openErr := os.OpenFile(partialPath, os.O_RDWR, 0644)
	if openErr != nil {
		return nil, false, txerr.New(txerr.KindResource, false, "opening partial sink file for resume", openErr)
	}
	return &File{finalPath: finalPath, partialPath: partialPath, f: f, length: length}, true, nil
}

// WriteAt writes p at the given offset. Concurrent WriteAt calls at
// distinct, non-overlapping offsets require no external locking (§5).
func (s *File) WriteAt(p []byte, offset int64) (int, error) {
	return s.f.WriteAt(p, offset)
}

// ReadAt reads len(p) bytes starting at offset, used by resume
// verification and by whole-file hash recomputation.
func (s *File) ReadAt(p []byte, offset int64) (int, error) {
	return s.f.ReadAt(p, offset)
}

// RegionIsZero reports whether the length-byte region at offset reads back
// as all zero — the signature of a preallocated-but-never-written block,
// used by the resume heuristic (§9 open question, resolved in SPEC_FULL.md §2).
func (s *File) RegionIsZero(offset int64, length int) (bool, error) {
	buf := make([]byte, length)
	if _, err := s.f.ReadAt(buf, offset); err != nil {
		return false, err
	}
	return bytes.Count(buf, []byte{0}) == len(buf), nil
}

// Length returns the Sink File's total length.
func (s *File) Length() uint64 { return s.length }

// Commit fsyncs the Sink File and renames it to its final name (§4.3
// completion, §6 persistent state): called once the Received-Block Bitmap
// is full and the whole-file hash has been verified.
func (s *File) Commit() error {
	if err := s.f.Sync(); err != nil {
		return txerr.New(txerr.KindResource, false, "fsyncing sink file", err)
	}
	if err := s.f.Close(); err != nil {
		return txerr.New(txerr.KindResource, false, "closing sink file", err)
	}
	if err := os.Rename(s.partialPath, s.finalPath); err != nil {
		return txerr.New(txerr.KindResource, false, "renaming sink file to final name", err)
	}
	return nil
}

// Abort closes the Sink File. If corrupt is true (whole-file hash
// mismatch, §4.5) it is renamed to finalPath+CorruptSuffix; otherwise it
// is left as .partial so a later run can resume it.
func (s *File) Abort(corrupt bool) error {
	if err := s.f.Close(); err != nil {
		return err
	}
	if corrupt {
		return os.Rename(s.partialPath, s.finalPath+CorruptSuffix)
	}
	return nil
}
