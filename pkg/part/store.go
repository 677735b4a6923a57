// Package part implements PartStore (spec component C2): content
// addressed blob chunks stored as files named part.<hex_sha256> under a
// per-(slot, path) directory.
//
// Writes go to a ".tmp" file first, are fsync'd, then atomically renamed
// into place — the only write path that ever produces a final
// part.<hash> file. A crash between creating the temp file and the
// rename leaves nothing but an orphaned ".tmp" file, swept by SweepTemp
// the next time slot.Open opens the slot.
package part

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/amberio/amberio/pkg/amerr"
	"github.com/amberio/amberio/pkg/metrics"
)

// Ref identifies one content-addressed part.
type Ref struct {
	SHA256 [32]byte
	Length uint64
}

// HexSHA256 returns the lowercase hex encoding of the part's digest,
// which is also its on-disk file-name suffix.
func (r Ref) HexSHA256() string { return hex.EncodeToString(r.SHA256[:]) }

// Store manages the on-disk parts for one slot.
//
// Layout: <slotRoot>/objects/<normalized_path>/part.<hex_sha256>
// with ".tmp" siblings during staging. Slot roots are never shared
// between slot instances, so Store needs no cross-slot locking — only
// concurrent writers for the exact same (path, sha256) need
// coordination, and that's provided by the filesystem's atomic rename.
type Store struct {
	root    string // <slotRoot>/objects
	metrics metrics.PartStoreMetrics
}

// New creates a part store rooted at <slotRoot>/objects, creating the
// directory if needed.
func New(slotRoot string) (*Store, error) {
	root := filepath.Join(slotRoot, "objects")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, amerr.Wrap(amerr.KindIOError, "part.New", root, err)
	}
	return &Store{root: root, metrics: metrics.NewPartStoreMetrics()}, nil
}

func (s *Store) objectDir(path string) string {
	return filepath.Join(s.root, path)
}

func (s *Store) finalPath(path, hexSHA string) string {
	return filepath.Join(s.objectDir(path), "part."+hexSHA)
}

// StageWrite streams r to a temp file while hashing it, then fsyncs and
// atomically renames into place. If the final file already exists with
// a matching length, the temp file is discarded (dedup) rather than
// replacing an identical file — cheap insurance against two concurrent
// writers of the same bytes racing two renames.
//
// Large bodies are copied in bounded chunks so a single part write
// cannot monopolize the calling goroutine; callers running on a
// cooperative scheduler should still run this on a dedicated I/O
// goroutine (spec section 5).
func (s *Store) StageWrite(ctx context.Context, path string, r io.Reader) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}

	dir := s.objectDir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, amerr.Wrap(amerr.KindIOError, "StageWrite", path, err)
	}

	tmp, err := os.CreateTemp(dir, "part.*.tmp")
	if err != nil {
		return Ref{}, amerr.Wrap(amerr.KindIOError, "StageWrite", path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath) // no-op once renamed
	}()

	h := sha256.New()
	var length uint64
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return Ref{}, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return Ref{}, amerr.Wrap(amerr.KindIOError, "StageWrite", path, werr)
			}
			h.Write(buf[:n])
			length += uint64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Ref{}, amerr.Wrap(amerr.KindIOError, "StageWrite", path, rerr)
		}
	}

	if err := tmp.Sync(); err != nil {
		return Ref{}, amerr.Wrap(amerr.KindIOError, "StageWrite", path, err)
	}
	if err := tmp.Close(); err != nil {
		return Ref{}, amerr.Wrap(amerr.KindIOError, "StageWrite", path, err)
	}

	var ref Ref
	copy(ref.SHA256[:], h.Sum(nil))
	ref.Length = length

	final := s.finalPath(path, ref.HexSHA256())
	if info, statErr := os.Stat(final); statErr == nil && uint64(info.Size()) == length {
		return ref, nil // dedup: identical content already present
	}

	if err := os.Rename(tmpPath, final); err != nil {
		return Ref{}, amerr.Wrap(amerr.KindIOError, "StageWrite", path, err)
	}
	s.metrics.RecordWrite(int64(length))
	return ref, nil
}

// Open returns a reader for a part's bytes. Callers must Close it.
func (s *Store) Open(path, hexSHA string) (io.ReadCloser, error) {
	f, err := os.Open(s.finalPath(path, hexSHA))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, amerr.New(amerr.KindNotFound, "Open", path)
		}
		return nil, amerr.Wrap(amerr.KindIOError, "Open", path, err)
	}
	return &countingReadCloser{f: f, metrics: s.metrics}, nil
}

// countingReadCloser reports bytes read back out of the store to
// PartStoreMetrics as the caller drains it.
type countingReadCloser struct {
	f       *os.File
	metrics metrics.PartStoreMetrics
	read    int64
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.f.Read(p)
	c.read += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	c.metrics.RecordRead(c.read)
	return c.f.Close()
}

// Stat reports whether a part exists on disk and, if so, its length.
func (s *Store) Stat(path, hexSHA string) (length uint64, exists bool, err error) {
	info, statErr := os.Stat(s.finalPath(path, hexSHA))
	if statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, amerr.Wrap(amerr.KindIOError, "Stat", path, statErr)
	}
	return uint64(info.Size()), true, nil
}

// Remove deletes a part file. Removing a part that doesn't exist is not
// an error — GC may race with a repair that already cleaned it up.
func (s *Store) Remove(path, hexSHA string) error {
	err := os.Remove(s.finalPath(path, hexSHA))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return amerr.Wrap(amerr.KindIOError, "Remove", path, err)
	}
	return nil
}

// Verify re-hashes a stored part and reports whether it still matches
// its declared digest (invariant 2 in spec section 3).
func (s *Store) Verify(path, hexSHA string) error {
	f, err := s.Open(path, hexSHA)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return amerr.Wrap(amerr.KindIOError, "Verify", path, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != hexSHA {
		s.metrics.RecordDigestMismatch()
		return amerr.New(amerr.KindDigestMismatch, "Verify", path)
	}
	return nil
}

// SweepTemp removes any ".tmp" files left behind by a crash between
// StageWrite's CreateTemp and its final rename. Called once on slot
// startup.
func (s *Store) SweepTemp() error {
	return filepath.WalkDir(s.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Ext(p) == ".tmp" {
			if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				return fmt.Errorf("sweep temp %s: %w", p, rmErr)
			}
		}
		return nil
	})
}

// ObjectDirs enumerates every path that has at least one on-disk part
// file, invoking fn once with its normalized path. Used by GC to
// discover orphaned part files that outlived their path's last head
// reference.
//
// A normalized path may itself contain "/" (spec.md's own "a/b.png"
// example), which nests as <root>/a/b.png/part.<hash> rather than
// living one level below root, so this walks the full tree to each
// leaf directory that actually holds "part.*" files instead of
// treating every first-level entry as a complete path.
func (s *Store) ObjectDirs(fn func(normalizedPath string) error) error {
	seen := make(map[string]bool)
	err := filepath.WalkDir(s.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || p == s.root {
			return nil
		}
		name := d.Name()
		const prefix = "part."
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			return nil // ".tmp" siblings and anything else
		}

		rel, relErr := filepath.Rel(s.root, filepath.Dir(p))
		if relErr != nil {
			return relErr
		}
		normalizedPath := filepath.ToSlash(rel)
		if seen[normalizedPath] {
			return nil
		}
		seen[normalizedPath] = true
		return fn(normalizedPath)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return amerr.Wrap(amerr.KindIOError, "ObjectDirs", s.root, err)
	}
	return nil
}

// ListParts lists the part.<hex> files (excluding .tmp) under a path's
// object directory, along with each file's mtime-based age via os.Stat.
func (s *Store) ListParts(path string) ([]PartFile, error) {
	entries, err := os.ReadDir(s.objectDir(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, amerr.Wrap(amerr.KindIOError, "ListParts", path, err)
	}
	out := make([]PartFile, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".tmp" {
			continue
		}
		const prefix = "part."
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, PartFile{
			HexSHA256: name[len(prefix):],
			Size:      info.Size(),
			ModTime:   info.ModTime(),
		})
	}
	return out, nil
}

// PartFile describes one on-disk part file as seen by a directory scan.
type PartFile struct {
	HexSHA256 string
	Size      int64
	ModTime   time.Time
}
