// Package slot implements SlotEngine (spec component C4): the
// single-slot unit that owns one PartStore and one MetaStore and
// applies writes to them under the conflict-resolution rule in spec
// section 3 invariant 4.
//
// Every mutation a replica performs — a local PUT, a peer's PushPart
// followed by CommitHead, or anti-entropy healing — funnels through
// this package's CommitHead, so there is exactly one place that decides
// whether a candidate head wins.
package slot

import (
	"context"
	"io"
	"time"

	"github.com/amberio/amberio/pkg/amerr"
	"github.com/amberio/amberio/pkg/meta"
	"github.com/amberio/amberio/pkg/part"
)

// Engine is the slot-local combination of content storage and
// metadata. One Engine exists per (node, slot) pair; it is not safe to
// share across nodes, and its MetaStore is not safe to open twice for
// the same slot directory (BadgerDB holds an exclusive file lock).
type Engine struct {
	SlotID int
	Parts  *part.Store
	Meta   *meta.Store
}

// Root is where an Engine's on-disk state (objects/ and BadgerDB files)
// lives for one slot.
type Root struct {
	SlotID  int
	SlotDir string
}

// Open opens the part store and metadata store for one slot directory
// and sweeps any ".tmp" files a prior crash left behind.
func Open(root Root) (*Engine, error) {
	parts, err := part.New(root.SlotDir)
	if err != nil {
		return nil, err
	}
	if err := parts.SweepTemp(); err != nil {
		return nil, amerr.Wrap(amerr.KindIOError, "slot.Open", root.SlotDir, err)
	}

	metaStore, err := meta.Open(meta.Config{DBPath: root.SlotDir + "/meta"})
	if err != nil {
		return nil, err
	}

	return &Engine{SlotID: root.SlotID, Parts: parts, Meta: metaStore}, nil
}

// Close releases the slot's MetaStore handle. The part store has no
// handle to release; it is plain filesystem access.
func (e *Engine) Close() error {
	return e.Meta.Close()
}

// ApplyPart stages a part's bytes and records a PartRef for path, but
// does not move any head. CommitHead is the only operation that makes
// a part live. Splitting the two lets the coordinator fan a PushPart
// out to every replica before any of them commits, so a write that
// loses quorum leaves behind only unreferenced parts for GC to sweep,
// never a partially-applied head.
func (e *Engine) ApplyPart(ctx context.Context, path string, r io.Reader) (part.Ref, error) {
	ref, err := e.Parts.StageWrite(ctx, path, r)
	if err != nil {
		return part.Ref{}, err
	}
	if err := e.Meta.UpsertPartRef(meta.PartRef{
		Path:      path,
		SHA256:    ref.HexSHA256(),
		Length:    ref.Length,
		CreatedAt: time.Now(),
	}); err != nil {
		return part.Ref{}, err
	}
	return ref, nil
}

// CommitHead installs candidate as the head for its path, applying spec
// section 3 invariant 4's tiebreak against whatever head is currently
// stored. For a non-tombstone candidate it is idempotent: committing
// the same (path, write_id) twice (the coordinator's retry path)
// returns the already-recorded outcome instead of evaluating the
// tiebreak a second time.
//
// DELETE never touches the idempotency cache: spec section 4.6 is
// explicit that "the idempotency cache is not written" for DELETE, and
// Testable Property #2 (spec section 8) requires every cache entry to
// originate from a quorate PUT. A tombstone candidate therefore skips
// both the lookup short-circuit and RecordWrite below, even though
// Coordinator.Delete sets candidate.WriteID for its own fanout
// bookkeeping.
//
// Callers must have already called ApplyPart for candidate's SHA256 (or
// candidate.Tombstone is true and there is no content to stage) so that
// a head is never committed pointing at a part this engine doesn't
// have.
func (e *Engine) CommitHead(candidate meta.Head) (effective meta.Head, applied bool, err error) {
	if !candidate.Tombstone && candidate.WriteID != "" {
		if rec, ok, lookupErr := e.Meta.LookupWrite(candidate.Path, candidate.WriteID); lookupErr != nil {
			return meta.Head{}, false, lookupErr
		} else if ok && rec.Path == candidate.Path {
			head, headOK, headErr := e.Meta.HeadOf(rec.Path)
			if headErr != nil {
				return meta.Head{}, false, headErr
			}
			if headOK {
				return head, false, nil
			}
		}
	}

	effective, applied, err = e.Meta.UpsertHead(candidate)
	if err != nil {
		return meta.Head{}, false, err
	}

	if applied && !candidate.Tombstone && candidate.WriteID != "" {
		if recErr := e.Meta.RecordWrite(meta.WriteRecord{
			WriteID:     candidate.WriteID,
			Path:        candidate.Path,
			Generation:  candidate.Generation,
			ETag:        candidate.ETag,
			CommittedAt: time.Now(),
		}); recErr != nil {
			return meta.Head{}, false, recErr
		}
	}

	return effective, applied, nil
}

// LookupWrite exposes the idempotency cache directly for callers (the
// coordinator) that need to short-circuit before staging any bytes at
// all, rather than after CommitHead has already re-derived the outcome.
func (e *Engine) LookupWrite(path, writeID string) (meta.WriteRecord, bool, error) {
	return e.Meta.LookupWrite(path, writeID)
}

// HeadOf returns the current effective head for path.
func (e *Engine) HeadOf(path string) (meta.Head, bool, error) {
	return e.Meta.HeadOf(path)
}

// OpenPart returns a reader for one of this slot's locally-stored
// parts.
func (e *Engine) OpenPart(path, hexSHA string) (io.ReadCloser, error) {
	return e.Parts.Open(path, hexSHA)
}

// HasPart reports whether this slot has a part on disk without opening
// it, used by anti-entropy and the read path to decide whether to fetch
// from a peer instead.
func (e *Engine) HasPart(path, hexSHA string) (bool, error) {
	_, exists, err := e.Parts.Stat(path, hexSHA)
	return exists, err
}

// VerifyPart re-hashes a locally stored part and confirms it still
// matches hexSHA, returning amerr.KindNotFound if absent and
// amerr.KindDigestMismatch if present but corrupted. Callers treat both
// as "don't trust the local copy" and fall back to a peer (spec section
// 4.7 step 3's "missing or digest-mismatched part").
func (e *Engine) VerifyPart(path, hexSHA string) error {
	return e.Parts.Verify(path, hexSHA)
}
