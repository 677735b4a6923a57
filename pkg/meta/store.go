// Package meta implements MetaStore (spec component C3): the per-slot
// BadgerDB-backed record of head pointers, tombstones, part references,
// the write-id idempotency cache, and archive-tier pointers.
package meta

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/amberio/amberio/pkg/amerr"
)

// PartPointer is one entry in a meta head's ordered part list: a body
// may split into several parts (spec section 4.6, default 8 MiB each),
// streamed and committed in order.
type PartPointer struct {
	SHA256 string `json:"sha256"`
	Length uint64 `json:"length"`
	Offset uint64 `json:"offset"`
}

// Head is the current pointer for a path: either live content (a
// generation, an ordered part list, and an etag) or a tombstone
// recording the generation and reason at which the path was deleted.
// Spec section 3 invariant 4 defines the tiebreak order used whenever
// two heads are compared: higher generation wins; on a tie, tombstone
// beats live content; on a further tie, lexically larger head content
// hash wins.
type Head struct {
	Path        string        `json:"path"`
	Generation  uint64        `json:"generation"`
	Tombstone   bool          `json:"tombstone"`
	Parts       []PartPointer `json:"parts,omitempty"`
	Size        uint64        `json:"size,omitempty"`
	ETag        string        `json:"etag,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	WriteID     string        `json:"write_id"`
	CommittedAt time.Time     `json:"committed_at"`
}

// ContentHash is the "head content hash" invariant 4 uses as its final
// tiebreak. It is deterministic in every field that distinguishes one
// head from another at the same (path, generation, kind), so two
// replicas that independently computed the same candidate head always
// agree on which one wins.
func (h Head) ContentHash() string {
	sum := sha256.New()
	fmt.Fprintf(sum, "%s|%d|%t|%s|%s|%s", h.Path, h.Generation, h.Tombstone, h.ETag, h.Reason, h.WriteID)
	return hex.EncodeToString(sum.Sum(nil))
}

// Supersedes reports whether h should replace other as the effective
// head, per spec section 3 invariant 4.
func (h Head) Supersedes(other Head) bool {
	if h.Generation != other.Generation {
		return h.Generation > other.Generation
	}
	if h.Tombstone != other.Tombstone {
		return h.Tombstone // tombstone beats live content on a generation tie
	}
	return h.ContentHash() > other.ContentHash()
}

// PartRef records that a part with the given digest belongs to a
// path's lineage, independent of which head currently points at it. GC
// uses these to decide whether a part file on disk is still reachable.
type PartRef struct {
	Path      string    `json:"path"`
	SHA256    string    `json:"sha256"`
	Length    uint64    `json:"length"`
	CreatedAt time.Time `json:"created_at"`
}

// WriteRecord is the idempotency-cache entry keyed by (path, write_id) (spec
// section 4.6): replaying the same write_id returns the recorded
// outcome instead of re-applying the write.
type WriteRecord struct {
	WriteID     string    `json:"write_id"`
	Path        string    `json:"path"`
	Generation  uint64    `json:"generation"`
	ETag        string    `json:"etag,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
}

// ArchiveRef points at a part's copy in the archive tier (spec section
// 4.10, a supplemental component beyond the original specification):
// the external bucket/key and the byte range within it that holds this
// part's bytes, since the archive tier packs multiple small parts into
// shared objects rather than one object per part.
type ArchiveRef struct {
	Path           string    `json:"path"`
	SHA256         string    `json:"sha256"`
	ExternalBucket string    `json:"external_bucket"`
	ExternalKey    string    `json:"external_key"`
	RangeStart     uint64    `json:"range_start"`
	RangeEnd       uint64    `json:"range_end"`
	ArchivedAt     time.Time `json:"archived_at"`
}

// Store is a per-slot BadgerDB handle. Slots never share a Store; each
// slot directory owns exactly one.
type Store struct {
	db *badger.DB
}

// Config configures a Store's underlying BadgerDB instance. Metadata
// records are small and numerous, so the defaults favor a smaller block
// cache than a content-heavy workload would want.
type Config struct {
	DBPath           string
	BlockCacheSizeMB int64
	IndexCacheSizeMB int64
}

// Open opens (or creates) the BadgerDB database at cfg.DBPath.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.DBPath)
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	indexCacheMB := cfg.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 32
	}
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)
	opts = opts.WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, amerr.Wrap(amerr.KindIOError, "meta.Open", cfg.DBPath, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying BadgerDB handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// HeadOf returns the current effective head for path, or ok=false if
// no head has ever been recorded for it (a true 404, distinct from a
// tombstone).
func (s *Store) HeadOf(path string) (head Head, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(keyHead(path))
		if getErr != nil {
			if errors.Is(getErr, badger.ErrKeyNotFound) {
				return nil
			}
			return getErr
		}
		ok = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &head)
		})
	})
	if err != nil {
		return Head{}, false, amerr.Wrap(amerr.KindIOError, "HeadOf", path, err)
	}
	return head, ok, nil
}

// UpsertHead installs candidate as the head for its path if and only if
// it supersedes whatever is currently stored there. Returns the
// resulting effective head (which may be the pre-existing one if
// candidate lost the tiebreak) and whether the store was actually
// mutated. This is the single write path used both by fresh
// CommitHead calls and by anti-entropy healing, so both apply the same
// conflict resolution (spec section 3 invariant 4).
func (s *Store) UpsertHead(candidate Head) (effective Head, applied bool, err error) {
	err = s.db.Update(func(txn *badger.Txn) error {
		key := keyHead(candidate.Path)
		var current Head
		item, getErr := txn.Get(key)
		switch {
		case getErr == nil:
			if unmarshalErr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); unmarshalErr != nil {
				return unmarshalErr
			}
		case errors.Is(getErr, badger.ErrKeyNotFound):
			// no current head; candidate always applies
		default:
			return getErr
		}

		if getErr == nil && !candidate.Supersedes(current) {
			effective = current
			return nil
		}

		encoded, marshalErr := json.Marshal(candidate)
		if marshalErr != nil {
			return marshalErr
		}
		if setErr := txn.Set(key, encoded); setErr != nil {
			return setErr
		}
		effective = candidate
		applied = true
		return nil
	})
	if err != nil {
		return Head{}, false, amerr.Wrap(amerr.KindIOError, "UpsertHead", candidate.Path, err)
	}
	return effective, applied, nil
}

// ScanHeads iterates every head in the slot, invoking fn for each. Used
// by anti-entropy to build a bucket digest and by GC to compute the
// reachable-part set. Iteration order is key order (lexical by path),
// which is stable across calls but not meaningful beyond that.
func (s *Store) ScanHeads(fn func(Head) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := keyHeadPrefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var h Head
			if valErr := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &h)
			}); valErr != nil {
				return valErr
			}
			if fnErr := fn(h); fnErr != nil {
				return fnErr
			}
		}
		return nil
	})
	if err != nil {
		return amerr.Wrap(amerr.KindIOError, "ScanHeads", "", err)
	}
	return nil
}

// UpsertPartRef records that sha256 belongs to path's lineage.
func (s *Store) UpsertPartRef(ref PartRef) error {
	encoded, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyPartRef(ref.Path, ref.SHA256), encoded)
	})
	if err != nil {
		return amerr.Wrap(amerr.KindIOError, "UpsertPartRef", ref.Path, err)
	}
	return nil
}

// ListPartsForHead returns every part digest ever referenced under
// path, regardless of whether it's the digest the current head points
// at. GC does not call it: GC's reachable set comes from ScanHeads, and
// its candidates from the part files on disk.
func (s *Store) ListPartsForHead(path string) ([]PartRef, error) {
	var refs []PartRef
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := keyPartRefPrefix(path)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ref PartRef
			if valErr := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ref)
			}); valErr != nil {
				return valErr
			}
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return nil, amerr.Wrap(amerr.KindIOError, "ListPartsForHead", path, err)
	}
	return refs, nil
}

// RemovePartRef deletes a part reference once GC has deleted the
// corresponding on-disk part file.
func (s *Store) RemovePartRef(path, hexSHA string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyPartRef(path, hexSHA))
	})
	if err != nil {
		return amerr.Wrap(amerr.KindIOError, "RemovePartRef", path, err)
	}
	return nil
}

// LookupWrite returns a previously recorded write outcome for
// (path, writeID), if any. The coordinator consults this before staging
// any bytes so that a retried PUT with the same write_id is a no-op
// rather than a second apply (spec section 4.6). write_id is scoped to
// path because it is an arbitrary client-supplied token with no
// uniqueness guarantee across paths (spec section 4.4).
func (s *Store) LookupWrite(path, writeID string) (rec WriteRecord, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(keyWriteID(path, writeID))
		if getErr != nil {
			if errors.Is(getErr, badger.ErrKeyNotFound) {
				return nil
			}
			return getErr
		}
		ok = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return WriteRecord{}, false, amerr.Wrap(amerr.KindIOError, "LookupWrite", writeID, err)
	}
	return rec, ok, nil
}

// RecordWrite stores a write's outcome under its (path, write_id).
// Entries are swept by VacuumWriteIDs once they age past the configured
// retention window; there is no hard expiry enforced at write time.
func (s *Store) RecordWrite(rec WriteRecord) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyWriteID(rec.Path, rec.WriteID), encoded)
	})
	if err != nil {
		return amerr.Wrap(amerr.KindIOError, "RecordWrite", rec.WriteID, err)
	}
	return nil
}

// VacuumWriteIDs deletes recorded write outcomes older than olderThan.
// Returns the number of entries removed.
func (s *Store) VacuumWriteIDs(olderThan time.Time) (int, error) {
	var toDelete [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixWriteID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec WriteRecord
			if valErr := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); valErr != nil {
				return valErr
			}
			if rec.CommittedAt.Before(olderThan) {
				key := append([]byte(nil), it.Item().Key()...)
				toDelete = append(toDelete, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, amerr.Wrap(amerr.KindIOError, "VacuumWriteIDs", "", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range toDelete {
			if delErr := txn.Delete(key); delErr != nil {
				return delErr
			}
		}
		return nil
	})
	if err != nil {
		return 0, amerr.Wrap(amerr.KindIOError, "VacuumWriteIDs", "", err)
	}
	return len(toDelete), nil
}

// VacuumTombstones deletes head records that are tombstones committed
// before olderThan. It does not check whether part files or PartRefs
// remain under those paths. Returns the paths removed.
func (s *Store) VacuumTombstones(olderThan time.Time) ([]string, error) {
	var removed []string
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := keyHeadPrefix()
		var keysToDelete [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var h Head
			if valErr := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &h)
			}); valErr != nil {
				return valErr
			}
			if h.Tombstone && h.CommittedAt.Before(olderThan) {
				key := append([]byte(nil), it.Item().Key()...)
				keysToDelete = append(keysToDelete, key)
				removed = append(removed, h.Path)
			}
		}
		for _, key := range keysToDelete {
			if delErr := txn.Delete(key); delErr != nil {
				return delErr
			}
		}
		return nil
	})
	if err != nil {
		return nil, amerr.Wrap(amerr.KindIOError, "VacuumTombstones", "", err)
	}
	sort.Strings(removed)
	return removed, nil
}

// UpsertArchiveRef records that a part has been copied to the archive
// tier (spec section 4.10).
func (s *Store) UpsertArchiveRef(ref ArchiveRef) error {
	encoded, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyArchive(ref.Path, ref.SHA256), encoded)
	})
	if err != nil {
		return amerr.Wrap(amerr.KindIOError, "UpsertArchiveRef", ref.Path, err)
	}
	return nil
}

// ArchiveRefFor returns the archive-tier pointer for a part, if one
// exists. ReadPath consults this as the last-resort fallback when no
// peer replica has the part locally.
func (s *Store) ArchiveRefFor(path, hexSHA string) (ref ArchiveRef, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(keyArchive(path, hexSHA))
		if getErr != nil {
			if errors.Is(getErr, badger.ErrKeyNotFound) {
				return nil
			}
			return getErr
		}
		ok = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ref)
		})
	})
	if err != nil {
		return ArchiveRef{}, false, amerr.Wrap(amerr.KindIOError, "ArchiveRefFor", path, err)
	}
	return ref, ok, nil
}

// ListArchiveRefs returns every archive-tier pointer recorded for path.
func (s *Store) ListArchiveRefs(path string) ([]ArchiveRef, error) {
	var refs []ArchiveRef
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := keyArchivePrefix(path)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ref ArchiveRef
			if valErr := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ref)
			}); valErr != nil {
				return valErr
			}
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return nil, amerr.Wrap(amerr.KindIOError, "ListArchiveRefs", path, err)
	}
	return refs, nil
}

// BucketDigest summarizes every head in the slot into a form
// anti-entropy can diff cheaply against a peer's digest without
// transferring full head records (spec section 4.8). It is keyed by
// path so peers can compute a set difference directly.
type BucketDigest map[string]HeadFingerprint

// HeadFingerprint is the comparable projection of a Head used in a
// BucketDigest: just enough to decide whether two replicas agree.
type HeadFingerprint struct {
	Generation  uint64
	ContentHash string
	Tombstone   bool
}

// Digest builds this slot's BucketDigest by scanning every head.
func (s *Store) Digest() (BucketDigest, error) {
	digest := make(BucketDigest)
	err := s.ScanHeads(func(h Head) error {
		digest[h.Path] = HeadFingerprint{
			Generation:  h.Generation,
			ContentHash: h.ContentHash(),
			Tombstone:   h.Tombstone,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return digest, nil
}

// Diff compares a local digest against a peer's, returning the paths
// where the peer's fingerprint differs (peer is missing the path,
// has it, or disagrees on generation/hash/tombstone state). Anti-entropy
// fetches the peer's full Head for each returned path to decide which
// side, if any, needs healing.
func (d BucketDigest) Diff(peer BucketDigest) []string {
	seen := make(map[string]struct{}, len(d)+len(peer))
	var out []string
	for path, local := range d {
		if peerFp, ok := peer[path]; !ok || peerFp != local {
			out = append(out, path)
		}
		seen[path] = struct{}{}
	}
	for path := range peer {
		if _, ok := seen[path]; ok {
			continue
		}
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}
