// Package archive implements ArchiveTier (spec component C10): a cold
// overflow tier that packs parts into shared S3 objects so the local
// part store can shed bytes that GC would otherwise have to keep
// around forever for paths nobody reads anymore.
//
// Unlike the teacher's S3 content store, this tier never maps one part
// to one S3 key. Parts are typically far smaller than the 5 MiB S3
// multipart minimum, so Archive appends each part's bytes to a shared
// "segment" object and records the resulting byte range. Appending
// rewrites the whole segment object (read it back, append, PutObject),
// but bytes already in a segment never move, so a recorded range stays
// valid and is read back with a ranged GetObject.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/amberio/amberio/internal/logger"
	"github.com/amberio/amberio/pkg/amerr"
	"github.com/amberio/amberio/pkg/meta"
)

// Client is the subset of *s3.Client the tier calls, narrowed so tests
// can substitute a fake without standing up a real bucket.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Config holds the tier's tunables (spec section 6's archive.* keys).
type Config struct {
	Enabled                bool
	Bucket                 string
	Region                 string
	KeyPrefix              string
	PartMultipartThreshold uint64
}

// DefaultConfig returns spec section 6's defaults for the archive tier.
func DefaultConfig() Config {
	return Config{
		Enabled:                false,
		PartMultipartThreshold: 16 << 20,
	}
}

// Tier archives parts to S3 and serves them back by ranged GetObject.
// One Tier is shared by every slot on a node; segments are keyed by
// slot so two slots never contend on the same open segment.
type Tier struct {
	client Client
	meta   map[int]*meta.Store
	cfg    Config

	mu       sync.Mutex
	segments map[int]*openSegment
}

// openSegment tracks the currently-filling S3 object for one slot.
type openSegment struct {
	key    string
	offset uint64
}

// New builds a Tier. metaBySlot resolves a slot's MetaStore for
// recording and looking up ArchiveRefs.
func New(client Client, metaBySlot map[int]*meta.Store, cfg Config) *Tier {
	return &Tier{
		client:   client,
		meta:     metaBySlot,
		cfg:      cfg,
		segments: make(map[int]*openSegment),
	}
}

// Archive appends a part's bytes to the tier's current open segment for
// slot (or writes it as a standalone object, for parts at or above
// PartMultipartThreshold, where packing buys nothing), and records the
// resulting ArchiveRef.
func (t *Tier) Archive(ctx context.Context, slotID int, path, hexSHA string, r io.Reader, length uint64) (meta.ArchiveRef, error) {
	if !t.cfg.Enabled {
		return meta.ArchiveRef{}, amerr.New(amerr.KindUnavailable, "Archive", path)
	}
	if err := ctx.Err(); err != nil {
		return meta.ArchiveRef{}, err
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return meta.ArchiveRef{}, amerr.Wrap(amerr.KindIOError, "Archive", path, err)
	}
	if uint64(len(body)) != length {
		return meta.ArchiveRef{}, amerr.New(amerr.KindDigestMismatch, "Archive", path)
	}
	if sum := sha256.Sum256(body); hex.EncodeToString(sum[:]) != hexSHA {
		return meta.ArchiveRef{}, amerr.New(amerr.KindDigestMismatch, "Archive", path)
	}

	var ref meta.ArchiveRef
	if length >= t.cfg.PartMultipartThreshold {
		ref, err = t.archiveStandalone(ctx, slotID, path, hexSHA, body)
	} else {
		ref, err = t.archivePacked(ctx, slotID, path, hexSHA, body)
	}
	if err != nil {
		return meta.ArchiveRef{}, err
	}

	store, ok := t.meta[slotID]
	if !ok {
		return meta.ArchiveRef{}, amerr.New(amerr.KindUnavailable, "Archive", path)
	}
	if err := store.UpsertArchiveRef(ref); err != nil {
		return meta.ArchiveRef{}, err
	}
	logger.Debug("archive: slot %d packed %s/%s into %s[%d:%d]", slotID, path, hexSHA, ref.ExternalKey, ref.RangeStart, ref.RangeEnd)
	return ref, nil
}

func (t *Tier) archiveStandalone(ctx context.Context, slotID int, path, hexSHA string, body []byte) (meta.ArchiveRef, error) {
	key := t.objectKey(fmt.Sprintf("standalone/%s", hexSHA))
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return meta.ArchiveRef{}, amerr.Wrap(amerr.KindIOError, "archiveStandalone", path, err)
	}
	return meta.ArchiveRef{
		Path:           path,
		SHA256:         hexSHA,
		ExternalBucket: t.cfg.Bucket,
		ExternalKey:    key,
		RangeStart:     0,
		RangeEnd:       uint64(len(body)),
	}, nil
}

// archivePacked appends body to the slot's current segment object via a
// read-then-rewrite PutObject. S3 has no native append; this is
// acceptable because segments stay small (bounded by
// PartMultipartThreshold) and archiving runs off the hot write path,
// driven only by GC's eviction pass.
func (t *Tier) archivePacked(ctx context.Context, slotID int, path, hexSHA string, body []byte) (meta.ArchiveRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seg := t.segments[slotID]
	if seg == nil || seg.offset+uint64(len(body)) > t.cfg.PartMultipartThreshold {
		seg = &openSegment{key: t.objectKey(fmt.Sprintf("segments/slot-%d/%s", slotID, newSegmentID()))}
		t.segments[slotID] = seg
	}

	existing, err := t.readSegment(ctx, seg.key)
	if err != nil {
		return meta.ArchiveRef{}, err
	}

	start := uint64(len(existing))
	combined := append(existing, body...)

	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(seg.key),
		Body:   bytes.NewReader(combined),
	})
	if err != nil {
		return meta.ArchiveRef{}, amerr.Wrap(amerr.KindIOError, "archivePacked", path, err)
	}
	seg.offset = uint64(len(combined))

	return meta.ArchiveRef{
		Path:           path,
		SHA256:         hexSHA,
		ExternalBucket: t.cfg.Bucket,
		ExternalKey:    seg.key,
		RangeStart:     start,
		RangeEnd:       uint64(len(combined)),
	}, nil
}

func (t *Tier) readSegment(ctx context.Context, key string) ([]byte, error) {
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, amerr.Wrap(amerr.KindIOError, "readSegment", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Fetch returns a ranged read of the part's bytes from wherever it was
// packed, using the slot's recorded ArchiveRef.
func (t *Tier) Fetch(ctx context.Context, slotID int, path, hexSHA string) (io.ReadCloser, error) {
	store, ok := t.meta[slotID]
	if !ok {
		return nil, amerr.New(amerr.KindUnavailable, "Fetch", path)
	}
	ref, found, err := store.ArchiveRefFor(path, hexSHA)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, amerr.New(amerr.KindNotFound, "Fetch", path)
	}

	rangeStr := fmt.Sprintf("bytes=%d-%d", ref.RangeStart, ref.RangeEnd-1)
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.ExternalBucket),
		Key:    aws.String(ref.ExternalKey),
		Range:  aws.String(rangeStr),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, amerr.New(amerr.KindNotFound, "Fetch", path)
		}
		return nil, amerr.Wrap(amerr.KindIOError, "Fetch", path, err)
	}
	return out.Body, nil
}

// Evictable reports whether a part has already been durably archived,
// the condition GC uses to decide it's safe to delete the local copy
// without first archiving it again.
func (t *Tier) Evictable(ctx context.Context, slotID int, path, hexSHA string) (bool, error) {
	store, ok := t.meta[slotID]
	if !ok {
		return false, amerr.New(amerr.KindUnavailable, "Evictable", path)
	}
	_, found, err := store.ArchiveRefFor(path, hexSHA)
	return found, err
}

func (t *Tier) objectKey(suffix string) string {
	if t.cfg.KeyPrefix == "" {
		return suffix
	}
	return t.cfg.KeyPrefix + "/" + suffix
}

func isNoSuchKey(err error) bool {
	_, ok := err.(*types.NoSuchKey)
	return ok
}

var segmentCounter struct {
	mu sync.Mutex
	n  uint64
}

// newSegmentID returns a monotonically increasing identifier for new
// segment objects, scoped to process lifetime. Segment keys only need
// to be unique within a slot's segment namespace, never globally stable.
func newSegmentID() string {
	segmentCounter.mu.Lock()
	defer segmentCounter.mu.Unlock()
	segmentCounter.n++
	return fmt.Sprintf("%016x", segmentCounter.n)
}
