// Package replica implements ReplicaClient (spec component C5): the
// point-to-point RPC surface between nodes that own the same slot.
//
// Every call carries a slot id and a deadline via ctx, and its failures
// can be classified as transient or permanent with amerr.Transient.
package replica

import (
	"context"
	"io"

	"github.com/amberio/amberio/pkg/cluster"
	"github.com/amberio/amberio/pkg/meta"
)

// Client is the RPC surface one node uses to talk to a peer that owns
// the same slot. Implementations: an HTTP/JSON transport for real
// peers, and an in-process transport that calls directly into a local
// slot.Engine (used for the self-replica and in tests, where going
// through a socket would only add noise).
type Client interface {
	// PushPart streams a part's bytes to the peer and reports whether
	// the peer accepted it. A digest mismatch is a permanent failure,
	// not an error worth retrying.
	PushPart(ctx context.Context, node cluster.Node, slotID int, path, hexSHA string, length uint64, r io.Reader) error

	// CommitHead asks the peer to apply candidate via its own
	// SlotEngine.CommitHead, returning the peer's resulting effective
	// head and whether the candidate itself was the one applied.
	CommitHead(ctx context.Context, node cluster.Node, slotID int, candidate meta.Head) (effective meta.Head, applied bool, err error)

	// FetchHead returns the peer's current head for path, if any.
	FetchHead(ctx context.Context, node cluster.Node, slotID int, path string) (head meta.Head, found bool, err error)

	// FetchPart streams a part's bytes from the peer. Callers must
	// close the returned reader.
	FetchPart(ctx context.Context, node cluster.Node, slotID int, path, hexSHA string) (io.ReadCloser, error)

	// BucketDigest returns the peer's per-bucket digest for a slot, used
	// by anti-entropy to find buckets worth diffing in full.
	BucketDigest(ctx context.Context, node cluster.Node, slotID int, bucketPrefixLen int) (map[string]string, error)

	// BucketList returns every head in the given bucket on the peer,
	// used by anti-entropy once BucketDigest flags a bucket as
	// divergent.
	BucketList(ctx context.Context, node cluster.Node, slotID int, bucket string) ([]meta.Head, error)
}
