package replica

import (
	"context"
	"io"

	"github.com/amberio/amberio/pkg/amerr"
	"github.com/amberio/amberio/pkg/cluster"
	"github.com/amberio/amberio/pkg/meta"
	"github.com/amberio/amberio/pkg/slot"
)

// InProcess is a Client that calls directly into local slot.Engines,
// skipping the network entirely. It is used for the self-replica (the
// node fanning out to itself needs no socket round-trip) and for tests
// that want a multi-node cluster without binding real ports.
type InProcess struct {
	resolve SlotResolver
}

// NewInProcess builds an InProcess client backed by resolve. node is
// accepted on every call for interface compatibility with HTTPClient
// but ignored; the resolver decides which engine answers.
func NewInProcess(resolve SlotResolver) *InProcess {
	return &InProcess{resolve: resolve}
}

func (c *InProcess) engine(slotID int) (*slot.Engine, error) {
	e, ok := c.resolve(slotID)
	if !ok {
		return nil, amerr.New(amerr.KindUnavailable, "InProcess", "")
	}
	return e, nil
}

func (c *InProcess) PushPart(ctx context.Context, node cluster.Node, slotID int, path, hexSHA string, length uint64, r io.Reader) error {
	e, err := c.engine(slotID)
	if err != nil {
		return err
	}
	ref, err := e.ApplyPart(ctx, path, r)
	if err != nil {
		return err
	}
	if ref.HexSHA256() != hexSHA {
		return amerr.New(amerr.KindDigestMismatch, "PushPart", path)
	}
	return nil
}

func (c *InProcess) CommitHead(ctx context.Context, node cluster.Node, slotID int, candidate meta.Head) (meta.Head, bool, error) {
	e, err := c.engine(slotID)
	if err != nil {
		return meta.Head{}, false, err
	}
	return e.CommitHead(candidate)
}

func (c *InProcess) FetchHead(ctx context.Context, node cluster.Node, slotID int, path string) (meta.Head, bool, error) {
	e, err := c.engine(slotID)
	if err != nil {
		return meta.Head{}, false, err
	}
	return e.HeadOf(path)
}

func (c *InProcess) FetchPart(ctx context.Context, node cluster.Node, slotID int, path, hexSHA string) (io.ReadCloser, error) {
	e, err := c.engine(slotID)
	if err != nil {
		return nil, err
	}
	return e.OpenPart(path, hexSHA)
}

func (c *InProcess) BucketDigest(ctx context.Context, node cluster.Node, slotID int, bucketPrefixLen int) (map[string]string, error) {
	e, err := c.engine(slotID)
	if err != nil {
		return nil, err
	}
	digest, err := e.Meta.Digest()
	if err != nil {
		return nil, err
	}
	return Bucketize(digest, bucketPrefixLen), nil
}

func (c *InProcess) BucketList(ctx context.Context, node cluster.Node, slotID int, bucket string) ([]meta.Head, error) {
	e, err := c.engine(slotID)
	if err != nil {
		return nil, err
	}
	var heads []meta.Head
	err = e.Meta.ScanHeads(func(h meta.Head) error {
		if BucketOf(h.Path, len(bucket)) == bucket {
			heads = append(heads, h)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return heads, nil
}
