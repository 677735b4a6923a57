// Package readpath implements ReadPath (spec component C7): resolving a
// path's effective head and streaming its parts, falling back to peer
// replicas and writing back whatever it fetches so the next read is
// local.
package readpath

import (
	"context"
	"io"

	"github.com/amberio/amberio/internal/logger"
	"github.com/amberio/amberio/pkg/amerr"
	"github.com/amberio/amberio/pkg/cluster"
	"github.com/amberio/amberio/pkg/meta"
	"github.com/amberio/amberio/pkg/replica"
	"github.com/amberio/amberio/pkg/router"
	"github.com/amberio/amberio/pkg/slot"
)

// Archiver is the read side of the cold archive tier (spec component
// C10): fetching a part's bytes back out of wherever GC packed them
// once eviction reclaimed the local copy.
type Archiver interface {
	Fetch(ctx context.Context, slotID int, path, hexSHA string) (io.ReadCloser, error)
}

// ReadPath resolves GETs for a node that may or may not locally own the
// slot a path hashes to.
type ReadPath struct {
	Router   *router.Router
	Client   replica.Client
	Self     cluster.Node
	Engines  replica.SlotResolver
	Archiver Archiver
}

// New builds a ReadPath. archiver may be nil, in which case openPart's
// fallback chain ends at local storage and peer replicas.
func New(r *router.Router, client replica.Client, self cluster.Node, engines replica.SlotResolver, archiver Archiver) *ReadPath {
	return &ReadPath{Router: r, Client: client, Self: self, Engines: engines, Archiver: archiver}
}

// Result is what Get returns on success: the effective head (so callers
// can report size/etag/generation) and a stream of the body in part
// order. Callers must close Body.
type Result struct {
	Head meta.Head
	Body io.ReadCloser
}

// Get resolves path to its effective head and returns a stream of its
// body. Returns amerr.KindNotFound if no head exists anywhere reachable,
// or amerr.KindTombstoned if the effective head is a tombstone.
func (rp *ReadPath) Get(ctx context.Context, path string) (Result, error) {
	normalized, slotID, replicas, err := rp.Router.Route(path)
	if err != nil {
		return Result{}, err
	}

	head, engine, err := rp.resolveHead(ctx, normalized, slotID, replicas)
	if err != nil {
		return Result{}, err
	}
	if head.Tombstone {
		return Result{}, amerr.New(amerr.KindTombstoned, "Get", normalized)
	}

	body := rp.streamParts(ctx, normalized, slotID, replicas, engine, head.Parts)
	return Result{Head: head, Body: body}, nil
}

// resolveHead prefers the local engine's head for the slot; if the
// local replica has no head for path, it polls peers and lazily repairs
// by committing the winning head locally before returning it, per spec
// section 4.7 step 4.
func (rp *ReadPath) resolveHead(ctx context.Context, path string, slotID int, replicas []cluster.Node) (meta.Head, *slot.Engine, error) {
	engine, haveLocal := rp.localEngine(slotID)
	if haveLocal {
		if head, found, err := engine.HeadOf(path); err != nil {
			return meta.Head{}, nil, err
		} else if found {
			return head, engine, nil
		}
	}

	var best meta.Head
	var haveBest bool
	for _, node := range replicas {
		if node.ID == rp.Self.ID {
			continue
		}
		head, found, err := rp.Client.FetchHead(ctx, node, slotID, path)
		if err != nil || !found {
			continue
		}
		if !haveBest || head.Supersedes(best) {
			best = head
			haveBest = true
		}
	}
	if !haveBest {
		return meta.Head{}, nil, amerr.New(amerr.KindNotFound, "Get", path)
	}

	if haveLocal {
		if effective, _, err := engine.CommitHead(best); err == nil {
			return effective, engine, nil
		}
		// Lazy repair is best-effort; serve the peer's head even if the
		// local commit failed.
	}
	return best, engine, nil
}

// streamParts returns a reader that yields each part's bytes in order,
// preferring local storage and falling back to peers with write-back.
func (rp *ReadPath) streamParts(ctx context.Context, path string, slotID int, replicas []cluster.Node, engine *slot.Engine, parts []meta.PartPointer) io.ReadCloser {
	readers := make([]func() (io.ReadCloser, error), len(parts))
	for i, p := range parts {
		p := p
		readers[i] = func() (io.ReadCloser, error) {
			return rp.openPart(ctx, path, slotID, replicas, engine, p)
		}
	}
	return &multiPartReader{open: readers}
}

// openPart returns a reader for one part, preferring the local copy and
// falling back to any replica that has it, writing the fetched bytes
// back into the local PartStore (spec section 4.7 step 3's "write it
// back via PartStore before streaming"). A local part that fails
// VerifyPart is treated the same as a missing one rather than trusted:
// spec section 4.7 step 3 calls out "missing or digest-mismatched part"
// as the same fallback trigger. If every replica also fails, the
// archive tier is consulted last, per section 4.10.
func (rp *ReadPath) openPart(ctx context.Context, path string, slotID int, replicas []cluster.Node, engine *slot.Engine, p meta.PartPointer) (io.ReadCloser, error) {
	if engine != nil {
		if err := engine.VerifyPart(path, p.SHA256); err == nil {
			if rc, err := engine.OpenPart(path, p.SHA256); err == nil {
				return rc, nil
			}
		} else if amerr.Is(err, amerr.KindDigestMismatch) {
			logger.Warn("readpath: local part %s for %s failed verification, falling back: %v", p.SHA256, path, err)
		}
	}

	for _, node := range replicas {
		if node.ID == rp.Self.ID {
			continue
		}
		rc, err := rp.Client.FetchPart(ctx, node, slotID, path, p.SHA256)
		if err != nil {
			continue
		}

		if engine == nil {
			return rc, nil
		}

		ref, err := engine.ApplyPart(ctx, path, rc)
		rc.Close()
		if err != nil || ref.HexSHA256() != p.SHA256 {
			logger.Warn("readpath: repairing part %s for %s from %s failed: %v", p.SHA256, path, node.ID, err)
			continue
		}
		if repaired, openErr := engine.OpenPart(path, p.SHA256); openErr == nil {
			return repaired, nil
		}
	}

	if rp.Archiver != nil {
		rc, err := rp.Archiver.Fetch(ctx, slotID, path, p.SHA256)
		if err == nil {
			if engine == nil {
				return rc, nil
			}
			ref, applyErr := engine.ApplyPart(ctx, path, rc)
			rc.Close()
			if applyErr == nil && ref.HexSHA256() == p.SHA256 {
				if repaired, openErr := engine.OpenPart(path, p.SHA256); openErr == nil {
					return repaired, nil
				}
			} else {
				logger.Warn("readpath: repairing part %s for %s from archive failed: %v", p.SHA256, path, applyErr)
			}
		}
	}

	return nil, amerr.New(amerr.KindNotFound, "openPart", path)
}

func (rp *ReadPath) localEngine(slotID int) (*slot.Engine, bool) {
	if rp.Engines == nil {
		return nil, false
	}
	return rp.Engines(slotID)
}

// multiPartReader concatenates a sequence of lazily-opened parts into
// one io.ReadCloser, opening each part only as the previous one is
// exhausted so a GET of a large multi-part object never holds more than
// one part's reader open at a time.
type multiPartReader struct {
	open    []func() (io.ReadCloser, error)
	idx     int
	current io.ReadCloser
}

func (m *multiPartReader) Read(p []byte) (int, error) {
	for {
		if m.current == nil {
			if m.idx >= len(m.open) {
				return 0, io.EOF
			}
			rc, err := m.open[m.idx]()
			if err != nil {
				return 0, err
			}
			m.current = rc
			m.idx++
		}

		n, err := m.current.Read(p)
		if err == io.EOF {
			m.current.Close()
			m.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (m *multiPartReader) Close() error {
	if m.current != nil {
		return m.current.Close()
	}
	return nil
}
