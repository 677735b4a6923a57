// Package coordinator implements Coordinator (spec component C6): the
// ingress-side orchestration of PUT and DELETE. It drives part fanout,
// head fanout, and quorum accounting. When this node has a local engine
// for the slot, it consults that engine's idempotency cache so a retried
// write_id returns the recorded outcome instead of re-executing; a
// coordinator with no local engine for the slot re-executes the write.
//
// A Coordinator never assumes it is the primary for a slot; any node may
// coordinate any request. Two coordinators racing on the same path both
// proceed, and the deterministic tiebreak in pkg/meta decides the
// winner on each replica independently.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/amberio/amberio/internal/logger"
	"github.com/amberio/amberio/internal/ratelimiter"
	"github.com/amberio/amberio/pkg/amerr"
	"github.com/amberio/amberio/pkg/cluster"
	"github.com/amberio/amberio/pkg/meta"
	"github.com/amberio/amberio/pkg/metrics"
	"github.com/amberio/amberio/pkg/replica"
	"github.com/amberio/amberio/pkg/router"
	"github.com/amberio/amberio/pkg/slot"
)

const defaultPartSize = 8 << 20 // 8 MiB, spec section 6

// PutResult is what a successful (or FromCache) PUT reports back to the
// caller.
type PutResult struct {
	Generation        uint64
	ETag              string
	CommittedReplicas int
	FromCache         bool
}

// DeleteResult mirrors PutResult for DELETE; there is no ETag and no
// idempotency cache to hit since DELETE is idempotent by generation
// monotonicity alone (spec section 4.6).
type DeleteResult struct {
	Generation        uint64
	CommittedReplicas int
}

// Coordinator drives PUT/DELETE across a replica set. One Coordinator
// can serve every slot on a node; it holds no per-slot state of its
// own, only the collaborators needed to route, fan out, and rate-limit.
type Coordinator struct {
	Router   *router.Router
	Client   replica.Client
	Self     cluster.Node
	Engines  replica.SlotResolver
	PartSize uint64
	Deadline time.Duration
	Limiter  *ratelimiter.RateLimiter
	Metrics  metrics.CoordinatorMetrics
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithPartSize overrides the default 8 MiB part size.
func WithPartSize(n uint64) Option {
	return func(c *Coordinator) { c.PartSize = n }
}

// WithDeadline overrides the default per-operation deadline.
func WithDeadline(d time.Duration) Option {
	return func(c *Coordinator) { c.Deadline = d }
}

// WithRateLimiter throttles this Coordinator's outbound peer RPC fanout.
// A nil limiter (the default) applies no throttling.
func WithRateLimiter(l *ratelimiter.RateLimiter) Option {
	return func(c *Coordinator) { c.Limiter = l }
}

// New builds a Coordinator. self identifies which replica node this
// process is, used to recognize when a fanout target is the local
// engine and to scope idempotency-cache writes to slots this node
// actually owns.
func New(r *router.Router, client replica.Client, self cluster.Node, engines replica.SlotResolver, opts ...Option) *Coordinator {
	c := &Coordinator{
		Router:   r,
		Client:   client,
		Self:     self,
		Engines:  engines,
		PartSize: defaultPartSize,
		Deadline: 10 * time.Second,
		Metrics:  metrics.NewCoordinatorMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) localEngine(slotID int) (*slot.Engine, bool) {
	if c.Engines == nil {
		return nil, false
	}
	return c.Engines(slotID)
}

func (c *Coordinator) wait(ctx context.Context) error {
	if c.Limiter == nil {
		return nil
	}
	return c.Limiter.Wait(ctx)
}

// Put stages body under path and fans it out to the replica set,
// returning once W replicas have committed the resulting head or the
// deadline expires.
func (c *Coordinator) Put(ctx context.Context, path, writeID string, body io.Reader) (result PutResult, err error) {
	start := time.Now()
	defer func() { c.Metrics.RecordWrite("put", time.Since(start), err) }()

	ctx, cancel := context.WithTimeout(ctx, c.Deadline)
	defer cancel()

	normalized, slotID, replicas, routeErr := c.Router.Route(path)
	if routeErr != nil {
		err = routeErr
		return PutResult{}, err
	}

	// Idempotency cache is scoped to slots this node has a local engine
	// for: a coordinator that is itself one of the slot's replicas
	// memoizes the write_id outcome; a pure ingress-only coordinator
	// skips the cache entirely rather than maintaining one for slots it
	// doesn't own. A retried write_id against such a coordinator simply
	// re-executes (spec section 9, "idempotency cache is local, not
	// replicated" — this is the same acceptable re-execution case,
	// just triggered by coordinator choice of ingress rather than by
	// peer choice).
	if writeID != "" {
		if engine, ok := c.localEngine(slotID); ok {
			if rec, hit, err := engine.LookupWrite(normalized, writeID); err != nil {
				return PutResult{}, err
			} else if hit && rec.Path == normalized {
				return PutResult{Generation: rec.Generation, ETag: rec.ETag, FromCache: true}, nil
			}
		}
	}

	parts, etag, err := c.stageParts(ctx, slotID, normalized, body)
	if err != nil {
		return PutResult{}, err
	}

	nextGen, err := c.nextGeneration(ctx, normalized, slotID, replicas)
	if err != nil {
		return PutResult{}, err
	}

	if err := c.fanoutParts(ctx, slotID, normalized, replicas, parts); err != nil {
		return PutResult{}, err
	}

	candidate := meta.Head{
		Path:        normalized,
		Generation:  nextGen,
		Parts:       parts,
		Size:        totalSize(parts),
		ETag:        etag,
		WriteID:     writeID,
		CommittedAt: time.Now(),
	}

	applied, acks, err := c.fanoutHead(ctx, slotID, replicas, candidate)
	c.Metrics.RecordQuorum("put", acks, cluster.Quorum(len(replicas)))
	if err != nil {
		return PutResult{}, err
	}
	if !applied {
		return PutResult{}, amerr.New(amerr.KindConflict, "Put", normalized)
	}

	return PutResult{Generation: nextGen, ETag: etag, CommittedReplicas: acks}, nil
}

// Delete installs a tombstone head for path, identical in fanout shape
// to Put but with no parts and no idempotency cache write.
func (c *Coordinator) Delete(ctx context.Context, path, writeID, reason string) (result DeleteResult, err error) {
	start := time.Now()
	defer func() { c.Metrics.RecordWrite("delete", time.Since(start), err) }()

	ctx, cancel := context.WithTimeout(ctx, c.Deadline)
	defer cancel()

	normalized, slotID, replicas, err := c.Router.Route(path)
	if err != nil {
		return DeleteResult{}, err
	}

	nextGen, err := c.nextGeneration(ctx, normalized, slotID, replicas)
	if err != nil {
		return DeleteResult{}, err
	}

	candidate := meta.Head{
		Path:        normalized,
		Generation:  nextGen,
		Tombstone:   true,
		Reason:      reason,
		WriteID:     writeID,
		CommittedAt: time.Now(),
	}

	applied, acks, err := c.fanoutHead(ctx, slotID, replicas, candidate)
	c.Metrics.RecordQuorum("delete", acks, cluster.Quorum(len(replicas)))
	if err != nil {
		return DeleteResult{}, err
	}
	if !applied {
		return DeleteResult{}, amerr.New(amerr.KindConflict, "Delete", normalized)
	}

	return DeleteResult{Generation: nextGen, CommittedReplicas: acks}, nil
}

// stageParts splits body into PartSize-byte chunks, stages each through
// the local PartStore (so fanoutParts has something to push), and
// returns the ordered PartPointer list plus the overall etag: hash of
// the concatenation of each part's hex sha256, per spec section 4.6
// step 3.
func (c *Coordinator) stageParts(ctx context.Context, slotID int, path string, body io.Reader) ([]meta.PartPointer, string, error) {
	engine, ok := c.localEngine(slotID)
	if !ok {
		return nil, "", amerr.New(amerr.KindUnavailable, "stageParts", path)
	}

	var parts []meta.PartPointer
	var offset uint64
	etagInput := sha256.New()

	limited := &io.LimitedReader{R: body, N: int64(c.PartSize)}
	for {
		limited.N = int64(c.PartSize)
		ref, err := engine.ApplyPart(ctx, path, limited)
		if err != nil {
			return nil, "", err
		}
		if ref.Length == 0 {
			if len(parts) == 0 {
				// Empty body: a single zero-length part is valid
				// (spec section 8 boundary tests).
				parts = append(parts, meta.PartPointer{SHA256: ref.HexSHA256(), Length: 0, Offset: 0})
				fmt.Fprint(etagInput, ref.HexSHA256())
			}
			break
		}

		parts = append(parts, meta.PartPointer{SHA256: ref.HexSHA256(), Length: ref.Length, Offset: offset})
		fmt.Fprint(etagInput, ref.HexSHA256())
		offset += ref.Length

		if ref.Length < c.PartSize {
			break // short read means the reader is exhausted
		}
	}

	return parts, hex.EncodeToString(etagInput.Sum(nil)), nil
}

// nextGeneration reads the local head (if any) and polls ceil(N/2)
// replicas for theirs, returning max+1.
func (c *Coordinator) nextGeneration(ctx context.Context, path string, slotID int, replicas []cluster.Node) (uint64, error) {
	var max uint64

	if engine, ok := c.localEngine(slotID); ok {
		if head, found, err := engine.HeadOf(path); err != nil {
			return 0, err
		} else if found && head.Generation > max {
			max = head.Generation
		}
	}

	poll := (len(replicas) + 1) / 2
	if poll > len(replicas) {
		poll = len(replicas)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, node := range replicas[:poll] {
		if node.ID == c.Self.ID {
			continue
		}
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.wait(ctx); err != nil {
				return
			}
			head, found, err := c.Client.FetchHead(ctx, node, slotID, path)
			if err != nil || !found {
				return
			}
			mu.Lock()
			if head.Generation > max {
				max = head.Generation
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	return max + 1, nil
}

// fanoutParts pushes every part to every replica, waiting until each
// part independently reaches W acks (spec section 4.6 step 5).
func (c *Coordinator) fanoutParts(ctx context.Context, slotID int, path string, replicas []cluster.Node, parts []meta.PartPointer) error {
	w := cluster.Quorum(len(replicas))

	for _, p := range parts {
		acked, err := c.pushPartToAll(ctx, slotID, path, replicas, p)
		if err != nil {
			return err
		}
		if acked < w {
			return amerr.New(amerr.KindQuorumFailed, "fanoutParts", path)
		}
	}
	return nil
}

func (c *Coordinator) pushPartToAll(ctx context.Context, slotID int, path string, replicas []cluster.Node, p meta.PartPointer) (int, error) {
	engine, haveLocal := c.localEngine(slotID)
	var acked int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, node := range replicas {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()

			var err error
			if node.ID == c.Self.ID && haveLocal {
				// stageParts already applied this part to the local
				// engine; nothing more to do.
			} else {
				if waitErr := c.wait(ctx); waitErr != nil {
					return
				}
				if !haveLocal {
					return
				}
				rc, openErr := engine.OpenPart(path, p.SHA256)
				if openErr != nil {
					return
				}
				defer rc.Close()
				err = c.Client.PushPart(ctx, node, slotID, path, p.SHA256, p.Length, rc)
			}

			if err == nil {
				mu.Lock()
				acked++
				mu.Unlock()
			} else if !amerr.Transient(err) {
				logger.Warn("coordinator: PushPart to %s for %s/%s: permanent failure: %v", node.ID, path, p.SHA256, err)
			}
		}()
	}
	wg.Wait()

	return acked, nil
}

// fanoutHead pushes candidate to every replica and counts
// applied-or-stale acks toward quorum, distinguishing three outcomes:
// this coordinator's own generation winning on ≥ W replicas (applied =
// true, success), combined applied+stale reaching W without the
// coordinator's own write winning on W of them (Conflict, handled by
// the caller checking applied), or neither within the deadline
// (QuorumFailed).
func (c *Coordinator) fanoutHead(ctx context.Context, slotID int, replicas []cluster.Node, candidate meta.Head) (applied bool, acks int, err error) {
	w := cluster.Quorum(len(replicas))
	engine, haveLocal := c.localEngine(slotID)

	var appliedCount, staleCount int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, node := range replicas {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()

			var effective meta.Head
			var wasApplied bool
			var callErr error

			if node.ID == c.Self.ID && haveLocal {
				effective, wasApplied, callErr = engine.CommitHead(candidate)
			} else {
				if waitErr := c.wait(ctx); waitErr != nil {
					return
				}
				effective, wasApplied, callErr = c.Client.CommitHead(ctx, node, slotID, candidate)
			}

			if callErr != nil {
				if !amerr.Transient(callErr) {
					logger.Warn("coordinator: CommitHead to %s for %s: permanent failure: %v", node.ID, candidate.Path, callErr)
				}
				return
			}

			mu.Lock()
			defer mu.Unlock()
			if wasApplied && effective.Generation == candidate.Generation {
				appliedCount++
			} else if effective.Generation >= candidate.Generation {
				staleCount++
			}
		}()
	}
	wg.Wait()

	acks = appliedCount + staleCount

	switch {
	case appliedCount >= w:
		applied = true
	case acks >= w:
		applied = false // Conflict: quorum reached but not by this write
	default:
		return false, acks, amerr.New(amerr.KindQuorumFailed, "fanoutHead", candidate.Path)
	}

	return applied, acks, nil
}

func totalSize(parts []meta.PartPointer) uint64 {
	var sum uint64
	for _, p := range parts {
		sum += p.Length
	}
	return sum
}
