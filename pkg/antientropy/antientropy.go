// Package antientropy implements AntiEntropy (spec component C8): a
// background per-slot loop that reconciles replicas from current head
// snapshots rather than an operation log. It runs three phases against
// each peer in turn: a local bucket digest, a diff against the peer's
// digest, and a healing pass that applies the peer's winning heads
// through the same SlotEngine.CommitHead every other write path uses.
package antientropy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/amberio/amberio/internal/logger"
	"github.com/amberio/amberio/pkg/amerr"
	"github.com/amberio/amberio/pkg/cluster"
	"github.com/amberio/amberio/pkg/meta"
	"github.com/amberio/amberio/pkg/metrics"
	"github.com/amberio/amberio/pkg/replica"
	"github.com/amberio/amberio/pkg/slot"
)

// Config holds the tunables spec section 6 names for anti-entropy.
type Config struct {
	Interval        time.Duration
	BatchObjects    int
	BucketPrefixLen int
	PartParallelism int
}

// DefaultConfig returns spec section 6's defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		BatchObjects:    1000,
		BucketPrefixLen: 2,
		PartParallelism: 8,
	}
}

// Result summarizes one cycle against one peer.
type Result struct {
	Peer          cluster.Node
	BucketsDiffed int
	PathsHealed   int
	PathsSkipped  int
	Errors        []string
}

// Loop drives the periodic repair cycle for one owned slot against one
// or more peers.
type Loop struct {
	SlotID  int
	Self    cluster.Node
	Engine  *slot.Engine
	Client  replica.Client
	Peers   func() []cluster.Node
	Config  Config
	Metrics metrics.AntiEntropyMetrics

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// New builds a Loop for one owned slot. peers is called fresh each
// cycle so membership changes take effect without restarting the loop.
func New(slotID int, self cluster.Node, engine *slot.Engine, client replica.Client, peers func() []cluster.Node, cfg Config) *Loop {
	return &Loop{
		SlotID:  slotID,
		Self:    self,
		Engine:  engine,
		Client:  client,
		Peers:   peers,
		Config:  cfg,
		Metrics: metrics.NewAntiEntropyMetrics(),
	}
}

// Start runs the loop in the background: immediately, then every
// Config.Interval, until Stop is called. Starting an already-running
// loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	go l.run(ctx)
}

// Stop halts the background loop. Stopping a stopped loop is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	close(l.stopCh)
}

func (l *Loop) run(ctx context.Context) {
	l.RunCycle(ctx)

	ticker := time.NewTicker(l.Config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.RunCycle(ctx)
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunCycle executes one repair pass against every current peer. It is
// exported so node startup and read-path-detected gaps can trigger an
// out-of-band cycle (spec section 4.8's "also on node start and on
// read-path detection of missing parts").
func (l *Loop) RunCycle(ctx context.Context) []Result {
	start := time.Now()
	peers := l.Peers()
	results := make([]Result, 0, len(peers))

	var healed, errCount int
	for _, peer := range peers {
		if peer.ID == l.Self.ID {
			continue
		}
		res := l.cyclePeer(ctx, peer)
		healed += res.PathsHealed
		errCount += len(res.Errors)
		results = append(results, res)
	}

	l.Metrics.RecordCycle(time.Since(start), healed, errCount)
	return results
}

func (l *Loop) cyclePeer(ctx context.Context, peer cluster.Node) Result {
	res := Result{Peer: peer}

	localDigest, err := l.Engine.Meta.Digest()
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	localBuckets := replica.Bucketize(localDigest, l.Config.BucketPrefixLen)

	peerBuckets, err := l.Client.BucketDigest(ctx, peer, l.SlotID, l.Config.BucketPrefixLen)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	diffBuckets := diffingBuckets(localBuckets, peerBuckets)
	res.BucketsDiffed = len(diffBuckets)
	if len(diffBuckets) > 0 {
		l.Metrics.RecordDigestMismatch(peer.ID)
	}

	healed, skipped := 0, 0
	for _, bucket := range diffBuckets {
		peerHeads, err := l.Client.BucketList(ctx, peer, l.SlotID, bucket)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}

		for _, peerHead := range peerHeads {
			if healed+skipped >= l.Config.BatchObjects {
				res.PathsSkipped += len(peerHeads) - healed - skipped
				logger.Warn("anti-entropy: slot %d batch limit %d reached against %s, %d paths deferred to next cycle", l.SlotID, l.Config.BatchObjects, peer.ID, res.PathsSkipped)
				return finish(res, healed, skipped)
			}

			didHeal, err := l.healPath(ctx, peer, peerHead)
			if err != nil {
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			if didHeal {
				healed++
			} else {
				skipped++
			}
		}
	}

	return finish(res, healed, skipped)
}

func finish(res Result, healed, skipped int) Result {
	res.PathsHealed = healed
	res.PathsSkipped += skipped
	return res
}

// healPath applies peerHead locally if it wins the tiebreak against
// whatever head is currently stored, pulling any missing parts first.
func (l *Loop) healPath(ctx context.Context, peer cluster.Node, peerHead meta.Head) (bool, error) {
	local, found, err := l.Engine.HeadOf(peerHead.Path)
	if err != nil {
		return false, err
	}
	if found && !peerHead.Supersedes(local) {
		return false, nil
	}

	if !peerHead.Tombstone {
		if err := l.fetchMissingParts(ctx, peer, peerHead); err != nil {
			return false, err
		}
	}

	_, applied, err := l.Engine.CommitHead(peerHead)
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (l *Loop) fetchMissingParts(ctx context.Context, peer cluster.Node, head meta.Head) error {
	sem := make(chan struct{}, l.Config.PartParallelism)
	var wg sync.WaitGroup
	errs := make(chan error, len(head.Parts))

	for _, p := range head.Parts {
		if verifyErr := l.Engine.VerifyPart(head.Path, p.SHA256); verifyErr == nil {
			continue
		} else if !amerr.Is(verifyErr, amerr.KindNotFound) && !amerr.Is(verifyErr, amerr.KindDigestMismatch) {
			return verifyErr
		}

		p := p
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			rc, err := l.Client.FetchPart(ctx, peer, l.SlotID, head.Path, p.SHA256)
			if err != nil {
				errs <- err
				return
			}
			defer rc.Close()

			ref, err := l.Engine.ApplyPart(ctx, head.Path, rc)
			if err != nil {
				errs <- err
				return
			}
			if ref.HexSHA256() != p.SHA256 {
				errs <- amerr.New(amerr.KindDigestMismatch, "fetchMissingParts", head.Path)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func diffingBuckets(local, peer map[string]string) []string {
	var out []string
	seen := make(map[string]bool)
	for bucket, localDigest := range local {
		if peer[bucket] != localDigest {
			out = append(out, bucket)
			seen[bucket] = true
		}
	}
	for bucket := range peer {
		if !seen[bucket] {
			if _, ok := local[bucket]; !ok {
				out = append(out, bucket)
			}
		}
	}
	sort.Strings(out)
	return out
}
