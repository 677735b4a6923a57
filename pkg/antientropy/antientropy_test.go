package antientropy

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/amberio/amberio/pkg/cluster"
	"github.com/amberio/amberio/pkg/meta"
	"github.com/amberio/amberio/pkg/replica"
	"github.com/amberio/amberio/pkg/slot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *slot.Engine {
	t.Helper()
	e, _ := newEngineWithDir(t)
	return e
}

func newEngineWithDir(t *testing.T) (*slot.Engine, string) {
	t.Helper()
	dir := t.TempDir()
	e, err := slot.Open(slot.Root{SlotID: 0, SlotDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, dir
}

func TestRunCycle_HealsMissingPathFromPeer(t *testing.T) {
	local := newEngine(t)
	remote := newEngine(t)

	ref, err := remote.ApplyPart(context.Background(), "only-on-peer", strings.NewReader("peer data"))
	require.NoError(t, err)
	_, applied, err := remote.CommitHead(meta.Head{
		Path:       "only-on-peer",
		Generation: 1,
		Parts:      []meta.PartPointer{{SHA256: ref.HexSHA256(), Length: ref.Length}},
		ETag:       ref.HexSHA256(),
		Size:       ref.Length,
	})
	require.NoError(t, err)
	require.True(t, applied)

	self := cluster.Node{ID: "A"}
	peer := cluster.Node{ID: "B"}
	client := replica.NewInProcess(func(slotID int) (*slot.Engine, bool) { return remote, true })

	loop := New(0, self, local, client, func() []cluster.Node { return []cluster.Node{self, peer} }, DefaultConfig())
	results := loop.RunCycle(context.Background())

	require.Len(t, results, 1)
	assert.Empty(t, results[0].Errors)
	assert.Equal(t, 1, results[0].PathsHealed)

	head, found, err := local.HeadOf("only-on-peer")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(1), head.Generation)

	rc, err := local.OpenPart("only-on-peer", ref.HexSHA256())
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "peer data", string(body))
}

func TestRunCycle_DoesNotHealWhenLocalAlreadyWins(t *testing.T) {
	local := newEngine(t)
	remote := newEngine(t)

	for _, e := range []*slot.Engine{local, remote} {
		ref, err := e.ApplyPart(context.Background(), "shared", strings.NewReader("v1"))
		require.NoError(t, err)
		_, applied, err := e.CommitHead(meta.Head{
			Path:       "shared",
			Generation: 1,
			Parts:      []meta.PartPointer{{SHA256: ref.HexSHA256(), Length: ref.Length}},
			ETag:       ref.HexSHA256(),
		})
		require.NoError(t, err)
		require.True(t, applied)
	}

	// Advance local to generation 2; remote stays behind at 1.
	ref2, err := local.ApplyPart(context.Background(), "shared", strings.NewReader("v2"))
	require.NoError(t, err)
	_, applied, err := local.CommitHead(meta.Head{
		Path:       "shared",
		Generation: 2,
		Parts:      []meta.PartPointer{{SHA256: ref2.HexSHA256(), Length: ref2.Length}},
		ETag:       ref2.HexSHA256(),
	})
	require.NoError(t, err)
	require.True(t, applied)

	self := cluster.Node{ID: "A"}
	peer := cluster.Node{ID: "B"}
	client := replica.NewInProcess(func(slotID int) (*slot.Engine, bool) { return remote, true })

	loop := New(0, self, local, client, func() []cluster.Node { return []cluster.Node{self, peer} }, DefaultConfig())
	loop.RunCycle(context.Background())

	head, found, err := local.HeadOf("shared")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(2), head.Generation)
}

func TestFetchMissingParts_RefetchesPartCorruptedOnDisk(t *testing.T) {
	local, localDir := newEngineWithDir(t)
	remote := newEngine(t)

	good := []byte("peer data")
	ref, err := local.ApplyPart(context.Background(), "x", strings.NewReader(string(good)))
	require.NoError(t, err)
	// A length-changing tamper, so StageWrite's length-based dedup check
	// can't mistake the corrupted file for already-correct content once
	// fetchMissingParts re-fetches it.
	partFile := filepath.Join(localDir, "objects", "x", "part."+ref.HexSHA256())
	require.NoError(t, os.WriteFile(partFile, []byte("X"), 0o644))
	require.Error(t, local.VerifyPart("x", ref.HexSHA256()))

	refRemote, err := remote.ApplyPart(context.Background(), "x", strings.NewReader(string(good)))
	require.NoError(t, err)
	require.Equal(t, ref.HexSHA256(), refRemote.HexSHA256())
	_, applied, err := remote.CommitHead(meta.Head{
		Path:       "x",
		Generation: 1,
		Parts:      []meta.PartPointer{{SHA256: refRemote.HexSHA256(), Length: refRemote.Length}},
		ETag:       refRemote.HexSHA256(),
	})
	require.NoError(t, err)
	require.True(t, applied)

	self := cluster.Node{ID: "A"}
	peer := cluster.Node{ID: "B"}
	client := replica.NewInProcess(func(slotID int) (*slot.Engine, bool) { return remote, true })

	loop := New(0, self, local, client, func() []cluster.Node { return []cluster.Node{self, peer} }, DefaultConfig())
	results := loop.RunCycle(context.Background())

	require.Len(t, results, 1)
	assert.Empty(t, results[0].Errors)
	assert.Equal(t, 1, results[0].PathsHealed)

	require.NoError(t, local.VerifyPart("x", ref.HexSHA256()))
	rc, err := local.OpenPart("x", ref.HexSHA256())
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, string(good), string(body))
}

func TestRunCycle_SkipsSelfAsPeer(t *testing.T) {
	local := newEngine(t)
	self := cluster.Node{ID: "A"}
	client := replica.NewInProcess(func(slotID int) (*slot.Engine, bool) { return local, true })

	calls := 0
	loop := New(0, self, local, client, func() []cluster.Node {
		calls++
		return []cluster.Node{self}
	}, DefaultConfig())

	results := loop.RunCycle(context.Background())
	assert.Equal(t, 1, calls)
	assert.Empty(t, results)
}
