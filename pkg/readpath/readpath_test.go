package readpath

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/amberio/amberio/pkg/amerr"
	"github.com/amberio/amberio/pkg/cluster"
	"github.com/amberio/amberio/pkg/meta"
	"github.com/amberio/amberio/pkg/replica"
	"github.com/amberio/amberio/pkg/router"
	"github.com/amberio/amberio/pkg/slot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func newTestEngine(t *testing.T) *slot.Engine {
	t.Helper()
	e, err := slot.Open(slot.Root{SlotID: 0, SlotDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newSingleNodeReadPath(t *testing.T, engine *slot.Engine) (*ReadPath, cluster.Node) {
	t.Helper()
	self := cluster.Node{ID: "A"}
	view := cluster.NewMembershipView([]cluster.Node{self}, 8, 1)
	r := router.New(view)
	resolve := func(slotID int) (*slot.Engine, bool) { return engine, true }
	client := replica.NewInProcess(resolve)
	return New(r, client, self, resolve, nil), self
}

// fakeArchiver lets tests exercise openPart's final archive fallback
// without standing up S3.
type fakeArchiver struct {
	bodies map[string][]byte
}

func (a *fakeArchiver) Fetch(ctx context.Context, slotID int, path, hexSHA string) (io.ReadCloser, error) {
	body, ok := a.bodies[path+"/"+hexSHA]
	if !ok {
		return nil, amerr.New(amerr.KindNotFound, "Fetch", path)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func putDirect(t *testing.T, e *slot.Engine, path string, body []byte, gen uint64) meta.Head {
	t.Helper()
	ref, err := e.ApplyPart(context.Background(), path, bytes.NewReader(body))
	require.NoError(t, err)
	head, applied, err := e.CommitHead(meta.Head{
		Path:       path,
		Generation: gen,
		Parts:      []meta.PartPointer{{SHA256: ref.HexSHA256(), Length: ref.Length}},
		ETag:       ref.HexSHA256(),
		Size:       ref.Length,
	})
	require.NoError(t, err)
	require.True(t, applied)
	return head
}

func TestGet_LocalHeadStreamsBody(t *testing.T) {
	e := newTestEngine(t)
	putDirect(t, e, "a/b.png", []byte("HELLOABC"), 1)

	rp, _ := newSingleNodeReadPath(t, e)
	res, err := rp.Get(context.Background(), "a/b.png")
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "HELLOABC", string(body))
	assert.Equal(t, uint64(1), res.Head.Generation)
}

func TestGet_MissingPathReturnsNotFound(t *testing.T) {
	e := newTestEngine(t)
	rp, _ := newSingleNodeReadPath(t, e)

	_, err := rp.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, amerr.Is(err, amerr.KindNotFound))
}

func TestGet_TombstoneReturnsTombstoned(t *testing.T) {
	e := newTestEngine(t)
	putDirect(t, e, "k", []byte("v"), 1)

	_, applied, err := e.CommitHead(meta.Head{Path: "k", Generation: 2, Tombstone: true})
	require.NoError(t, err)
	require.True(t, applied)

	rp, _ := newSingleNodeReadPath(t, e)
	_, err = rp.Get(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, amerr.Is(err, amerr.KindTombstoned))
}

func TestGet_MultiPartBodyStreamsInOrder(t *testing.T) {
	e := newTestEngine(t)

	ref1, err := e.ApplyPart(context.Background(), "big", bytes.NewReader([]byte("part-one-")))
	require.NoError(t, err)
	ref2, err := e.ApplyPart(context.Background(), "big", bytes.NewReader([]byte("part-two")))
	require.NoError(t, err)

	head, applied, err := e.CommitHead(meta.Head{
		Path:       "big",
		Generation: 1,
		Parts: []meta.PartPointer{
			{SHA256: ref1.HexSHA256(), Length: ref1.Length, Offset: 0},
			{SHA256: ref2.HexSHA256(), Length: ref2.Length, Offset: ref1.Length},
		},
		Size: ref1.Length + ref2.Length,
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.Len(t, head.Parts, 2)

	rp, _ := newSingleNodeReadPath(t, e)
	res, err := rp.Get(context.Background(), "big")
	require.NoError(t, err)
	defer res.Body.Close()

	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "part-one-part-two", string(got))
}

func TestGet_FetchesFromPeerWhenLocalSlotNotOwned(t *testing.T) {
	remote, err := slot.Open(slot.Root{SlotID: 0, SlotDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })
	putDirect(t, remote, "peer-obj", []byte("remote body"), 1)

	self := cluster.Node{ID: "A"}
	peer := cluster.Node{ID: "B"}
	view := cluster.NewMembershipView([]cluster.Node{self, peer}, 8, 2)
	r := router.New(view)

	// This node resolves no local engines at all (it doesn't own the
	// slot); the peer's InProcess client answers every call.
	noLocal := func(slotID int) (*slot.Engine, bool) { return nil, false }
	peerResolve := func(slotID int) (*slot.Engine, bool) { return remote, true }
	client := replica.NewInProcess(peerResolve)

	rp := New(r, client, self, noLocal, nil)
	res, err := rp.Get(context.Background(), "peer-obj")
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "remote body", string(body))
}

// perNodeClient dispatches to a different replica.Client depending on
// which node a call targets, letting tests give two nodes distinct
// backing engines without standing up real sockets.
type perNodeClient struct {
	byNode map[string]replica.Client
}

func (c *perNodeClient) PushPart(ctx context.Context, node cluster.Node, slotID int, path, hexSHA string, length uint64, r io.Reader) error {
	return c.byNode[node.ID].PushPart(ctx, node, slotID, path, hexSHA, length, r)
}
func (c *perNodeClient) CommitHead(ctx context.Context, node cluster.Node, slotID int, candidate meta.Head) (meta.Head, bool, error) {
	return c.byNode[node.ID].CommitHead(ctx, node, slotID, candidate)
}
func (c *perNodeClient) FetchHead(ctx context.Context, node cluster.Node, slotID int, path string) (meta.Head, bool, error) {
	return c.byNode[node.ID].FetchHead(ctx, node, slotID, path)
}
func (c *perNodeClient) FetchPart(ctx context.Context, node cluster.Node, slotID int, path, hexSHA string) (io.ReadCloser, error) {
	return c.byNode[node.ID].FetchPart(ctx, node, slotID, path, hexSHA)
}
func (c *perNodeClient) BucketDigest(ctx context.Context, node cluster.Node, slotID int, bucketPrefixLen int) (map[string]string, error) {
	return c.byNode[node.ID].BucketDigest(ctx, node, slotID, bucketPrefixLen)
}
func (c *perNodeClient) BucketList(ctx context.Context, node cluster.Node, slotID int, bucket string) ([]meta.Head, error) {
	return c.byNode[node.ID].BucketList(ctx, node, slotID, bucket)
}

func TestOpenPart_CorruptedLocalPartFallsBackToPeerAndRepairs(t *testing.T) {
	localDir := t.TempDir()
	local, err := slot.Open(slot.Root{SlotID: 0, SlotDir: localDir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	remote, err := slot.Open(slot.Root{SlotID: 0, SlotDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })

	head := putDirect(t, local, "obj", []byte("good bytes"), 1)
	putDirect(t, remote, "obj", []byte("good bytes"), 1)

	// Tamper with local's on-disk copy directly, bypassing StageWrite's
	// hashing, so VerifyPart must catch this rather than Get serving
	// corrupted bytes. The tampered length must differ from the
	// original so the repair write isn't mistaken for an
	// already-present dedup match by StageWrite's length check.
	partFile := filepath.Join(localDir, "objects", "obj", "part."+head.Parts[0].SHA256)
	require.NoError(t, os.WriteFile(partFile, []byte("X"), 0o644))
	require.Error(t, local.VerifyPart("obj", head.Parts[0].SHA256))

	self := cluster.Node{ID: "A"}
	peer := cluster.Node{ID: "B"}
	view := cluster.NewMembershipView([]cluster.Node{self, peer}, 8, 2)
	r := router.New(view)
	resolve := func(slotID int) (*slot.Engine, bool) { return local, true }
	peerResolve := func(slotID int) (*slot.Engine, bool) { return remote, true }
	client := &perNodeClient{byNode: map[string]replica.Client{
		"A": replica.NewInProcess(resolve),
		"B": replica.NewInProcess(peerResolve),
	}}

	rp := New(r, client, self, resolve, nil)
	res, err := rp.Get(context.Background(), "obj")
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "good bytes", string(body))
}

func TestOpenPart_FallsBackToArchiveWhenLocalAndPeersFail(t *testing.T) {
	e := newTestEngine(t)
	self := cluster.Node{ID: "A"}
	view := cluster.NewMembershipView([]cluster.Node{self}, 8, 1)
	r := router.New(view)
	resolve := func(slotID int) (*slot.Engine, bool) { return e, true }
	client := replica.NewInProcess(resolve)

	// The head references a part this slot has never staged locally and
	// has no peer to fetch from, so only the archive can serve it.
	archived := []byte("cold storage bytes")
	archivedSHA := sha256Hex(archived)
	_, applied, err := e.CommitHead(meta.Head{
		Path:       "cold",
		Generation: 1,
		Parts:      []meta.PartPointer{{SHA256: archivedSHA, Length: uint64(len(archived))}},
		ETag:       archivedSHA,
	})
	require.NoError(t, err)
	require.True(t, applied)

	archiver := &fakeArchiver{bodies: map[string][]byte{"cold/" + archivedSHA: archived}}
	rp := New(r, client, self, resolve, archiver)
	res, err := rp.Get(context.Background(), "cold")
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, archived, body)
}
