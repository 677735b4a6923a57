package replica

import (
	"bytes"
	"context"
	"testing"

	"github.com/amberio/amberio/pkg/cluster"
	"github.com/amberio/amberio/pkg/meta"
	"github.com/amberio/amberio/pkg/slot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*InProcess, *slot.Engine) {
	t.Helper()
	e, err := slot.Open(slot.Root{SlotID: 0, SlotDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	client := NewInProcess(func(slotID int) (*slot.Engine, bool) {
		if slotID == e.SlotID {
			return e, true
		}
		return nil, false
	})
	return client, e
}

func TestInProcess_PushPartAndFetchPart(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	node := cluster.Node{ID: "n1"}
	data := []byte("replica body")

	ref := stageLocally(t, client, ctx, node, "obj", data)

	rc, err := client.FetchPart(ctx, node, 0, "obj", ref)
	require.NoError(t, err)
	defer rc.Close()
}

func TestInProcess_CommitHeadAndFetchHead(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	node := cluster.Node{ID: "n1"}

	head := meta.Head{Path: "obj", Generation: 1, ETag: "abc", WriteID: "w1"}
	effective, applied, err := client.CommitHead(ctx, node, 0, head)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "abc", effective.ETag)

	got, found, err := client.FetchHead(ctx, node, 0, "obj")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(1), got.Generation)
}

func TestInProcess_BucketDigestAndBucketList(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	node := cluster.Node{ID: "n1"}

	for i, p := range []string{"a", "b", "c"} {
		_, _, err := client.CommitHead(ctx, node, 0, meta.Head{Path: p, Generation: uint64(i + 1)})
		require.NoError(t, err)
	}

	digest, err := client.BucketDigest(ctx, node, 0, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, digest)

	var anyBucket string
	for b := range digest {
		anyBucket = b
		break
	}

	heads, err := client.BucketList(ctx, node, 0, anyBucket)
	require.NoError(t, err)
	assert.NotEmpty(t, heads)
}

func stageLocally(t *testing.T, client *InProcess, ctx context.Context, node cluster.Node, path string, data []byte) string {
	t.Helper()
	e, ok := client.resolve(0)
	require.True(t, ok)
	ref, err := e.Parts.StageWrite(ctx, "probe", bytes.NewReader(data))
	require.NoError(t, err)
	err = client.PushPart(ctx, node, 0, path, ref.HexSHA256(), ref.Length, bytes.NewReader(data))
	require.NoError(t, err)
	return ref.HexSHA256()
}
