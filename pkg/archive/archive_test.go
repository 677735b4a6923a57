package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amberio/amberio/pkg/meta"
)

// fakeClient is an in-memory stand-in for *s3.Client keyed by object key.
type fakeClient struct {
	objects map[string][]byte
}

func newFakeClient() *fakeClient { return &fakeClient{objects: make(map[string][]byte)} }

func (f *fakeClient) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeClient) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	if in.Range != nil {
		var start, end int
		if _, err := fmt.Sscanf(aws.ToString(in.Range), "bytes=%d-%d", &start, &end); err != nil {
			return nil, err
		}
		if end >= len(body) {
			end = len(body) - 1
		}
		body = body[start : end+1]
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeClient) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	size := int64(len(body))
	return &s3.HeadObjectOutput{ContentLength: &size}, nil
}

func newEngineMetaStore(t *testing.T, slotDir string) *meta.Store {
	t.Helper()
	store, err := meta.Open(meta.Config{DBPath: slotDir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestTier(t *testing.T, client Client, slotID int) *Tier {
	t.Helper()
	store := newEngineMetaStore(t, t.TempDir())
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Bucket = "amberio-archive"
	cfg.PartMultipartThreshold = 1 << 20
	return New(client, map[int]*meta.Store{slotID: store}, cfg)
}

func TestArchive_RoundTripsSmallPart(t *testing.T) {
	client := newFakeClient()
	tier := newTestTier(t, client, 0)

	body := []byte("packed into a shared segment")
	sum := sha256.Sum256(body)
	hexSHA := hex.EncodeToString(sum[:])

	ref, err := tier.Archive(context.Background(), 0, "obj", hexSHA, bytes.NewReader(body), uint64(len(body)))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ref.RangeStart)
	assert.Equal(t, uint64(len(body)), ref.RangeEnd)

	rc, err := tier.Fetch(context.Background(), 0, "obj", hexSHA)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestArchive_PacksTwoPartsIntoSameSegment(t *testing.T) {
	client := newFakeClient()
	tier := newTestTier(t, client, 0)

	first := []byte("first part bytes")
	second := []byte("second part follows")
	sum1 := sha256.Sum256(first)
	sum2 := sha256.Sum256(second)
	hex1 := hex.EncodeToString(sum1[:])
	hex2 := hex.EncodeToString(sum2[:])

	ref1, err := tier.Archive(context.Background(), 0, "a", hex1, bytes.NewReader(first), uint64(len(first)))
	require.NoError(t, err)
	ref2, err := tier.Archive(context.Background(), 0, "b", hex2, bytes.NewReader(second), uint64(len(second)))
	require.NoError(t, err)

	assert.Equal(t, ref1.ExternalKey, ref2.ExternalKey)
	assert.Equal(t, ref1.RangeEnd, ref2.RangeStart)

	rc, err := tier.Fetch(context.Background(), 0, "b", hex2)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestArchive_DigestMismatchRejected(t *testing.T) {
	client := newFakeClient()
	tier := newTestTier(t, client, 0)

	_, err := tier.Archive(context.Background(), 0, "obj", "deadbeef", bytes.NewReader([]byte("x")), 1)
	require.Error(t, err)
}

func TestEvictable_FalseUntilArchived(t *testing.T) {
	client := newFakeClient()
	tier := newTestTier(t, client, 0)

	body := []byte("content")
	sum := sha256.Sum256(body)
	hexSHA := hex.EncodeToString(sum[:])

	evictable, err := tier.Evictable(context.Background(), 0, "obj", hexSHA)
	require.NoError(t, err)
	assert.False(t, evictable)

	_, err = tier.Archive(context.Background(), 0, "obj", hexSHA, bytes.NewReader(body), uint64(len(body)))
	require.NoError(t, err)

	evictable, err = tier.Evictable(context.Background(), 0, "obj", hexSHA)
	require.NoError(t, err)
	assert.True(t, evictable)
}

func TestArchive_DisabledTierReturnsUnavailable(t *testing.T) {
	client := newFakeClient()
	store := newEngineMetaStore(t, t.TempDir())
	tier := New(client, map[int]*meta.Store{0: store}, Config{Enabled: false})

	_, err := tier.Archive(context.Background(), 0, "obj", "deadbeef", bytes.NewReader([]byte("x")), 1)
	require.Error(t, err)
}
