package replica

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/amberio/amberio/pkg/meta"
)

// BucketOf returns the first prefixLen bytes of hash(path) in hex, the
// bucketing scheme anti-entropy uses to avoid diffing every path
// individually (spec section 4.8 phase A). Exported so pkg/antientropy
// can bucket peer responses with the same scheme the server side used
// to answer BucketDigest/BucketList.
func BucketOf(path string, prefixLen int) string {
	sum := sha256.Sum256([]byte(path))
	hexSum := hex.EncodeToString(sum[:])
	if prefixLen > len(hexSum) {
		prefixLen = len(hexSum)
	}
	return hexSum[:prefixLen]
}

// Bucketize groups a BucketDigest's per-path fingerprints into
// per-bucket digests: a single hash over the sorted list of
// (path, generation, tombstone, content_hash) tuples whose path falls
// in that bucket. Two replicas with identical heads in a bucket always
// produce the same bucket digest; any divergence flips at least one
// byte.
func Bucketize(digest meta.BucketDigest, prefixLen int) map[string]string {
	type entry struct {
		path string
		fp   meta.HeadFingerprint
	}

	byBucket := make(map[string][]entry)
	for path, fp := range digest {
		b := BucketOf(path, prefixLen)
		byBucket[b] = append(byBucket[b], entry{path: path, fp: fp})
	}

	out := make(map[string]string, len(byBucket))
	for bucket, entries := range byBucket {
		sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })
		h := sha256.New()
		for _, e := range entries {
			h.Write([]byte(e.path))
			h.Write([]byte{0})
			h.Write(generationBytes(e.fp.Generation))
			if e.fp.Tombstone {
				h.Write([]byte{1})
			} else {
				h.Write([]byte{0})
			}
			h.Write([]byte(e.fp.ContentHash))
		}
		out[bucket] = hex.EncodeToString(h.Sum(nil))
	}
	return out
}

func generationBytes(gen uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(gen)
		gen >>= 8
	}
	return b
}
