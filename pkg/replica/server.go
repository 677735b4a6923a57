package replica

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/amberio/amberio/internal/logger"
	"github.com/amberio/amberio/pkg/amerr"
	"github.com/amberio/amberio/pkg/meta"
	"github.com/amberio/amberio/pkg/slot"
)

// SlotResolver looks up the locally-owned Engine for a slot id. Wiring
// it as a function rather than a concrete registry type keeps this
// package decoupled from however the node chooses to manage its open
// slots (see cmd/amberio-node for the concrete resolver).
type SlotResolver func(slotID int) (*slot.Engine, bool)

// Server exposes a node's owned slots to peers over the HTTPClient
// wire protocol. It implements http.Handler so callers can mount it
// under any mux (or run it standalone via ListenAndServe).
type Server struct {
	resolve SlotResolver
}

// NewServer builds a Server backed by resolve.
func NewServer(resolve SlotResolver) *Server {
	return &Server{resolve: resolve}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slotID, rest, err := parseSlotPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	engine, ok := s.resolve(slotID)
	if !ok {
		http.Error(w, "slot not owned by this node", http.StatusNotFound)
		return
	}

	switch {
	case strings.HasPrefix(rest, "/parts/") && r.Method == http.MethodPut:
		s.handlePushPart(w, r, engine, strings.TrimPrefix(rest, "/parts/"))
	case strings.HasPrefix(rest, "/parts/") && r.Method == http.MethodGet:
		s.handleFetchPart(w, r, engine, strings.TrimPrefix(rest, "/parts/"))
	case rest == "/heads" && r.Method == http.MethodPost:
		s.handleCommitHead(w, r, engine)
	case rest == "/heads" && r.Method == http.MethodGet:
		s.handleFetchHead(w, r, engine)
	case rest == "/digest" && r.Method == http.MethodGet:
		s.handleBucketDigest(w, r, engine)
	case rest == "/bucket" && r.Method == http.MethodGet:
		s.handleBucketList(w, r, engine)
	default:
		http.NotFound(w, r)
	}
}

func parseSlotPath(p string) (slotID int, rest string, err error) {
	const prefix = "/v1/slots/"
	if !strings.HasPrefix(p, prefix) {
		return 0, "", amerr.New(amerr.KindInvalidPath, "parseSlotPath", p)
	}
	remainder := p[len(prefix):]
	idx := strings.IndexByte(remainder, '/')
	if idx < 0 {
		return 0, "", amerr.New(amerr.KindInvalidPath, "parseSlotPath", p)
	}
	id, convErr := strconv.Atoi(remainder[:idx])
	if convErr != nil {
		return 0, "", amerr.New(amerr.KindInvalidPath, "parseSlotPath", p)
	}
	return id, remainder[idx:], nil
}

func (s *Server) handlePushPart(w http.ResponseWriter, r *http.Request, engine *slot.Engine, hexSHA string) {
	path := r.URL.Query().Get("path")
	ref, err := engine.ApplyPart(r.Context(), path, r.Body)
	if err != nil {
		writeErr(w, err)
		return
	}
	if ref.HexSHA256() != hexSHA {
		http.Error(w, "digest mismatch", http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetchPart(w http.ResponseWriter, r *http.Request, engine *slot.Engine, hexSHA string) {
	path := r.URL.Query().Get("path")
	rc, err := engine.OpenPart(path, hexSHA)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		logger.Error("replica server: streaming part %s for %s: %v", hexSHA, path, err)
	}
}

func (s *Server) handleCommitHead(w http.ResponseWriter, r *http.Request, engine *slot.Engine) {
	var candidate meta.Head
	if err := json.NewDecoder(r.Body).Decode(&candidate); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	effective, applied, err := engine.CommitHead(candidate)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, commitHeadResponse{Effective: effective, Applied: applied})
}

func (s *Server) handleFetchHead(w http.ResponseWriter, r *http.Request, engine *slot.Engine) {
	path := r.URL.Query().Get("path")
	head, ok, err := engine.HeadOf(path)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, head)
}

func (s *Server) handleBucketDigest(w http.ResponseWriter, r *http.Request, engine *slot.Engine) {
	prefixLen, err := strconv.Atoi(r.URL.Query().Get("prefix_len"))
	if err != nil || prefixLen <= 0 {
		http.Error(w, "invalid prefix_len", http.StatusBadRequest)
		return
	}
	digest, err := engine.Meta.Digest()
	if err != nil {
		writeErr(w, err)
		return
	}
	buckets := Bucketize(digest, prefixLen)
	writeJSON(w, buckets)
}

func (s *Server) handleBucketList(w http.ResponseWriter, r *http.Request, engine *slot.Engine) {
	bucket := r.URL.Query().Get("bucket")
	var heads []meta.Head
	err := engine.Meta.ScanHeads(func(h meta.Head) error {
		if BucketOf(h.Path, len(bucket)) == bucket {
			heads = append(heads, h)
		}
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, heads)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	kind, ok := amerr.KindOf(err)
	if !ok {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	switch kind {
	case amerr.KindNotFound, amerr.KindTombstoned:
		http.Error(w, err.Error(), http.StatusNotFound)
	case amerr.KindConflict:
		http.Error(w, err.Error(), http.StatusConflict)
	case amerr.KindDigestMismatch, amerr.KindInvalidPath:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ListenAndServe is a small convenience wrapper for running the server
// standalone, mirroring the teacher's metrics server bootstrap shape.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return srv.ListenAndServe()
}
