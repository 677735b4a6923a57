// Command amberio-node runs one node of an Amberio cluster: it opens
// the slots this node owns, starts their background anti-entropy and
// GC loops, and serves both the peer-to-peer replica RPC surface and a
// Prometheus metrics endpoint.
//
// Cluster membership is supplied statically via -peers (spec section 1
// scopes gossip/discovery out of this module); a real deployment would
// feed MembershipView from an external registry instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/amberio/amberio/internal/logger"
	"github.com/amberio/amberio/internal/ratelimiter"
	"github.com/amberio/amberio/pkg/amerr"
	"github.com/amberio/amberio/pkg/antientropy"
	"github.com/amberio/amberio/pkg/archive"
	"github.com/amberio/amberio/pkg/cluster"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/amberio/amberio/pkg/config"
	"github.com/amberio/amberio/pkg/coordinator"
	"github.com/amberio/amberio/pkg/gc"
	"github.com/amberio/amberio/pkg/meta"
	"github.com/amberio/amberio/pkg/metrics"
	"github.com/amberio/amberio/pkg/readpath"
	"github.com/amberio/amberio/pkg/replica"
	"github.com/amberio/amberio/pkg/router"
	"github.com/amberio/amberio/pkg/slot"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (default: XDG_CONFIG_HOME/amberio/config.yaml)")
	nodeID := flag.String("node-id", "", "This node's id within -peers")
	peersFlag := flag.String("peers", "", "Comma-separated id=address pairs, e.g. A=10.0.0.1:7400,B=10.0.0.2:7400")
	dataDir := flag.String("data-dir", "/var/lib/amberio", "Root directory for this node's slot data")
	listenAddr := flag.String("listen", ":7400", "Address the replica RPC server listens on")

	flag.Parse()

	if *nodeID == "" {
		fmt.Fprintln(os.Stderr, "amberio-node: -node-id is required")
		os.Exit(1)
	}
	nodes, err := parsePeers(*peersFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "amberio-node: %v\n", err)
		os.Exit(1)
	}
	self, ok := findNode(nodes, *nodeID)
	if !ok {
		fmt.Fprintf(os.Stderr, "amberio-node: node id %q not present in -peers\n", *nodeID)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "amberio-node: loading config: %v\n", err)
		os.Exit(1)
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.Info("amberio-node starting: node_id=%s slots=%d replication_factor=%d",
		self.ID, cfg.Cluster.SlotCount, cfg.Cluster.ReplicationFactor)

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		metricsSrv := metrics.NewServer(metrics.ServerConfig{Port: metricsPort(cfg.Metrics.Listen)})
		go func() {
			if err := metricsSrv.Start(context.Background()); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server: %v", err)
			}
		}()
	}

	view := cluster.NewMembershipView(nodes, cfg.Cluster.SlotCount, cfg.Cluster.ReplicationFactor)
	r := router.New(view)

	engines := make(map[int]*slot.Engine)
	for slotID := 0; slotID < cfg.Cluster.SlotCount; slotID++ {
		if !ownsSlot(view, slotID, self.ID) {
			continue
		}
		engine, err := slot.Open(slot.Root{SlotID: slotID, SlotDir: filepath.Join(*dataDir, "slots", strconv.Itoa(slotID))})
		if err != nil {
			fmt.Fprintf(os.Stderr, "amberio-node: opening slot %d: %v\n", slotID, err)
			os.Exit(1)
		}
		engines[slotID] = engine
	}
	logger.Info("amberio-node owns %d of %d slots", len(engines), cfg.Cluster.SlotCount)

	resolver := func(slotID int) (*slot.Engine, bool) {
		e, ok := engines[slotID]
		return e, ok
	}

	var archiveTier *archive.Tier
	if cfg.Archive.Enabled {
		archiveTier = newArchiveTier(cfg, engines)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peersFn := func() []cluster.Node {
		out := make([]cluster.Node, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, n)
		}
		return out
	}

	for slotID, engine := range engines {
		aeCfg := antientropy.DefaultConfig()
		aeCfg.Interval = cfg.AntiEntropy.Interval
		aeCfg.BatchObjects = cfg.AntiEntropy.BatchObjects
		aeCfg.BucketPrefixLen = cfg.AntiEntropy.BucketPrefixLen
		aeCfg.PartParallelism = cfg.AntiEntropy.RepairParallelism
		loop := antientropy.New(slotID, self, engine, replica.NewHTTPClient(nil), peersFn, aeCfg)
		loop.Start(ctx)

		var archiver gc.Archiver
		if archiveTier != nil {
			archiver = archiveTier
		}
		collector := gc.NewCollector(slotID, engine, archiver, gc.Config{
			Enabled:            cfg.GC.Enabled,
			Interval:           cfg.GC.Interval,
			PartGCGrace:        cfg.GC.PartGCGrace,
			TombstoneRetention: cfg.GC.TombstoneRetention,
			IdempotencyTTL:     cfg.GC.IdempotencyTTL,
			ArchiveOnEvict:     cfg.GC.ArchiveOnEvict,
		})
		collector.Start()
	}

	coordOpts := []coordinator.Option{coordinator.WithPartSize(cfg.Cluster.PartSize)}
	if cfg.RateLimit.Enabled {
		coordOpts = append(coordOpts, coordinator.WithRateLimiter(ratelimiter.New(cfg.RateLimit.WritesPerSecond, cfg.RateLimit.Burst)))
	}
	coord := coordinator.New(r, replica.NewHTTPClient(nil), self, resolver, coordOpts...)

	var readArchiver readpath.Archiver
	if archiveTier != nil {
		readArchiver = archiveTier
	}
	rp := readpath.New(r, replica.NewHTTPClient(nil), self, resolver, readArchiver)

	mux := http.NewServeMux()
	mux.Handle("/v1/slots/", replica.NewServer(resolver))
	mux.Handle("/v1/objects/", newObjectHandler(coord, rp))

	httpSrv := &http.Server{
		Addr:         *listenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	serverDone := make(chan error, 1)
	go func() {
		logger.Info("replica RPC server listening on %s", *listenAddr)
		serverDone <- httpSrv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received, draining")
	case err := <-serverDone:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("replica server error: %v", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("replica server shutdown: %v", err)
	}
	for slotID, engine := range engines {
		if err := engine.Close(); err != nil {
			logger.Error("closing slot %d: %v", slotID, err)
		}
	}
	logger.Info("amberio-node stopped")
}

// objectHandler implements the inbound external API spec section 6
// names (PUT/GET/DELETE under /v1/objects/<path>) by driving the
// Coordinator and ReadPath. write_id comes from the X-Write-Id header,
// per the RPC surface's write_id idempotency token.
type objectHandler struct {
	coord *coordinator.Coordinator
	rp    *readpath.ReadPath
}

func newObjectHandler(coord *coordinator.Coordinator, rp *readpath.ReadPath) *objectHandler {
	return &objectHandler{coord: coord, rp: rp}
}

func (h *objectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/objects/")
	writeID := r.Header.Get("X-Write-Id")

	switch r.Method {
	case http.MethodPut:
		result, err := h.coord.Put(r.Context(), path, writeID, r.Body)
		if err != nil {
			writeObjectErr(w, err)
			return
		}
		w.Header().Set("ETag", result.ETag)
		w.Header().Set("X-Generation", strconv.FormatUint(result.Generation, 10))
		w.WriteHeader(http.StatusCreated)

	case http.MethodGet:
		result, err := h.rp.Get(r.Context(), path)
		if err != nil {
			writeObjectErr(w, err)
			return
		}
		defer result.Body.Close()
		w.Header().Set("ETag", result.Head.ETag)
		w.Header().Set("X-Generation", strconv.FormatUint(result.Head.Generation, 10))
		io.Copy(w, result.Body) //nolint:errcheck

	case http.MethodDelete:
		result, err := h.coord.Delete(r.Context(), path, writeID, "client request")
		if err != nil {
			writeObjectErr(w, err)
			return
		}
		w.Header().Set("X-Generation", strconv.FormatUint(result.Generation, 10))
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeObjectErr(w http.ResponseWriter, err error) {
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
	case amerr.KindQuorumFailed, amerr.KindUnavailable:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func ownsSlot(view *cluster.MembershipView, slotID int, nodeID string) bool {
	for _, n := range view.Replicas(slotID) {
		if n.ID == nodeID {
			return true
		}
	}
	return false
}

func parsePeers(spec string) ([]cluster.Node, error) {
	if spec == "" {
		return nil, fmt.Errorf("-peers is required, e.g. A=10.0.0.1:7400,B=10.0.0.2:7400")
	}
	var nodes []cluster.Node
	for _, pair := range strings.Split(spec, ",") {
		idAddr := strings.SplitN(pair, "=", 2)
		if len(idAddr) != 2 || idAddr[0] == "" || idAddr[1] == "" {
			return nil, fmt.Errorf("invalid -peers entry %q, want id=address", pair)
		}
		nodes = append(nodes, cluster.Node{ID: idAddr[0], Address: idAddr[1]})
	}
	return nodes, nil
}

func findNode(nodes []cluster.Node, id string) (cluster.Node, bool) {
	for _, n := range nodes {
		if n.ID == id {
			return n, true
		}
	}
	return cluster.Node{}, false
}

func metricsPort(listen string) int {
	_, portStr, err := splitHostPort(listen)
	if err != nil {
		return 9090
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 9090
	}
	return port
}

func splitHostPort(addr string) (host, port string, err error) {
	idx := strings.LastIndexByte(addr, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("no port in %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

// newArchiveTier builds an S3-backed archive.Tier from cfg, following
// the teacher's AWS SDK v2 client construction idiom (region, static
// credentials from the environment, path-style addressing).
func newArchiveTier(cfg *config.Config, engines map[int]*slot.Engine) *archive.Tier {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Archive.Region))
	if err != nil {
		logger.Error("archive: loading AWS config: %v", err)
		return nil
	}
	client := s3.NewFromConfig(awsCfg)

	metaBySlot := make(map[int]*meta.Store, len(engines))
	for slotID, engine := range engines {
		metaBySlot[slotID] = engine.Meta
	}

	return archive.New(client, metaBySlot, archive.Config{
		Enabled:                cfg.Archive.Enabled,
		Bucket:                 cfg.Archive.Bucket,
		Region:                 cfg.Archive.Region,
		KeyPrefix:              cfg.Archive.KeyPrefix,
		PartMultipartThreshold: cfg.Archive.PartMultipartThreshold,
	})
}
