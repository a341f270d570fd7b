// Command fdfs-storaged runs one storage node: file upload/download
// over its store paths, heartbeat reporting to its tracker group, and
// binlog-based replication to the rest of its replication group.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/log"
	"github.com/happyfish100/fastdfs-sub012/pkg/metrics"
	"github.com/happyfish100/fastdfs-sub012/pkg/storaged"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fdfs-storaged",
	Short:   "FastDFS-compatible storage daemon",
	Version: Version,
	RunE:    runStorage,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fdfs-storaged version %s (%s)\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.String("bind-addr", ":23000", "address to listen on")
	flags.String("storage-id", "", "this node's storage id, 16 bytes max (required)")
	flags.String("group", "", "this node's replication group name (required)")
	flags.StringSlice("store-path", nil, "store path as index:root, repeatable (required, e.g. 0:/data/fdfs/store0)")
	flags.StringSlice("tracker-server", nil, "tracker ip:port to report to, repeatable (required)")
	flags.String("data-dir", "/var/fdfs/storage", "directory for this node's binlog and mark files")
	flags.Duration("network-timeout", 30*time.Second, "per-request socket timeout")
	flags.Duration("heartbeat-interval", 30*time.Second, "interval between tracker heartbeats")
	flags.Duration("peer-sync-interval", 10*time.Second, "interval between peer list refreshes")
	flags.Int64("trunk-file-size", 64*1024*1024, "size in bytes of newly created trunk container files")
	flags.Int64("slot-min", 256, "minimum trunk free-space slot size in bytes")
	flags.Int64("alignment", 256, "trunk free-space slot alignment in bytes")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit logs as JSON")
	flags.String("metrics-addr", ":9123", "address to serve /metrics and /health on, empty to disable")

	rootCmd.MarkFlagRequired("storage-id")
	rootCmd.MarkFlagRequired("group")
	rootCmd.MarkFlagRequired("store-path")
	rootCmd.MarkFlagRequired("tracker-server")
}

func runStorage(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	bindAddr, _ := flags.GetString("bind-addr")
	storageID, _ := flags.GetString("storage-id")
	group, _ := flags.GetString("group")
	storePathSpecs, _ := flags.GetStringSlice("store-path")
	trackerServers, _ := flags.GetStringSlice("tracker-server")
	dataDir, _ := flags.GetString("data-dir")
	networkTimeout, _ := flags.GetDuration("network-timeout")
	heartbeatInterval, _ := flags.GetDuration("heartbeat-interval")
	peerSyncInterval, _ := flags.GetDuration("peer-sync-interval")
	trunkFileSize, _ := flags.GetInt64("trunk-file-size")
	slotMin, _ := flags.GetInt64("slot-min")
	alignment, _ := flags.GetInt64("alignment")
	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")
	metricsAddr, _ := flags.GetString("metrics-addr")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	metrics.SetVersion(Version)

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	storePaths, err := parseStorePaths(storePathSpecs)
	if err != nil {
		return err
	}

	cfg := storaged.DefaultConfig()
	cfg.BindAddr = bindAddr
	cfg.StorageID = storageID
	cfg.Group = group
	cfg.StorePaths = storePaths
	cfg.TrackerServers = trackerServers
	cfg.DataDir = dataDir
	cfg.NetworkTimeout = networkTimeout
	cfg.HeartbeatInterval = heartbeatInterval
	cfg.PeerSyncInterval = peerSyncInterval
	cfg.TrunkFileSize = trunkFileSize
	cfg.SlotMin = slotMin
	cfg.Alignment = alignment

	for _, sp := range storePaths {
		if err := os.MkdirAll(sp.Root, 0755); err != nil {
			return fmt.Errorf("create store path %d at %s: %w", sp.Index, sp.Root, err)
		}
	}

	srv, err := storaged.New(cfg)
	if err != nil {
		return fmt.Errorf("build storage server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start storage server: %w", err)
	}
	fmt.Printf("fdfs-storaged %s listening on %s (group %s)\n", storageID, bindAddr, group)

	var metricsSrv *http.Server
	if metricsAddr != "" {
		metricsSrv = startMetricsServer(metricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	srv.Stop()
	if metricsSrv != nil {
		metricsSrv.Close()
	}
	return nil
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return srv
}

// parseStorePaths parses "index:root" specs into storaged.StorePathConfig,
// the same layout a classic storage.conf's store_path0, store_path1, ...
// block describes.
func parseStorePaths(specs []string) ([]storaged.StorePathConfig, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one --store-path is required")
	}
	out := make([]storaged.StorePathConfig, 0, len(specs))
	for _, spec := range specs {
		idxStr, root, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --store-path %q, expected index:root", spec)
		}
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --store-path index in %q: %w", spec, err)
		}
		out = append(out, storaged.StorePathConfig{Index: idx, Root: root})
	}
	return out, nil
}
