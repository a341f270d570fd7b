// Command fdfs-trackerd runs one tracker node: scheduling, group and
// storage membership, leader election among tracker peers, and the
// admin query projection storage servers and fdfsadm talk to.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/adminstore"
	"github.com/happyfish100/fastdfs-sub012/pkg/events"
	"github.com/happyfish100/fastdfs-sub012/pkg/log"
	"github.com/happyfish100/fastdfs-sub012/pkg/metrics"
	"github.com/happyfish100/fastdfs-sub012/pkg/registry"
	"github.com/happyfish100/fastdfs-sub012/pkg/scheduler"
	"github.com/happyfish100/fastdfs-sub012/pkg/trackerd"
	"github.com/happyfish100/fastdfs-sub012/pkg/trackerpeer"
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
	Use:     "fdfs-trackerd",
	Short:   "FastDFS-compatible tracker daemon",
	Version: Version,
	RunE:    runTracker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fdfs-trackerd version %s (%s)\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.String("bind-addr", ":22122", "address to listen on")
	flags.String("data-dir", "/var/fdfs/tracker", "directory for the admin query store")
	flags.String("group-mode", "round_robin", "group selection policy: round_robin or most_free")
	flags.StringSlice("tracker-peers", nil, "other tracker ip:port pairs in this cluster, for leader election")
	flags.Duration("network-timeout", 30*time.Second, "per-request socket timeout")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit logs as JSON")
	flags.String("metrics-addr", ":9122", "address to serve /metrics and /health on, empty to disable")
}

func runTracker(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	bindAddr, _ := flags.GetString("bind-addr")
	dataDir, _ := flags.GetString("data-dir")
	groupMode, _ := flags.GetString("group-mode")
	peerAddrs, _ := flags.GetStringSlice("tracker-peers")
	networkTimeout, _ := flags.GetDuration("network-timeout")
	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")
	metricsAddr, _ := flags.GetString("metrics-addr")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	metrics.SetVersion(Version)

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	cfg := trackerd.DefaultConfig()
	cfg.BindAddr = bindAddr
	cfg.NetworkTimeout = networkTimeout
	if groupMode == "most_free" {
		cfg.GroupMode = trackerd.GroupMostFree
	}

	reg := registry.New()
	sched := scheduler.NewScheduler(reg)
	broker := events.NewBroker()

	self, err := selfPeer(bindAddr)
	if err != nil {
		return err
	}
	election := trackerpeer.NewElection(self, reg, broker)
	for _, addr := range peerAddrs {
		peer, err := parsePeer(addr)
		if err != nil {
			return fmt.Errorf("invalid --tracker-peers entry %q: %w", addr, err)
		}
		election.ReportPeer(peer)
	}

	admin, err := adminstore.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open admin store: %w", err)
	}
	defer admin.Close()
	if err := admin.Rebuild(reg); err != nil {
		return fmt.Errorf("rebuild admin store: %w", err)
	}

	collector := metrics.NewCollector(reg)
	collector.Start()
	defer collector.Stop()

	srv := trackerd.New(cfg, reg, sched, election, admin, broker)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}
	fmt.Printf("fdfs-trackerd listening on %s\n", bindAddr)

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

// selfPeer derives this tracker's own Peer identity from its bind
// address; trackers advertise themselves by the same host they listen
// on, matching how storage servers learn the leader's address.
func selfPeer(bindAddr string) (trackerpeer.Peer, error) {
	host, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return trackerpeer.Peer{}, fmt.Errorf("malformed --bind-addr %q: %w", bindAddr, err)
	}
	if host == "" {
		host = localIP()
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return trackerpeer.Peer{}, fmt.Errorf("malformed --bind-addr port %q: %w", bindAddr, err)
	}
	return trackerpeer.Peer{IP: host, Port: port, StartTime: time.Now()}, nil
}

func parsePeer(addr string) (trackerpeer.Peer, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return trackerpeer.Peer{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return trackerpeer.Peer{}, err
	}
	// Peers configured at startup are assumed already running; their
	// true start time arrives once they report themselves back, at
	// which point ReportPeer overwrites this entry.
	return trackerpeer.Peer{IP: host, Port: port, StartTime: time.Now()}, nil
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}
