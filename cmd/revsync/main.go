// Command revsync is a thin CLI around the replication core, mirroring
// cmd/warren's rootCmd + persistent-flag + cobra.OnInitialize(initLogging)
// shape. It doesn't talk to a real peer over a socket; "demo" drives two
// in-process databases through a loopback transport.Sender pair so the
// push/pull/checkpoint machinery can be exercised end to end from the
// command line.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/revsync/pkg/blobstore"
	"github.com/cuemby/revsync/pkg/events"
	"github.com/cuemby/revsync/pkg/log"
	"github.com/cuemby/revsync/pkg/metrics"
	"github.com/cuemby/revsync/pkg/replicator"
	"github.com/cuemby/revsync/pkg/revcache"
	"github.com/cuemby/revsync/pkg/storage"
	"github.com/cuemby/revsync/pkg/transport"
	"github.com/cuemby/revsync/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "revsync",
	Short: "revsync - embedded document replication core",
	Long: `revsync synchronizes a local versioned document store with a
remote peer over a multiplexed, framed message protocol: it exchanges
revisions, reconciles divergent edit histories, compresses updates as
deltas, and persists resumable checkpoints.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"revsync version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().Int("metrics-port", 0, "Port to serve Prometheus /metrics on (0 disables)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(demoCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a loopback push/pull replication between two scratch databases",
	Long: `demo creates two BoltDB-backed databases under a temp directory,
wires them together with an in-process transport.Sender pair (no real
socket), writes a handful of documents into the active side, and runs a
one-shot push/pull replication so they converge. Useful for exercising
the Pusher/Puller/Checkpointer pipeline without a live peer.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().Int("docs", 5, "Number of documents to seed on the active side")
	demoCmd.Flags().Duration("timeout", 10*time.Second, "Overall demo timeout")
}

func runDemo(cmd *cobra.Command, args []string) error {
	if port, _ := cmd.Flags().GetInt("metrics-port"); port > 0 {
		go serveMetrics(port)
	}

	docCount, _ := cmd.Flags().GetInt("docs")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	activeDir, err := os.MkdirTemp("", "revsync-active-")
	if err != nil {
		return fmt.Errorf("revsync: failed to create active data dir: %w", err)
	}
	defer os.RemoveAll(activeDir)
	passiveDir, err := os.MkdirTemp("", "revsync-passive-")
	if err != nil {
		return fmt.Errorf("revsync: failed to create passive data dir: %w", err)
	}
	defer os.RemoveAll(passiveDir)

	activeStore, err := storage.NewBoltStore(activeDir)
	if err != nil {
		return fmt.Errorf("revsync: failed to open active store: %w", err)
	}
	defer activeStore.Close()
	passiveStore, err := storage.NewBoltStore(passiveDir)
	if err != nil {
		return fmt.Errorf("revsync: failed to open passive store: %w", err)
	}
	defer passiveStore.Close()

	for i := 0; i < docCount; i++ {
		body := []byte(fmt.Sprintf(`{"seq":%d,"greeting":"hello from revsync"}`, i))
		doc := &types.Document{
			ID:           fmt.Sprintf("doc-%03d", i),
			Collection:   types.DefaultCollection,
			CurrentRevID: types.RevID("1-" + uuid.NewString()[:8]),
			Flags:        types.DocExists,
			Body:         body,
		}
		if err := activeStore.PutDocument(doc); err != nil {
			return fmt.Errorf("revsync: failed to seed %s: %w", doc.ID, err)
		}
	}

	activeSender, passiveSender := transport.NewPair()

	activeBroker := events.NewBroker()
	activeBroker.Start()
	defer activeBroker.Stop()
	passiveBroker := events.NewBroker()
	passiveBroker.Start()
	defer passiveBroker.Stop()

	cache, err := revcache.New(256)
	if err != nil {
		return fmt.Errorf("revsync: failed to create revision cache: %w", err)
	}
	blobs, err := blobstore.Open(activeDir + "/blobs.db")
	if err != nil {
		return fmt.Errorf("revsync: failed to open blob store: %w", err)
	}
	defer blobs.Close()

	localPeerUUID := uuid.NewString()
	remotePeerUUID := uuid.NewString()

	passiveRepl, err := replicator.New(replicator.Config{
		Store:          passiveStore,
		Sender:         passiveSender,
		Broker:         passiveBroker,
		Cache:          cache,
		Blobs:          blobs,
		LocalPeerUUID:  remotePeerUUID,
		RemoteIdentity: localPeerUUID,
		Active:         false,
		Options: types.ReplicatorOptions{
			Push: types.DirectionDisabled,
			Pull: types.DirectionOneShot,
		},
		Delegate: statusLogger("passive"),
	})
	if err != nil {
		return fmt.Errorf("revsync: failed to build passive replicator: %w", err)
	}
	if err := passiveRepl.Start(ctx); err != nil {
		return fmt.Errorf("revsync: passive replicator failed to start: %w", err)
	}
	defer passiveRepl.Stop()

	activeRepl, err := replicator.New(replicator.Config{
		Store:          activeStore,
		Sender:         activeSender,
		Broker:         activeBroker,
		Cache:          cache,
		Blobs:          blobs,
		LocalPeerUUID:  localPeerUUID,
		RemoteIdentity: remotePeerUUID,
		Active:         true,
		Options: types.ReplicatorOptions{
			Push: types.DirectionOneShot,
			Pull: types.DirectionDisabled,
		},
		Delegate: statusLogger("active"),
	})
	if err != nil {
		return fmt.Errorf("revsync: failed to build active replicator: %w", err)
	}
	if err := activeRepl.Start(ctx); err != nil {
		return fmt.Errorf("revsync: active replicator failed to start: %w", err)
	}
	defer activeRepl.Stop()

	log.Info(fmt.Sprintf("seeded %d documents, replicating until push drains or %s elapses", docCount, timeout))

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("revsync: demo timed out before converging: %w", ctx.Err())
		case <-ticker.C:
			n, err := countConverged(passiveStore, docCount)
			if err != nil {
				return err
			}
			if n >= docCount {
				log.Info(fmt.Sprintf("converged: %d/%d documents replicated", n, docCount))
				return nil
			}
		}
	}
}

func countConverged(store storage.Store, want int) (int, error) {
	n := 0
	for i := 0; i < want; i++ {
		_, err := store.GetDocument(types.DefaultCollection, fmt.Sprintf("doc-%03d", i))
		if err == nil {
			n++
		}
	}
	return n, nil
}

func statusLogger(side string) func(types.Status) {
	return func(s types.Status) {
		logger := log.WithComponent("demo")
		if s.Error != nil {
			logger.Warn().Str("side", side).Int("level", int(s.Level)).Err(s.Error).Msg("status changed")
			return
		}
		logger.Debug().Str("side", side).Int("level", int(s.Level)).Msg("status changed")
	}
}

// serveMetrics exposes the Prometheus handler on port until the process
// is signaled to stop. Errors are logged, not fatal, since the demo
// itself doesn't depend on metrics being reachable.
func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Info(fmt.Sprintf("serving metrics on %s/metrics", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server stopped", err)
	}
}
