// Package cli wires the replicator core into a standalone command line
// tool: a way to exercise backup/restore/gc against a plain FileWAL and
// a filesystem-backed object store without embedding anything.
//
// Command Structure:
//
//	walreplica                       # Root command
//	├── backup                       # Run the flush/upload pipeline
//	│   └── --config, -c            # Config file (YAML)
//	├── restore                      # Restore the live DB file
//	│   └── --generation            # Restore a specific generation
//	│   └── --before                # Pick the newest generation at or before this time (RFC3339)
//	├── gc                           # Run Tombstone/GC
//	│   └── --older-than            # Only delete generations older than this
//	│   └── --commit                # Hard-delete now (default: tombstone only)
//	├── --version
//	└── --help
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/walreplica/internal/config"
	"github.com/ChuLiYu/walreplica/internal/metrics"
	"github.com/ChuLiYu/walreplica/internal/replicator"
	"github.com/ChuLiYu/walreplica/internal/store"
	"github.com/ChuLiYu/walreplica/internal/walio"
	"github.com/ChuLiYu/walreplica/pkg/types"
)

var configFile string

// hostFlags are wiring concerns the recognized-options table does not
// cover: where the local WAL lives, where the live database file lives,
// and where the filesystem object store is rooted. These describe the
// host, not the replication policy, so they stay out of config.Options.
type hostFlags struct {
	storeDir   string
	walPath    string
	liveDBPath string
	stagingDir string
}

func (h *hostFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&h.storeDir, "store-dir", "data/store", "filesystem object store root")
	cmd.Flags().StringVar(&h.walPath, "wal-path", "data/wal", "host WAL file path")
	cmd.Flags().StringVar(&h.liveDBPath, "live-db-path", "data/live.db", "live database file path")
	cmd.Flags().StringVar(&h.stagingDir, "staging-dir", "data/staging", "scratch directory for staged batches and snapshots")
}

// BuildCLI assembles the walreplica command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "walreplica",
		Short: "walreplica: continuous WAL backup and restore for an embedded database",
		Long: `walreplica streams a host database's write-ahead log to an object
store in size- or time-bounded batches, periodically snapshots the live
database file, and can restore the database from any recorded
generation, chosen directly or as the newest one at or before a given
time. A generation's batches are not filtered by time: all of them are
replayed.`,
		Version: "0.1.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildBackupCommand())
	rootCmd.AddCommand(buildRestoreCommand())
	rootCmd.AddCommand(buildGCCommand())

	return rootCmd
}

func openReplicator(ctx context.Context, h *hostFlags, collector *metrics.Collector) (*replicator.Replicator, error) {
	opts, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("cli: load config: %w", err)
	}

	st, err := store.NewFSStore(h.storeDir)
	if err != nil {
		return nil, fmt.Errorf("cli: open store: %w", err)
	}

	return replicator.New(ctx, opts, replicator.Dependencies{
		Store:      st,
		Opener:     walio.FileOpener{},
		Verifier:   walio.CRC32Verifier{},
		WALPath:    h.walPath,
		LiveDBPath: h.liveDBPath,
		StagingDir: h.stagingDir,
		Metrics:    collector,
	})
}

func buildBackupCommand() *cobra.Command {
	var h hostFlags
	var pageSize uint32
	var metricsPort int
	var snapshotEvery time.Duration

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Watch the local WAL and continuously stream it to the object store",
		Long: `backup opens the host WAL at --wal-path, mints a new generation,
and follows the file for newly appended frames, handing them to
the Frame Sequencer as it finds them. It runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd.Context(), &h, pageSize, metricsPort, snapshotEvery)
		},
	}

	h.register(cmd)
	cmd.Flags().Uint32Var(&pageSize, "page-size", 4096, "host database page size in bytes")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")
	cmd.Flags().DurationVar(&snapshotEvery, "snapshot-every", 5*time.Minute, "how often to snapshot the live database file")

	return cmd
}

func runBackup(ctx context.Context, h *hostFlags, pageSize uint32, metricsPort int, snapshotEvery time.Duration) error {
	log := slog.Default()

	var collector *metrics.Collector
	if metricsPort != 0 {
		collector = metrics.NewCollector()
		go func() {
			if err := metrics.StartServer(metricsPort); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	r, err := openReplicator(ctx, h, collector)
	if err != nil {
		return err
	}
	defer r.Close()

	r.SetPageSize(pageSize)
	if _, err := r.NewGeneration(ctx, [2]uint32{0, 0}); err != nil {
		return fmt.Errorf("cli: start generation: %w", err)
	}
	log.Info("backup started", "wal_path", h.walPath, "store_dir", h.storeDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(snapshotEvery)
	defer ticker.Stop()

	pollTicker := time.NewTicker(200 * time.Millisecond)
	defer pollTicker.Stop()

	var lastSeen types.FrameNo
	for {
		select {
		case <-sigCh:
			log.Info("backup stopping")
			r.RequestFlush()
			return nil
		case <-ticker.C:
			r.SnapshotMainDbFile()
			if _, err := r.WaitUntilSnapshotted(ctx); err != nil {
				log.Error("snapshot failed", "error", err)
			}
		case <-pollTicker.C:
			n, err := walio.CountFrames(h.walPath)
			if err != nil {
				log.Error("poll wal", "error", err)
				continue
			}
			if n > lastSeen {
				r.SubmitFrames(uint32(n - lastSeen))
				lastSeen = n
			}
		}
	}
}

func buildRestoreCommand() *cobra.Command {
	var h hostFlags
	var generationStr string
	var beforeStr string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the live database file from the object store",
		Long: `restore determines the right generation and frame range from the
store and local state, replays WAL batches onto a snapshot (or fresh
file) as needed, and atomically replaces --live-db-path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd.Context(), &h, generationStr, beforeStr)
		},
	}

	h.register(cmd)
	cmd.Flags().StringVar(&generationStr, "generation", "", "restore this generation specifically (default: the newest generation in the store)")
	cmd.Flags().StringVar(&beforeStr, "before", "", "restore the newest generation at or before this RFC3339 timestamp (its batches are not filtered by time)")

	return cmd
}

func runRestore(ctx context.Context, h *hostFlags, generationStr, beforeStr string) error {
	log := slog.Default()

	var gen *types.GenerationID
	if generationStr != "" {
		parsed, err := types.ParseGenerationID(generationStr)
		if err != nil {
			return fmt.Errorf("cli: parse --generation: %w", err)
		}
		gen = &parsed
	}

	var before *time.Time
	if beforeStr != "" {
		parsed, err := time.Parse(time.RFC3339, beforeStr)
		if err != nil {
			return fmt.Errorf("cli: parse --before: %w", err)
		}
		before = &parsed
	}

	r, err := openReplicator(ctx, h, nil)
	if err != nil {
		return err
	}
	defer r.Close()

	result, err := r.Restore(ctx, gen, before)
	if err != nil {
		return fmt.Errorf("cli: restore: %w", err)
	}

	log.Info("restore complete",
		"action", result.Action,
		"generation", result.Generation,
		"recovered", result.Recovered)
	fmt.Printf("restore complete: action=%s generation=%s recovered=%t\n",
		result.Action, result.Generation, result.Recovered)
	return nil
}

func buildGCCommand() *cobra.Command {
	var h hostFlags
	var olderThanStr string
	var commit bool

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Write a deletion watermark and optionally hard-delete everything behind it",
		Long: `gc always writes a tombstone at --older-than (or "everything" if
omitted). Pass --commit to immediately hard-delete every generation
older than the watermark; otherwise the tombstone is written but
nothing is deleted yet, and a later "gc --commit" finishes the job.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGC(cmd.Context(), &h, olderThanStr, commit)
		},
	}

	h.register(cmd)
	cmd.Flags().StringVar(&olderThanStr, "older-than", "", "RFC3339 timestamp; omit to mean everything")
	cmd.Flags().BoolVar(&commit, "commit", false, "hard-delete now instead of only writing the tombstone")

	return cmd
}

func runGC(ctx context.Context, h *hostFlags, olderThanStr string, commit bool) error {
	log := slog.Default()

	var olderThan *time.Time
	if olderThanStr != "" {
		parsed, err := time.Parse(time.RFC3339, olderThanStr)
		if err != nil {
			return fmt.Errorf("cli: parse --older-than: %w", err)
		}
		olderThan = &parsed
	}

	r, err := openReplicator(ctx, h, nil)
	if err != nil {
		return err
	}
	defer r.Close()

	handle, err := r.DeleteAll(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("cli: write tombstone: %w", err)
	}
	log.Info("tombstone written", "older_than", olderThanStr)

	if !commit {
		fmt.Println("tombstone written; run again with --commit to hard-delete")
		return nil
	}

	deleted, err := r.CommitGC(ctx, handle)
	if err != nil {
		return fmt.Errorf("cli: commit gc: %w", err)
	}
	log.Info("gc committed", "generations_deleted", deleted)
	fmt.Printf("gc committed: %d generation(s) deleted\n", deleted)
	return nil
}
