// Package main provides the lineage CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lineagegraph/lineage/pkg/blob"
	"github.com/lineagegraph/lineage/pkg/config"
	"github.com/lineagegraph/lineage/pkg/engine"
	"github.com/lineagegraph/lineage/pkg/graph"
	"github.com/lineagegraph/lineage/pkg/source"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "lineage",
		Short: "Lineage - Incremental reachable-graph cache and build engine",
		Long: `Lineage incrementally materializes the subgraph reachable from a root
node of a remote provenance graph, caches adjacency and node details with
TTLs, persists the working set across restarts, and repairs exactly the
cache keys an observed remote mutation made stale.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (LINEAGE_* env vars override)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lineage v%s (%s)\n", version, commit)
		},
	})

	buildCmd := &cobra.Command{
		Use:   "build <root-hash> <version>",
		Short: "Build the reachable set under a root node",
		Long: `Build runs one traversal session from the given root and commits the
result into the scope's durable working set. Without --demo the remote is
empty, so a first run reports the root as not found; --demo seeds a small
deterministic graph under the root for exercising the engine end to end.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, args, configPath)
		},
	}
	buildCmd.Flags().String("order", "", "Traversal order (bfs|dfs), overrides config")
	buildCmd.Flags().String("mode", "", "Children mode (strict|union), overrides config")
	buildCmd.Flags().Int("max-visited", 0, "Visit cap, overrides config")
	buildCmd.Flags().Bool("demo", false, "Seed a deterministic demo graph under the root")
	rootCmd.AddCommand(buildCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show working-set statistics for the configured scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(configPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop all caches and durable snapshots for the configured scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(configPath)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		cfg.ApplyEnv()
	} else {
		cfg = config.LoadFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// newEngine assembles the engine from config. The remote is the in-memory
// fixture; real deployments swap in their own source.Remote implementation.
func newEngine(cfg *config.Config, remote source.Remote) (*engine.Engine, *zap.Logger, error) {
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := blob.NewBadgerStore(cfg.Storage.DataDir, cfg.Storage.InMemory)
	if err != nil {
		return nil, nil, fmt.Errorf("open blob store: %w", err)
	}
	return engine.New(cfg, remote, store, log), log, nil
}

func runBuild(cmd *cobra.Command, args []string, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("order"); v != "" {
		cfg.Build.Order = v
	}
	if v, _ := cmd.Flags().GetString("mode"); v != "" {
		cfg.Build.Mode = v
	}
	if v, _ := cmd.Flags().GetInt("max-visited"); v > 0 {
		cfg.Build.MaxVisited = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	root, err := parseRoot(args[0], args[1])
	if err != nil {
		return err
	}

	remote := source.NewFixtureRemote()
	if demo, _ := cmd.Flags().GetBool("demo"); demo {
		seedDemo(remote, root)
	}

	eng, log, err := newEngine(cfg, remote)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := eng.Refresh(ctx, root)
	if err != nil {
		return err
	}
	fmt.Printf("state=%s visited=%d depth=%d", res.State, res.Visited, res.MaxDepth)
	if res.CapHit {
		fmt.Printf(" (visit cap reached)")
	}
	if res.Message != "" {
		fmt.Printf(" message=%q", res.Message)
	}
	fmt.Println()
	return nil
}

func runStats(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	eng, log, err := newEngine(cfg, source.NewFixtureRemote())
	if err != nil {
		return err
	}
	defer log.Sync()
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := eng.Ready(ctx); err != nil {
		return err
	}

	out, err := json.MarshalIndent(eng.Status(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runClear(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	eng, log, err := newEngine(cfg, source.NewFixtureRemote())
	if err != nil {
		return err
	}
	defer log.Sync()
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := eng.ClearAllCaches(ctx); err != nil {
		return err
	}
	fmt.Println("caches cleared")
	return nil
}

func parseRoot(hashArg, versionArg string) (graph.NodeID, error) {
	hash, err := graph.ParseEntityHash(hashArg)
	if err != nil {
		return graph.NodeID{}, fmt.Errorf("root hash: %w", err)
	}
	v, err := strconv.ParseUint(versionArg, 10, 32)
	if err != nil {
		return graph.NodeID{}, fmt.Errorf("root version %q: %w", versionArg, err)
	}
	return graph.NodeID{Entity: hash, Version: uint32(v)}, nil
}

// seedDemo registers a small two-level graph under root: three children,
// each with two grandchildren, derived deterministically from the root hash.
func seedDemo(remote *source.FixtureRemote, root graph.NodeID) {
	remote.AddDetail(&source.Detail{ID: root, Tag: "demo-root"})
	for i := byte(1); i <= 3; i++ {
		child := derived(root, i)
		remote.AddDetail(&source.Detail{ID: child, ParentA: &root, Tag: fmt.Sprintf("demo-child-%d", i)})
		remote.LinkStrict(root, child)
		for j := byte(1); j <= 2; j++ {
			grand := derived(child, j)
			remote.AddDetail(&source.Detail{ID: grand, ParentA: &child, Tag: fmt.Sprintf("demo-grandchild-%d-%d", i, j)})
			remote.LinkStrict(child, grand)
		}
	}
}

func derived(parent graph.NodeID, n byte) graph.NodeID {
	h := parent.Entity
	h[31] += n
	return graph.NodeID{Entity: h, Version: 1}
}
