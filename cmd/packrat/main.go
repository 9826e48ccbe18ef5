package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"packrat/internal/assembler"
	"packrat/internal/config"
	"packrat/internal/remote"
	"packrat/internal/store"
)

var (
	// Global flags
	configPath string
	dbPath     string
	verbose    bool

	// assemble flags
	sessionID  string
	attachGlob []string

	// gc flags
	gcTTL string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "packrat",
	Short: "packrat - context assembly and artifact cache",
	Long: `packrat assembles model context from a working tree: small hot files go
inline under a token budget, everything else is uploaded once, deduplicated
by content hash, and referenced through a remote file collection.

State lives in a local SQLite cache shared safely across processes.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Cache.DatabasePath = dbPath
		}

		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var assembleCmd = &cobra.Command{
	Use:   "assemble [path...]",
	Short: "Assemble context from the given files or directories",
	Long: `Gathers the named files (directories are walked recursively), runs one
assembly for the session, and prints the inline fragment to stdout with a
summary of the external collection on stderr.

Example:
  packrat assemble --session dev ./internal ./go.mod`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAssemble,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache row counts",
	RunE:  runStats,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget a session's partition and sent-file markers",
	RunE:  runReset,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Prune collections idle longer than the TTL",
	Long: `Deletes cache records for collections not touched within the TTL and
best-effort deletes the remote collections behind them. Artifact records are
kept; they are repaired lazily if the service has dropped the files.`,
	RunE: runGC,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "packrat.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "override cache database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	assembleCmd.Flags().StringVarP(&sessionID, "session", "s", "", "session identifier (required)")
	_ = assembleCmd.MarkFlagRequired("session")
	resetCmd.Flags().StringVarP(&sessionID, "session", "s", "", "session identifier (required)")
	_ = resetCmd.MarkFlagRequired("session")
	gcCmd.Flags().StringVar(&gcTTL, "ttl", "", "idle TTL (default from config, e.g. 72h)")

	rootCmd.AddCommand(assembleCmd, statsCmd, resetCmd, gcCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openStore() (*store.Store, error) {
	return store.Open(cfg.Cache.DatabasePath,
		store.WithLogger(logger),
		store.WithRetryPolicy(store.RetryPolicy{
			MaxAttempts: cfg.Cache.RetryMaxAttempts,
			BaseDelay:   config.Duration(cfg.Cache.RetryBaseDelay, 10*time.Millisecond),
			MaxDelay:    config.Duration(cfg.Cache.RetryMaxDelay, 500*time.Millisecond),
		}),
		store.WithPendingClaimTimeout(
			config.Duration(cfg.Cache.PendingClaimTimeout, store.DefaultPendingClaimTimeout)),
	)
}

func newClient() *remote.HTTPClient {
	return remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.APIKey,
		remote.WithHTTPTimeout(config.Duration(cfg.Remote.Timeout, 60*time.Second)),
		remote.WithLogger(logger))
}

func runAssemble(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	files, err := gatherInputs(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files under %v", args)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	asm := assembler.New(st, newClient(), assembler.Params{
		TokenBudget:       cfg.Assembler.TokenBudget,
		CharsPerToken:     cfg.Assembler.CharsPerToken,
		UploadConcurrency: cfg.Assembler.UploadConcurrency,
	}, assembler.WithLogger(logger))

	res, err := asm.Assemble(ctx, sessionID, files, nil)
	if err != nil {
		return err
	}

	fmt.Print(res.Inline)
	fmt.Fprintf(os.Stderr, "inline: %d/%d files sent\n", len(res.InlinePaths), len(files))
	switch {
	case res.Degraded:
		fmt.Fprintf(os.Stderr, "external: degraded (%v)\n", res.DegradedReason)
	case res.CollectionID != "":
		fmt.Fprintf(os.Stderr, "external: collection %s\n", res.CollectionID)
	default:
		fmt.Fprintln(os.Stderr, "external: none")
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-20s %d\n", name, stats[name])
	}
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ResetSession(ctx, sessionID); err != nil {
		return err
	}
	fmt.Printf("session %q reset\n", sessionID)
	return nil
}

func runGC(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	ttl := config.Duration(cfg.Cache.CollectionTTL, 72*time.Hour)
	if gcTTL != "" {
		d, err := time.ParseDuration(gcTTL)
		if err != nil {
			return fmt.Errorf("invalid --ttl: %w", err)
		}
		ttl = d
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	pruned, err := st.PruneCollections(ctx, time.Now().Add(-ttl))
	if err != nil {
		return err
	}

	client := newClient()
	for _, rec := range pruned {
		if err := client.DeleteCollection(ctx, rec.RemoteID); err != nil {
			logger.Warn("remote collection delete failed",
				zap.String("collection", rec.RemoteID), zap.Error(err))
		}
	}
	fmt.Printf("pruned %d collections idle > %s\n", len(pruned), ttl)
	return nil
}

// gatherInputs expands files and directories into FileInputs with paths
// relative to the current working directory. Hidden directories and the
// cache database itself are skipped.
func gatherInputs(args []string) ([]assembler.FileInput, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	var files []assembler.FileInput
	add := func(path string, info fs.FileInfo) error {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(cwd, abs)
		if err != nil {
			rel = abs
		}
		files = append(files, assembler.FileInput{
			AbsPath: abs,
			RelPath: filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	}

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if err := add(arg, info); err != nil {
				return nil, err
			}
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			name := d.Name()
			if d.IsDir() {
				if path != arg && (name == ".git" || name[0] == '.') {
					return filepath.SkipDir
				}
				return nil
			}
			if filepath.Clean(path) == filepath.Clean(cfg.Cache.DatabasePath) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return add(path, info)
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}
