package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coderift/semcode/internal/config"
	"github.com/coderift/semcode/internal/logging"
	"github.com/coderift/semcode/internal/output"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Watch for file changes and keep the index current",
		Long: `Watch the project for file changes and incrementally re-index
modified files as they are saved.

This is the foreground version of the live re-indexing that 'semcode serve'
runs in the background: useful during active development when no MCP server
is needed. Press Ctrl+C to stop.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runWatch(cmd, path)
		},
	}

	return cmd
}

func runWatch(cmd *cobra.Command, path string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if _, cleanup, err := logging.Setup(logCfg); err == nil {
		defer cleanup()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	dataDir := filepath.Join(root, ".semcode")
	if _, err := os.Stat(filepath.Join(dataDir, "metadata.db")); os.IsNotExist(err) {
		return fmt.Errorf("no index found. Run 'semcode index' first")
	}

	engine, metadata, _, closeAll, err := openSearchEngine(ctx, root)
	if err != nil {
		return err
	}
	defer closeAll()
	defer func() { _ = engine.Close() }()

	out := output.New(cmd.OutOrStdout())
	out.Statusf("👀", "Watching %s for changes (Ctrl+C to stop)", root)

	// Same watcher/reconciler loop serve runs in the background, here in
	// the foreground until the context is cancelled.
	startBackgroundWatcher(ctx, root, engine, metadata)

	out.Status("", "Watch stopped")
	return nil
}
