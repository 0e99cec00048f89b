// Command smd is the StackMemory daemon: the long-lived per-project
// supervisor that owns the filesystem watcher, the Tier Manager's
// migration loop, the expired-session sweeper, and the Tool Surface socket
// listener. Structured like the teacher's cmd/bd root command (a cobra
// root with PersistentPreRun setting up a signal-aware context), scaled
// down to the one subcommand this daemon needs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/daemon"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/stackmemory"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/telemetry"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/toolsurface"
)

// Version is set via -ldflags at release build time; left as the
// development default otherwise.
var Version = "0.1.0"

var (
	cwdFlag    string
	foreground bool
)

var rootCmd = &cobra.Command{
	Use:   "smd",
	Short: "smd - StackMemory background daemon",
	Long:  `smd runs the Tier Manager migration loop, filesystem watcher, session sweeper, and Tool Surface listener for one project.`,
	RunE:  runDaemon,
}

func init() {
	rootCmd.Flags().StringVar(&cwdFlag, "project", "", "Project directory (default: current working directory)")
	rootCmd.Flags().BoolVar(&foreground, "foreground", true, "Run in the foreground (smd has no background-fork mode; present for cmd/bd-daemon-start parity)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))

	telProviders, err := telemetry.Init(os.Stderr)
	if err != nil {
		return fmt.Errorf("smd: init telemetry: %w", err)
	}
	defer telProviders.Shutdown(context.Background())

	eng, err := stackmemory.Open(cmd.Context(), stackmemory.Options{Cwd: cwdFlag, Logger: logger})
	if err != nil {
		return fmt.Errorf("smd: open engine: %w", err)
	}
	defer eng.Close()
	if err := level.UnmarshalText([]byte(eng.Config.LogLevel)); err != nil {
		logger.Warn("smd: unrecognized log level, using info", slog.String("log_level", eng.Config.LogLevel))
	}

	d := daemon.New(daemon.Config{
		Store:           eng.Store,
		Bus:             eng.Bus,
		Tier:            eng.Tier,
		Logger:          logger,
		PidFilePath:     eng.PidFilePath(),
		WatchRoots:      eng.Config.WatchRoots,
		WatchExtensions: eng.Config.WatchExtensions,
		WatchIgnore:     eng.Config.WatchIgnore,
	})

	sock := toolsurface.NewSocketServer(eng.Tools, eng.SocketPath(), logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- d.Run(ctx) }()
	go func() { errCh <- sock.Serve(ctx) }()

	logger.Info("smd: ready", slog.String("project_id", eng.ProjectID), slog.String("socket", eng.SocketPath()))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("smd: component exited", slog.Any("error", err))
		}
	}

	d.Stop()
	sock.Stop()
	return nil
}

func main() {
	rootCmd.Version = Version
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
