// Command sm is a thin external-CLI collaborator for the StackMemory Tool
// Surface: spec.md §4.9 deliberately leaves transport, exit codes, and CLI
// shape to "the external CLI collaborator", so sm only dials smd's socket,
// marshals one operation call, and prints the response — no interactive
// prompt flow, matching SPEC_FULL.md's note that this spec's CLI has none.
// Styled on cmd/bd-examples/main.go's lipgloss status-coloring idiom for
// the two diagnostic subcommands, status and doctor.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/lockfile"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/stackmemory"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage/factory"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/toolsurface"
)

var (
	cwdFlag     string
	dialTimeout = 2 * time.Second
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"})
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"})
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"})
	muted     = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"})
)

// init strips color from the styles above when stdout can't render it (a
// dumb terminal, or output piped to a file/`sm | cat`) and tells lipgloss's
// AdaptiveColor resolution which background it's rendering against —
// termenv's own light/dark heuristics are more portable across terminal
// emulators than GOOS-based guessing.
func init() {
	out := termenv.NewOutput(os.Stdout)
	if out.ColorProfile() == termenv.Ascii {
		okStyle, warnStyle, failStyle, muted = lipgloss.NewStyle(), lipgloss.NewStyle(), lipgloss.NewStyle(), lipgloss.NewStyle()
		return
	}
	lipgloss.SetHasDarkBackground(out.HasDarkBackground())
}

var rootCmd = &cobra.Command{
	Use:   "sm",
	Short: "sm - StackMemory Tool Surface client",
}

var callCmd = &cobra.Command{
	Use:   "call <operation> <args-json>",
	Short: "Send one Tool Surface request to smd and print its response",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := projectPaths()
		if err != nil {
			return err
		}
		defer eng.Close()
		client, err := toolsurface.Dial(eng.SocketPath(), dialTimeout)
		if err != nil {
			return fmt.Errorf("sm: smd is not reachable at %s: %w", eng.SocketPath(), err)
		}
		defer client.Close()

		resp, err := client.Call(&toolsurface.Request{
			Operation: args[0],
			Args:      json.RawMessage(args[1]),
		})
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		if resp.Error != nil {
			os.Exit(1)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether smd is running for this project",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := projectPaths()
		if err != nil {
			return err
		}
		defer eng.Close()
		info, err := lockfile.ReadInfo(eng.PidFilePath())
		if err != nil {
			fmt.Println(failStyle.Render("✗ smd is not running") + muted.Render(" (no pid file)"))
			os.Exit(1)
			return nil
		}

		if client, err := toolsurface.Dial(eng.SocketPath(), dialTimeout); err == nil {
			client.Close()
			fmt.Printf("%s pid=%d version=%s started=%s\n",
				okStyle.Render("✓ smd is running"), info.PID, info.Version, info.StartedAt.Format(time.RFC3339))
			return nil
		}
		fmt.Println(warnStyle.Render("! pid file present but socket unreachable — smd may be starting up or stale"))
		os.Exit(1)
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose common project setup problems",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := projectPaths()
		if err != nil {
			return err
		}
		defer eng.Close()
		fmt.Printf("project_id: %s\n", muted.Render(eng.ProjectID))
		fmt.Printf("dot_dir:    %s\n", muted.Render(eng.DotDir()))

		if _, err := os.Stat(eng.DotDir()); err != nil {
			fmt.Println(failStyle.Render("✗ .stackmemory directory missing"))
		} else {
			fmt.Println(okStyle.Render("✓ .stackmemory directory present"))
		}

		if _, err := lockfile.ReadInfo(eng.PidFilePath()); err != nil {
			fmt.Println(warnStyle.Render("! smd is not running (run `smd` to start it)"))
		} else {
			fmt.Println(okStyle.Render("✓ smd pid file present"))
		}
		return nil
	},
}

// projectPaths opens an Engine only far enough to resolve project identity
// and on-disk paths (dot dir, pid file, socket) — it does not start any
// background component, so `sm status`/`doctor` never race a running smd
// for the storage backend's single-writer connection.
func projectPaths() (*stackmemory.Engine, error) {
	return stackmemory.Open(rootCmd.Context(), stackmemory.Options{
		Cwd: cwdFlag, Driver: factory.DriverMemory,
	})
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cwdFlag, "project", "", "Project directory (default: current working directory)")
	rootCmd.AddCommand(callCmd, statusCmd, doctorCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
