// Package cli implements the taxiflow command line: the daemon and the
// one-shot commands that launch runs or inspect definitions and history.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"taxiflow/internal/app"
)

var (
	// Version is set with -ldflags at build time.
	Version = "dev"
)

type globals struct {
	cfgPath  string
	logLevel string
	jsonOut  bool

	stdin          io.Reader
	stdout, stderr io.Writer

	// open is app.OpenCommand outside tests.
	open func(ctx context.Context, cfgPath string, opt app.CommandOptions) (*app.Components, error)
}

// NewRootCommand builds the taxiflow command tree writing to the given
// streams.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stdin: stdin, stdout: stdout, stderr: stderr, open: app.OpenCommand}
	return newRoot(g)
}

func newRoot(g *globals) *cobra.Command {
	rc := &cobra.Command{
		Use:   "taxiflow",
		Short: "taxiflow - NYC taxi data pipeline",
		Long: `Downloads NYC taxi zones and monthly trip files, loads them into DuckDB
and builds the derived metrics, driven by schedules, sensors and
auto-materialization.

Version: ` + Version + "\n",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rc.PersistentFlags().StringVarP(&g.cfgPath, "config", "c", "./config.json", "config file (JSON or YAML); empty uses built-in defaults")
	rc.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override logging.level")
	rc.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "print JSON instead of tables")
	rc.SetIn(g.stdin)
	rc.SetOut(g.stdout)
	rc.SetErr(g.stderr)

	rc.AddCommand(
		newDaemonCommand(g),
		newMaterializeCommand(g),
		newJobCommand(g),
		newBackfillCommand(g),
		newPartitionsCommand(g),
		newAssetsCommand(g),
		newRunsCommand(g),
		newSensorCommand(g),
	)
	return rc
}

// Execute runs the command tree against the process streams and returns
// the exit code. SIGINT and SIGTERM cancel the command context.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rc := NewRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := rc.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "taxiflow:", err)
		return 1
	}
	return 0
}

// session opens the stack for one command. Read-only sessions leave DuckDB
// to a running daemon.
func (g *globals) session(cmd *cobra.Command, readOnly bool) (*app.Components, func(), error) {
	level := g.logLevel
	if level == "" && readOnly {
		level = "warn"
	}
	c, err := g.open(cmd.Context(), g.cfgPath, app.CommandOptions{ReadOnly: readOnly, LogLevel: level})
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = c.Close(context.Background()) }, nil
}

func (g *globals) printJSON(v any) error {
	enc := json.NewEncoder(g.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (g *globals) table() *tabwriter.Writer {
	return tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
}

func readRunConfig(inline, path string) (json.RawMessage, error) {
	switch {
	case inline != "" && path != "":
		return nil, fmt.Errorf("use either --run-config or --run-config-file")
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		inline = string(b)
	case inline == "":
		return nil, nil
	}
	if !json.Valid([]byte(inline)) {
		return nil, fmt.Errorf("run config is not valid JSON")
	}
	return json.RawMessage(inline), nil
}
