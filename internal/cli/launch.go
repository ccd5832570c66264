package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"taxiflow/internal/launcher"
	"taxiflow/internal/storage"
)

type launchFlags struct {
	partition     string
	runConfig     string
	runConfigFile string
}

func (f *launchFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.partition, "partition", "p", "", "partition key (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.runConfig, "run-config", "", "run config as inline JSON")
	cmd.Flags().StringVar(&f.runConfigFile, "run-config-file", "", "run config JSON file")
}

func newMaterializeCommand(g *globals) *cobra.Command {
	var lf launchFlags
	cmd := &cobra.Command{
		Use:   "materialize ASSET...",
		Short: "Materialize the given assets in dependency order and wait for the run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := readRunConfig(lf.runConfig, lf.runConfigFile)
			if err != nil {
				return err
			}
			return g.runNow(cmd, launcher.Request{
				Job:       launcher.AssetJob,
				Assets:    args,
				Partition: lf.partition,
				RunConfig: rc,
				Trigger:   storage.TriggerManual,
				Source:    "cli",
			})
		},
	}
	lf.bind(cmd)
	return cmd
}

func newJobCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "List or run jobs",
	}
	var lf launchFlags
	run := &cobra.Command{
		Use:   "run JOB",
		Short: "Run a job and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := readRunConfig(lf.runConfig, lf.runConfigFile)
			if err != nil {
				return err
			}
			return g.runNow(cmd, launcher.Request{
				Job:       args[0],
				Partition: lf.partition,
				RunConfig: rc,
				Trigger:   storage.TriggerManual,
				Source:    "cli",
			})
		},
	}
	lf.bind(run)

	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs with their assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, done, err := g.session(cmd, true)
			if err != nil {
				return err
			}
			defer done()
			type jobRow struct {
				Name        string   `json:"name"`
				Description string   `json:"description,omitempty"`
				Partitions  string   `json:"partitions,omitempty"`
				Assets      []string `json:"assets"`
			}
			var rows []jobRow
			for _, name := range c.Defs.JobNames() {
				j, _ := c.Defs.Job(name)
				keys, err := c.Defs.JobAssets(name)
				if err != nil {
					return err
				}
				row := jobRow{Name: name, Description: j.Description, Assets: keys}
				if j.Partitions != nil {
					row.Partitions = j.Partitions.String()
				}
				rows = append(rows, row)
			}
			if g.jsonOut {
				return g.printJSON(rows)
			}
			tw := g.table()
			fmt.Fprintln(tw, "JOB\tPARTITIONS\tASSETS")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, dash(r.Partitions), strings.Join(r.Assets, ","))
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(run, list)
	return cmd
}

func (g *globals) runNow(cmd *cobra.Command, req launcher.Request) error {
	c, done, err := g.session(cmd, false)
	if err != nil {
		return err
	}
	defer done()
	r, err := c.Launcher.RunNow(cmd.Context(), req)
	if r.ID != "" {
		if perr := g.printRuns([]storage.Run{r}); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func newBackfillCommand(g *globals) *cobra.Command {
	var (
		from, to string
		parallel int
		failFast bool
	)
	cmd := &cobra.Command{
		Use:   "backfill JOB",
		Short: "Run a partitioned job for every partition in a range",
		Long: `Launches one run per existing partition of JOB with from <= key <= to
(either bound may be omitted) and waits for all of them. Runs that write to
the database are still serialized by the engine; --parallel bounds how many
are queued at once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if parallel < 1 {
				return fmt.Errorf("--parallel must be at least 1")
			}
			c, done, err := g.session(cmd, false)
			if err != nil {
				return err
			}
			defer done()
			j, err := c.Defs.Job(args[0])
			if err != nil {
				return err
			}
			if j.Partitions == nil {
				return fmt.Errorf("job %s is not partitioned", j.Name)
			}
			keys, err := j.Partitions.KeysBetween(from, to, time.Now())
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Fprintln(g.stderr, "no partitions in range")
				return nil
			}

			var (
				mu   sync.Mutex
				runs = make([]storage.Run, len(keys))
				errs = make([]error, len(keys))
			)
			eg, ctx := errgroup.WithContext(cmd.Context())
			eg.SetLimit(parallel)
			for i, key := range keys {
				i, key := i, key
				eg.Go(func() error {
					r, err := c.Launcher.RunNow(ctx, launcher.Request{
						Job:       j.Name,
						Partition: key,
						Trigger:   storage.TriggerBackfill,
						Source:    "backfill",
						// Long ranges wait for queue space.
						WaitForQueue: true,
					})
					mu.Lock()
					runs[i], errs[i] = r, err
					mu.Unlock()
					if failFast {
						return err
					}
					return nil
				})
			}
			waitErr := eg.Wait()

			var out []storage.Run
			failed := 0
			for i, r := range runs {
				if errs[i] != nil {
					failed++
				}
				if r.ID != "" {
					out = append(out, r)
				}
			}
			if err := g.printRuns(out); err != nil {
				return err
			}
			if failed > 0 {
				return errors.Join(fmt.Errorf("backfill %s: %d of %d partitions failed", j.Name, failed, len(keys)), waitErr)
			}
			return waitErr
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first partition key (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "last partition key (inclusive)")
	cmd.Flags().IntVar(&parallel, "parallel", 2, "runs queued at once")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "cancel remaining partitions after the first failure")
	return cmd
}

// blockingLauncher runs sensor requests to completion so a one-shot sensor
// tick does not exit with queued runs. A run that executed counts as
// launched even when it failed; the failure is reported with the run.
type blockingLauncher struct {
	l *launcher.Launcher

	mu   sync.Mutex
	runs []storage.Run
}

func (b *blockingLauncher) Launch(ctx context.Context, req launcher.Request) (storage.Run, error) {
	r, err := b.l.RunNow(ctx, req)
	if r.ID != "" && (r.Status == storage.StatusSuccess || r.Status == storage.StatusFailure) {
		b.mu.Lock()
		b.runs = append(b.runs, r)
		b.mu.Unlock()
		return r, nil
	}
	return r, err
}
