package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taxiflow/internal/asset"
	"taxiflow/internal/sensor"
	"taxiflow/internal/storage"
)

func newAssetsCommand(g *globals) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "List assets in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, done, err := g.session(cmd, true)
			if err != nil {
				return err
			}
			defer done()

			type assetRow struct {
				Key         string     `json:"key"`
				Group       string     `json:"group"`
				Kind        asset.Kind `json:"kind"`
				Eager       bool       `json:"eager,omitempty"`
				Partitions  string     `json:"partitions,omitempty"`
				Deps        []string   `json:"deps,omitempty"`
				Description string     `json:"description,omitempty"`
			}
			var rows []assetRow
			graph := c.Defs.Graph
			for _, key := range graph.Keys() {
				a, _ := graph.Get(key)
				if group != "" && a.Group != group {
					continue
				}
				row := assetRow{Key: a.Key, Group: a.Group, Kind: a.Kind, Eager: a.Eager, Deps: graph.Deps(key), Description: a.Description}
				if a.Partitions != nil {
					row.Partitions = a.Partitions.String()
				}
				rows = append(rows, row)
			}
			if g.jsonOut {
				return g.printJSON(rows)
			}
			tw := g.table()
			fmt.Fprintln(tw, "ASSET\tGROUP\tKIND\tPARTITIONS\tDEPS")
			for _, r := range rows {
				kind := r.Kind.String()
				if r.Eager {
					kind += " (eager)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Key, r.Group, kind, dash(r.Partitions), dash(strings.Join(r.Deps, ",")))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "only assets of this group")
	return cmd
}

func newPartitionsCommand(g *globals) *cobra.Command {
	var missing bool
	cmd := &cobra.Command{
		Use:   "partitions ASSET",
		Short: "Show the partitions of an asset and which are materialized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := g.session(cmd, true)
			if err != nil {
				return err
			}
			defer done()
			a, ok := c.Defs.Graph.Get(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", asset.ErrUnknownAsset, args[0])
			}
			if a.Partitions == nil {
				return fmt.Errorf("asset %s is not partitioned", a.Key)
			}
			mats, err := c.Store.MaterializedPartitions(cmd.Context(), a.Key)
			if err != nil {
				return err
			}

			type partRow struct {
				Key          string                   `json:"key"`
				Start        time.Time                `json:"start"`
				End          time.Time                `json:"end"`
				Materialized *storage.Materialization `json:"materialized,omitempty"`
			}
			var rows []partRow
			for _, w := range a.Partitions.Windows(time.Now()) {
				row := partRow{Key: w.Key, Start: w.Start, End: w.End}
				if m, ok := mats[w.Key]; ok {
					row.Materialized = &m
				}
				if missing && row.Materialized != nil {
					continue
				}
				rows = append(rows, row)
			}
			if g.jsonOut {
				return g.printJSON(rows)
			}
			tw := g.table()
			fmt.Fprintln(tw, "PARTITION\tEND\tMATERIALIZED\tRUN")
			for _, r := range rows {
				at, run := "-", "-"
				if m := r.Materialized; m != nil {
					at, run = m.At.Local().Format(time.DateTime), m.RunID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Key, r.End.Format(time.DateOnly), at, run)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&missing, "missing", false, "only partitions never materialized")
	return cmd
}

func newRunsCommand(g *globals) *cobra.Command {
	var (
		f      storage.RunFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				f.Status = storage.RunStatus(strings.ToLower(status))
			}
			c, done, err := g.session(cmd, true)
			if err != nil {
				return err
			}
			defer done()
			runs, err := c.Store.ListRuns(cmd.Context(), f)
			if err != nil {
				return err
			}
			return g.printRuns(runs)
		},
	}
	cmd.Flags().StringVar(&f.Job, "job", "", "filter by job")
	cmd.Flags().StringVar(&f.Partition, "partition", "", "filter by partition key")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (queued, started, success, failure, skipped, canceled)")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum runs")

	show := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := g.session(cmd, true)
			if err != nil {
				return err
			}
			defer done()
			r, err := c.Store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			return g.printJSON(r)
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func newSensorCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sensor",
		Short: "Inspect or evaluate sensors",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List sensors with their cursors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, done, err := g.session(cmd, true)
			if err != nil {
				return err
			}
			defer done()
			type sensorRow struct {
				Name   string `json:"name"`
				Job    string `json:"job"`
				Cursor string `json:"cursor,omitempty"`
			}
			var rows []sensorRow
			for _, s := range c.Defs.Sensors() {
				cur, err := c.Store.GetCursor(cmd.Context(), sensor.CursorKey(s.Name))
				if err != nil {
					return err
				}
				rows = append(rows, sensorRow{Name: s.Name, Job: s.Job, Cursor: cur})
			}
			if g.jsonOut {
				return g.printJSON(rows)
			}
			tw := g.table()
			fmt.Fprintln(tw, "SENSOR\tJOB\tCURSOR")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.Job, dash(r.Cursor))
			}
			return tw.Flush()
		},
	}
	tick := &cobra.Command{
		Use:   "tick SENSOR",
		Short: "Evaluate a sensor once and run what it requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := g.session(cmd, false)
			if err != nil {
				return err
			}
			defer done()
			bl := &blockingLauncher{l: c.Launcher}
			rt := sensor.New(c.Defs, c.Store, bl, sensor.Config{}, c.Log)
			res, err := rt.Tick(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if res.SkipReason != "" {
				fmt.Fprintf(g.stderr, "%s skipped: %s\n", res.Sensor, res.SkipReason)
			}
			if res.Duplicates > 0 {
				fmt.Fprintf(g.stderr, "%s: %d run keys already launched\n", res.Sensor, res.Duplicates)
			}
			if err := g.printRuns(bl.runs); err != nil {
				return err
			}
			failed := res.Failed
			for _, r := range bl.runs {
				if r.Status != storage.StatusSuccess {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("sensor %s: %d requests failed", res.Sensor, failed)
			}
			return nil
		},
	}
	cmd.AddCommand(list, tick)
	return cmd
}

func (g *globals) printRuns(runs []storage.Run) error {
	if g.jsonOut {
		if runs == nil {
			runs = []storage.Run{}
		}
		return g.printJSON(runs)
	}
	tw := g.table()
	fmt.Fprintln(tw, "RUN\tJOB\tPARTITION\tSTATUS\tTRIGGER\tATTEMPTS\tDURATION\tERROR")
	for _, r := range runs {
		dur := "-"
		if !r.StartedAt.IsZero() && !r.EndedAt.IsZero() {
			dur = r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Job, dash(r.Partition), r.Status, r.Trigger, r.Attempts, dur, dash(oneLine(r.Error)))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func oneLine(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
