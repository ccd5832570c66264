package resource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	logx "taxiflow/pkg/logx"
)

type DbtConfig struct {
	Bin         string
	ProjectDir  string
	ProfilesDir string
	Target      string
	Timeout     time.Duration
}

// Dbt runs the dbt CLI against one project.
type Dbt struct {
	cfg DbtConfig
	log logx.Logger
}

func NewDbt(cfg DbtConfig, log logx.Logger) (*Dbt, error) {
	if strings.TrimSpace(cfg.ProjectDir) == "" {
		return nil, errors.New("dbt: project_dir is required")
	}
	if cfg.Bin == "" {
		cfg.Bin = "dbt"
	}
	if cfg.ProfilesDir == "" {
		cfg.ProfilesDir = cfg.ProjectDir
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dbt{cfg: cfg, log: log.With(logx.Comp("dbt"))}, nil
}

// Args returns the command line for a dbt subcommand.
func (d *Dbt) Args(sub string, extra ...string) []string {
	args := []string{sub, "--project-dir", d.cfg.ProjectDir, "--profiles-dir", d.cfg.ProfilesDir}
	if d.cfg.Target != "" {
		args = append(args, "--target", d.cfg.Target)
	}
	return append(args, extra...)
}

// Build runs `dbt build`. Each output line is logged; the last lines are
// attached to the error when dbt exits non-zero.
func (d *Dbt) Build(ctx context.Context, extra ...string) error {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}
	args := d.Args("build", extra...)
	cmd := exec.CommandContext(ctx, d.cfg.Bin, args...)
	cmd.Dir = d.cfg.ProjectDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("dbt: start %s: %w", d.cfg.Bin, err)
	}

	tail := &tailLines{max: 10}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); d.stream(stdout, "stdout", tail) }()
	go func() { defer wg.Done(); d.stream(stderr, "stderr", tail) }()
	wg.Wait()

	err = cmd.Wait()
	d.log.Info("dbt build finished", logx.Duration("took", time.Since(start)), logx.Bool("ok", err == nil))
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("dbt build: %w", ctx.Err())
		}
		return fmt.Errorf("dbt build: %w\n%s", err, tail.String())
	}
	return nil
}

func (d *Dbt) stream(r io.Reader, name string, tail *tailLines) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		tail.add(line)
		d.log.Debug(line, logx.String("stream", name))
	}
}

type tailLines struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (t *tailLines) add(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, s)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailLines) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
