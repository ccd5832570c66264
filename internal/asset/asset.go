// Package asset models pipeline assets and the dependency graph between them.
package asset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"taxiflow/internal/partition"
	logx "taxiflow/pkg/logx"
)

type Kind int

const (
	// Materializable assets produce a file or table when run.
	Materializable Kind = iota
	// ObservableSource assets only report a data version of something
	// outside the pipeline (e.g. an upstream dataset's last update time).
	ObservableSource
)

func (k Kind) String() string {
	if k == ObservableSource {
		return "observable_source"
	}
	return "materializable"
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Func materializes or observes an asset.
type Func func(ctx context.Context, ac *Context) (Output, error)

type Asset struct {
	Key         string
	Group       string
	Description string
	Deps        []string
	Partitions  *partition.TimeWindow
	Kind        Kind
	// Eager assets are launched by the auto-materializer when an upstream
	// changes.
	Eager bool
	Fn    Func
}

func (a *Asset) Partitioned() bool { return a.Partitions != nil }

type Output struct {
	Metadata    map[string]string
	DataVersion string
}

// Context is handed to an asset function for one run.
type Context struct {
	RunID string
	Asset string
	// Partition is empty unless the asset is partitioned.
	Partition string
	RunConfig json.RawMessage
	Log       logx.Logger
}

var ErrNoRunConfig = errors.New("run config required")

// DecodeConfig unmarshals the run config into v.
func (c *Context) DecodeConfig(v any) error {
	if len(c.RunConfig) == 0 || string(c.RunConfig) == "null" {
		return fmt.Errorf("%s: %w", c.Asset, ErrNoRunConfig)
	}
	if err := json.Unmarshal(c.RunConfig, v); err != nil {
		return fmt.Errorf("%s: decode run config: %w", c.Asset, err)
	}
	return nil
}

// PartitionKey returns the partition or an error for an unpartitioned run
// of a partitioned asset.
func (c *Context) PartitionKey() (string, error) {
	if c.Partition == "" {
		return "", fmt.Errorf("%s: partition key required", c.Asset)
	}
	return c.Partition, nil
}
