package pipeline

import (
	"context"

	"taxiflow/internal/asset"
)

func (p *Pipeline) materializeDbt(ctx context.Context, ac *asset.Context) (asset.Output, error) {
	if err := p.res.Dbt.Build(ctx); err != nil {
		return asset.Output{}, err
	}
	return asset.Output{Metadata: map[string]string{"command": "dbt build"}}, nil
}
