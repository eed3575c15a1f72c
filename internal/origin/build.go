package origin

import (
	"context"
	"fmt"

	"github.com/wudi/edgegate/internal/config"
)

// Build constructs the origin described by cfg.
func Build(ctx context.Context, cfg config.OriginConfig) (Origin, error) {
	switch cfg.Kind {
	case "static":
		return NewStatic(ctx, cfg)
	case "dynamic":
		return NewDynamic(ctx, cfg)
	}
	return nil, fmt.Errorf("origin %s: invalid kind %q", cfg.ID, cfg.Kind)
}

// BuildAll constructs every origin, keyed by id. Nothing is left open when
// any one of them fails.
func BuildAll(ctx context.Context, cfgs []config.OriginConfig) (map[string]Origin, error) {
	origins := make(map[string]Origin, len(cfgs))
	for _, oc := range cfgs {
		if _, dup := origins[oc.ID]; dup {
			CloseAll(origins)
			return nil, fmt.Errorf("origin %s: duplicate id", oc.ID)
		}
		o, err := Build(ctx, oc)
		if err != nil {
			CloseAll(origins)
			return nil, err
		}
		origins[oc.ID] = o
	}
	return origins, nil
}

// CloseAll closes every origin that holds resources.
func CloseAll(origins map[string]Origin) {
	for _, o := range origins {
		if c, ok := o.(Closer); ok {
			c.Close()
		}
	}
}
