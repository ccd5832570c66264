package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownEnvironment = errors.New("unknown database environment")

// DatabaseTarget is the resolved database for the active environment.
type DatabaseTarget struct {
	Environment string
	Path        string
	MirrorRaw   bool
}

// ResolveDatabase picks the database configuration for cfg.Environment.
//
// "local" (the default) uses database.path. Any other environment must be
// declared under database.environments.
func (c *Config) ResolveDatabase() (DatabaseTarget, error) {
	env := strings.TrimSpace(c.Environment)
	if env == "" {
		env = DefaultEnvironment
	}
	if env == DefaultEnvironment {
		path := strings.TrimSpace(c.Database.Path)
		if path == "" {
			return DatabaseTarget{}, fmt.Errorf("database.path is required for environment %q", env)
		}
		return DatabaseTarget{Environment: env, Path: path}, nil
	}

	de, ok := c.Database.Environments[env]
	if !ok {
		known := make([]string, 0, len(c.Database.Environments))
		for k := range c.Database.Environments {
			known = append(known, k)
		}
		sort.Strings(known)
		return DatabaseTarget{}, fmt.Errorf("%w: %q (configured: %s)", ErrUnknownEnvironment, env, strings.Join(known, ","))
	}
	if strings.TrimSpace(de.Path) == "" {
		return DatabaseTarget{}, fmt.Errorf("database.environments.%s.path is required", env)
	}
	return DatabaseTarget{Environment: env, Path: strings.TrimSpace(de.Path), MirrorRaw: de.MirrorRaw}, nil
}
