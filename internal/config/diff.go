package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only changes that
// are safe to apply without a restart are tracked; provider changes are
// reported so the operator can be told a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DefaultsChanged is true when the per-call option defaults changed.
	// New analyses pick the new defaults up immediately.
	DefaultsChanged bool

	// ProvidersChanged is true when any provider block was added, removed,
	// or modified. The running fleet is not rebuilt; a restart is required.
	ProvidersChanged bool
	ProviderChanges  []ProviderDiff
}

// ProviderDiff describes what changed for a single provider id.
type ProviderDiff struct {
	ID      string
	Added   bool
	Removed bool
	Changed bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Defaults != new.Defaults {
		d.DefaultsChanged = true
	}

	oldByID := make(map[string]*ProviderConfig, len(old.Providers))
	for i := range old.Providers {
		oldByID[old.Providers[i].ID] = &old.Providers[i]
	}
	newByID := make(map[string]*ProviderConfig, len(new.Providers))
	for i := range new.Providers {
		newByID[new.Providers[i].ID] = &new.Providers[i]
	}

	for id, op := range oldByID {
		np, exists := newByID[id]
		if !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{ID: id, Removed: true})
			d.ProvidersChanged = true
			continue
		}
		if !reflect.DeepEqual(op, np) {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{ID: id, Changed: true})
			d.ProvidersChanged = true
		}
	}
	for id := range newByID {
		if _, exists := oldByID[id]; !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{ID: id, Added: true})
			d.ProvidersChanged = true
		}
	}

	return d
}
