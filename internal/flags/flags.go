// Package flags gates optional conduit behaviour behind named switches read
// from the "flags" section of the config file.
package flags

import (
	"maps"
	"slices"

	"github.com/zjrosen/conduit/internal/log"
)

const (
	// FlagSessionPersistence stores sessions and history in SQLite. When off,
	// the server keeps them in memory and loses them on restart.
	FlagSessionPersistence = "session-persistence"

	// FlagInteractionRequests surfaces AskUserQuestion tool calls to viewers
	// as interaction_request events.
	FlagInteractionRequests = "interaction-requests"

	// FlagSummaryTitles renames sessions after the summary the CLI generates.
	FlagSummaryTitles = "summary-titles"
)

// Defaults returns the value of every known flag when config is silent.
func Defaults() map[string]bool {
	return map[string]bool{
		FlagSessionPersistence:  true,
		FlagInteractionRequests: true,
		FlagSummaryTitles:       true,
	}
}

// Registry is an immutable set of flag values.
type Registry struct {
	flags map[string]bool
}

// New creates a Registry from config values layered over Defaults.
func New(configured map[string]bool) *Registry {
	merged := Defaults()
	maps.Copy(merged, configured)
	r := &Registry{flags: merged}
	log.Debug(log.CatConfig, "Feature flags initialized", "count", len(merged), "enabled", r.EnabledNames())
	return r
}

// Enabled reports whether name is on. Unknown flags and a nil Registry are off.
func (r *Registry) Enabled(name string) bool {
	if r == nil {
		return false
	}
	value, ok := r.flags[name]
	if !ok {
		log.Debug(log.CatConfig, "Unknown flag accessed", "flag", name)
		return false
	}
	return value
}

// All returns a copy of every flag value.
func (r *Registry) All() map[string]bool {
	if r == nil {
		return map[string]bool{}
	}
	return maps.Clone(r.flags)
}

// EnabledNames returns the sorted names of enabled flags.
func (r *Registry) EnabledNames() []string {
	var out []string
	for name, on := range r.All() {
		if on {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}
