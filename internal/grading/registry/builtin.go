package registry

import (
	"acarunner/internal/grading/plugin"
	"acarunner/internal/grading/plugin/python"
	appErr "acarunner/pkg/errors"
)

// Factory constructs one adapter.
type Factory func() plugin.Plugin

// Entry binds a language tag to its factory.
type Entry struct {
	Language string
	Factory  Factory
}

// Options carries per-adapter settings for the builtin table.
type Options struct {
	Python python.Options `yaml:"python"`
}

// Builtins is the static table of adapters shipped with the runner.
// Adding a language means adding one entry here.
func Builtins(opts Options) []Entry {
	return []Entry{
		{Language: python.Language, Factory: func() plugin.Plugin { return python.New(opts.Python) }},
	}
}

// FromTable builds a registry from entries, rejecting an entry whose
// factory produces a plugin for a different language.
func FromTable(entries []Entry) (*Registry, error) {
	plugins := make([]plugin.Plugin, 0, len(entries))
	for _, entry := range entries {
		if entry.Factory == nil {
			return nil, appErr.Newf(appErr.PluginRegistration, "no factory for language %q", entry.Language)
		}
		p := entry.Factory()
		if p != nil && normalize(p.Language()) != normalize(entry.Language) {
			return nil, appErr.Newf(appErr.PluginRegistration, "factory for %q built a %q plugin", entry.Language, p.Language())
		}
		plugins = append(plugins, p)
	}
	return New(plugins...)
}
