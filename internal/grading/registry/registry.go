// Package registry owns the language adapters available to a runner process.
package registry

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"acarunner/internal/grading/plugin"
	appErr "acarunner/pkg/errors"
	"acarunner/pkg/utils/logger"

	"go.uber.org/zap"
)

// Registry maps language tags to adapters. It is built once at startup
// and only read afterwards, so concurrent readers need no locking.
type Registry struct {
	order   []string
	plugins map[string]plugin.Plugin
}

// Outcome is what ExecuteTests hands back to the orchestrator.
// Invoked is true once the adapter's test runner was reached.
type Outcome struct {
	Language string                 `json:"language"`
	Invoked  bool                   `json:"-"`
	Result   plugin.ExecutionResult `json:"result"`
}

// New registers plugins in the given order. A nil plugin, an empty
// language or a duplicate language is a programming error.
func New(plugins ...plugin.Plugin) (*Registry, error) {
	reg := &Registry{
		order:   make([]string, 0, len(plugins)),
		plugins: make(map[string]plugin.Plugin, len(plugins)),
	}
	for _, p := range plugins {
		if err := reg.register(p); err != nil {
			return nil, err
		}
	}
	if len(reg.plugins) == 0 {
		return nil, appErr.New(appErr.PluginRegistration).WithMessage("at least one language plugin must be registered")
	}
	return reg, nil
}

// MustNew is New that panics on a registration error.
func MustNew(plugins ...plugin.Plugin) *Registry {
	reg, err := New(plugins...)
	if err != nil {
		panic(err)
	}
	return reg
}

func (r *Registry) register(p plugin.Plugin) error {
	if p == nil {
		return appErr.New(appErr.PluginRegistration).WithMessage("language plugin cannot be nil")
	}
	lang := normalize(p.Language())
	if lang == "" {
		return appErr.New(appErr.PluginRegistration).WithMessage("language plugin missing language identifier")
	}
	if _, exists := r.plugins[lang]; exists {
		return appErr.Newf(appErr.PluginRegistration, "duplicate language plugin for %q", lang)
	}
	r.plugins[lang] = p
	r.order = append(r.order, lang)
	return nil
}

// Get returns the adapter registered for language.
func (r *Registry) Get(language string) (plugin.Plugin, bool) {
	p, ok := r.plugins[normalize(language)]
	return p, ok
}

// Supported reports whether language has an adapter.
func (r *Registry) Supported(language string) bool {
	_, ok := r.Get(language)
	return ok
}

// SupportedLanguages lists languages in registration order.
func (r *Registry) SupportedLanguages() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// DetectLanguage returns the first adapter, in registration order, that
// claims files. A panicking detector counts as a non-match.
func (r *Registry) DetectLanguage(files []string) (string, bool) {
	if len(files) == 0 {
		return "", false
	}
	for _, lang := range r.order {
		if r.safeDetect(lang, files) {
			return lang, true
		}
	}
	return "", false
}

func (r *Registry) safeDetect(lang string, files []string) (matched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error(context.Background(), "language detection panicked",
				zap.String("language", lang),
				zap.Any("panic", rec),
			)
			matched = false
		}
	}()
	return r.plugins[lang].DetectLanguage(files)
}

// ValidateSubmission checks files against language, or against whichever
// adapter detects them when language is empty.
func (r *Registry) ValidateSubmission(files []string, language string) plugin.Validation {
	if language == "" {
		detected, ok := r.DetectLanguage(files)
		if !ok {
			return plugin.Validation{Errors: []string{"Could not detect programming language from submitted files"}}
		}
		language = detected
	}
	p, ok := r.Get(language)
	if !ok {
		return plugin.Validation{Errors: []string{fmt.Sprintf("Language %s is not supported", language)}}
	}
	return plugin.ValidateSubmission(p, files)
}

// ExecuteTests prepares the environment, runs the tests and renders
// feedback. It never panics and always returns a normalized result.
func (r *Registry) ExecuteTests(ctx context.Context, language, workdir string, files []string, testDir string) (out Outcome) {
	p, ok := r.Get(language)
	if !ok {
		msg := fmt.Sprintf("Language %s is not supported", language)
		return Outcome{Language: language, Result: plugin.FailureResult(msg)}
	}
	out.Language = p.Language()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error(ctx, "language plugin panicked",
				zap.String("language", out.Language),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			out.Result = plugin.FailureResult(fmt.Sprintf("Execution failed: %v", rec))
		}
	}()

	env := p.PrepareEnvironment(ctx, workdir, files)
	if !env.Success {
		logger.Warn(ctx, "environment preparation failed", zap.String("language", out.Language), zap.String("error", env.Error))
	}

	out.Invoked = true
	res := p.RunTests(ctx, workdir, testDir, env)
	res.Result.Feedback = p.GenerateFeedback(res)
	if res.Result.Errors == nil {
		res.Result.Errors = []string{}
	}
	if res.Result.Warnings == nil {
		res.Result.Warnings = []string{}
	}
	out.Result = res
	return out
}

// PluginInfo returns the introspection view for language.
func (r *Registry) PluginInfo(language string) (plugin.Info, bool) {
	p, ok := r.Get(language)
	if !ok {
		return plugin.Info{}, false
	}
	return plugin.InfoFor(p), true
}

// AllInfo returns PluginInfo for every registered language.
func (r *Registry) AllInfo() map[string]plugin.Info {
	out := make(map[string]plugin.Info, len(r.order))
	for _, lang := range r.order {
		out[lang] = plugin.InfoFor(r.plugins[lang])
	}
	return out
}

func normalize(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}
