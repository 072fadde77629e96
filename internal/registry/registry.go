/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package registry owns the set of configured language backends and their
// live control connections.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/mimir_relay/internal/backend"
	"github.com/friendsincode/mimir_relay/internal/models"
	"github.com/friendsincode/mimir_relay/internal/telemetry"
)

var (
	// ErrNotInitialized is returned for commands issued before a
	// successful init.
	ErrNotInitialized = errors.New("server is not initialized")
	// ErrUnknownLanguage is returned when a selector names a language
	// outside the configured set.
	ErrUnknownLanguage = errors.New("unknown language")
	// ErrValidation is returned for malformed language configs.
	ErrValidation = errors.New("invalid configuration")
)

type entry struct {
	cfg  models.LanguageConfig
	conn backend.Connector
}

// Registry holds the configured languages. Configure is all-or-nothing:
// either every backend connects or none remain registered.
type Registry struct {
	dialer backend.Dialer
	logger zerolog.Logger

	// lifecycle serializes init/cleanup against command handling so no
	// request observes a half-applied transition.
	lifecycle sync.RWMutex

	mu    sync.RWMutex
	langs map[string]*entry
}

// New creates an empty registry using dialer to build connectors.
func New(dialer backend.Dialer, logger zerolog.Logger) *Registry {
	return &Registry{
		dialer: dialer,
		logger: logger.With().Str("component", "registry").Logger(),
		langs:  make(map[string]*entry),
	}
}

// validateConfig checks the fields a backend connection needs.
func validateConfig(lang string, cfg models.LanguageConfig) error {
	if lang == "" || lang == models.AllLanguages {
		return fmt.Errorf("%w: invalid language name %q", ErrValidation, lang)
	}
	if cfg.HostURL == "" {
		return fmt.Errorf("%w: language %q: host_url is required", ErrValidation, lang)
	}
	if cfg.WebsocketPort <= 0 || cfg.WebsocketPort > 65535 {
		return fmt.Errorf("%w: language %q: websocket_port %d out of range", ErrValidation, lang, cfg.WebsocketPort)
	}
	if cfg.Password == "" {
		return fmt.Errorf("%w: language %q: password is required", ErrValidation, lang)
	}
	if cfg.OriginalMediaURL == "" {
		return fmt.Errorf("%w: language %q: original_media_url is required", ErrValidation, lang)
	}
	return nil
}

// Configure replaces the registered set with configs. Every config is
// validated and every backend connected before the new set becomes
// visible; on any failure the partially-connected backends are closed
// and the previous set stays in force.
func (r *Registry) Configure(ctx context.Context, configs map[string]models.LanguageConfig) error {
	if len(configs) == 0 {
		return fmt.Errorf("%w: no languages supplied", ErrValidation)
	}

	for lang, cfg := range configs {
		if err := validateConfig(lang, cfg); err != nil {
			return err
		}
	}

	next := make(map[string]*entry, len(configs))
	for lang, cfg := range configs {
		conn := r.dialer(lang, cfg)
		if err := conn.Connect(ctx); err != nil {
			for _, e := range next {
				_ = e.conn.Close()
			}
			return fmt.Errorf("language %q: %w", lang, err)
		}
		next[lang] = &entry{cfg: cfg, conn: conn}
	}

	r.mu.Lock()
	prev := r.langs
	r.langs = next
	r.mu.Unlock()

	for lang, e := range prev {
		if err := e.conn.Close(); err != nil {
			r.logger.Warn().Err(err).Str("language", lang).Msg("closing replaced backend")
		}
	}

	telemetry.RegisteredLanguages.Set(float64(len(next)))
	r.logger.Info().Int("languages", len(next)).Msg("languages configured")
	return nil
}

// IsConfigured reports whether an init has completed.
func (r *Registry) IsConfigured() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.langs) > 0
}

// Languages returns the configured languages in sorted order.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.langs))
	for lang := range r.langs {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// Resolve expands a selector into a sorted language list. Every named
// language must exist; the error names the first that does not.
func (r *Registry) Resolve(sel Selector) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.langs) == 0 {
		return nil, ErrNotInitialized
	}

	if sel.IsAll() {
		out := make([]string, 0, len(r.langs))
		for lang := range r.langs {
			out = append(out, lang)
		}
		sort.Strings(out)
		return out, nil
	}

	langs := sel.Languages()
	if len(langs) == 0 {
		return nil, fmt.Errorf("%w: empty selector", ErrValidation)
	}
	for _, lang := range langs {
		if _, ok := r.langs[lang]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, lang)
		}
	}
	sort.Strings(langs)
	return langs, nil
}

// Connector returns the live control connection for lang.
func (r *Registry) Connector(lang string) (backend.Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.langs) == 0 {
		return nil, ErrNotInitialized
	}
	e, ok := r.langs[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, lang)
	}
	return e.conn, nil
}

// Config returns the connection config for lang.
func (r *Registry) Config(lang string) (models.LanguageConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.langs[lang]
	if !ok {
		return models.LanguageConfig{}, false
	}
	return e.cfg, true
}

// Teardown closes every backend connection and clears the registry.
func (r *Registry) Teardown() {
	r.mu.Lock()
	prev := r.langs
	r.langs = make(map[string]*entry)
	r.mu.Unlock()

	for lang, e := range prev {
		if err := e.conn.Close(); err != nil {
			r.logger.Warn().Err(err).Str("language", lang).Msg("closing backend")
		}
	}

	telemetry.RegisteredLanguages.Set(0)
	if len(prev) > 0 {
		r.logger.Info().Int("languages", len(prev)).Msg("languages torn down")
	}
}

// Guard takes the command side of the lifecycle lock. Callers that act on
// the registered backends hold it for the duration of the command so an
// in-flight init or cleanup finishes before they run. Release with the
// returned func.
func (r *Registry) Guard() func() {
	r.lifecycle.RLock()
	return r.lifecycle.RUnlock
}

// Exclusive runs fn with command handling paused. Init and cleanup wrap
// their bodies in it so backends and stored state change as one step.
func (r *Registry) Exclusive(fn func() error) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return fn()
}
