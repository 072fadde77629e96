/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package fanout runs one command against a set of language backends
// concurrently and aggregates the per-language outcomes.
package fanout

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/friendsincode/mimir_relay/internal/backend"
	"github.com/friendsincode/mimir_relay/internal/events"
	"github.com/friendsincode/mimir_relay/internal/registry"
	"github.com/friendsincode/mimir_relay/internal/telemetry"
)

// Op is the per-language unit of work for one dispatch.
type Op func(ctx context.Context, lang string, conn backend.Connector) error

// Result collects the outcome of one dispatch across languages.
type Result struct {
	Operation string
	Succeeded []string
	Failures  map[string]error
}

// Err folds the result into a single error: nil when every language
// succeeded, a *PartialFailure otherwise.
func (r Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return &PartialFailure{Operation: r.Operation, Failures: r.Failures}
}

// Dispatcher fans commands out to the registry's backends.
type Dispatcher struct {
	reg    *registry.Registry
	bus    *events.Bus
	logger zerolog.Logger
}

// New creates a dispatcher over reg. bus may be nil.
func New(reg *registry.Registry, bus *events.Bus, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		reg:    reg,
		bus:    bus,
		logger: logger.With().Str("component", "fanout").Logger(),
	}
}

// Guard pauses dispatching while a lifecycle transition runs. It is the
// registry's lifecycle lock surfaced for callers that dispatch outside a
// request handler, such as the scheduler tick.
func (d *Dispatcher) Guard() func() {
	return d.reg.Guard()
}

// Dispatch resolves the selector and runs op once per language, all
// concurrently. Every language runs to completion regardless of how the
// others fare; a failure never cancels its siblings. The resolve error
// (uninitialized registry, unknown language) is returned before any
// backend is touched.
func (d *Dispatcher) Dispatch(ctx context.Context, sel registry.Selector, operation string, op Op) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "fanout", "dispatch."+operation)
	defer span.End()

	langs, err := d.reg.Resolve(sel)
	if err != nil {
		span.RecordError(err)
		return Result{Operation: operation}, err
	}
	telemetry.AddSpanAttributes(span, map[string]any{
		"dispatch.operation": operation,
		"dispatch.languages": len(langs),
	})

	type outcome struct {
		lang string
		err  error
	}
	results := make(chan outcome, len(langs))

	for _, lang := range langs {
		go func(lang string) {
			conn, err := d.reg.Connector(lang)
			if err == nil {
				err = op(ctx, lang, conn)
			}
			results <- outcome{lang: lang, err: err}
		}(lang)
	}

	res := Result{Operation: operation, Failures: make(map[string]error)}
	for range langs {
		out := <-results
		if out.err != nil {
			res.Failures[out.lang] = out.err
			telemetry.DispatchFailures.WithLabelValues(operation, out.lang).Inc()
			d.logger.Warn().Err(out.err).
				Str("operation", operation).
				Str("language", out.lang).
				Msg("command failed")
		} else {
			res.Succeeded = append(res.Succeeded, out.lang)
		}
	}
	sort.Strings(res.Succeeded)
	telemetry.AddSpanAttributes(span, map[string]any{"dispatch.failed": len(res.Failures)})

	d.record(operation, res)
	return res, nil
}

func (d *Dispatcher) record(operation string, res Result) {
	outcome := "ok"
	switch {
	case len(res.Failures) > 0 && len(res.Succeeded) > 0:
		outcome = "partial"
	case len(res.Failures) > 0:
		outcome = "failed"
	}
	telemetry.DispatchesTotal.WithLabelValues(operation, outcome).Inc()

	if d.bus == nil {
		return
	}
	event := events.EventDispatch
	if len(res.Failures) > 0 {
		event = events.EventDispatchFailed
	}
	d.bus.Publish(event, events.Payload{
		"operation": operation,
		"succeeded": res.Succeeded,
		"failed":    sortedKeys(res.Failures),
	})
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
