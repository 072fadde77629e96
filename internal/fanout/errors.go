/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package fanout

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBackendUnavailable marks a command that could not reach its backend.
var ErrBackendUnavailable = errors.New("backend unavailable")

// PartialFailure aggregates per-language failures from one dispatch.
// Languages that succeeded are not listed.
type PartialFailure struct {
	Operation string
	Failures  map[string]error
}

// Error renders every per-language failure on one line, sorted by the
// registry's language order.
func (p *PartialFailure) Error() string {
	parts := make([]string, 0, len(p.Failures))
	for _, lang := range sortedKeys(p.Failures) {
		parts = append(parts, fmt.Sprintf("%s: %v", lang, p.Failures[lang]))
	}
	return fmt.Sprintf("%s failed for %s", p.Operation, strings.Join(parts, "; "))
}

// Unwrap exposes the underlying errors for errors.Is / errors.As.
func (p *PartialFailure) Unwrap() []error {
	errs := make([]error, 0, len(p.Failures))
	for _, lang := range sortedKeys(p.Failures) {
		errs = append(errs, p.Failures[lang])
	}
	return errs
}
