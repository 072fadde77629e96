/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package registry

import (
	"strings"

	"github.com/friendsincode/mimir_relay/internal/models"
)

// Selector names the languages a command addresses: every registered
// language, an explicit subset, or a single one.
type Selector struct {
	all   bool
	langs []string
}

// All addresses every registered language.
func All() Selector {
	return Selector{all: true}
}

// One addresses a single language.
func One(lang string) Selector {
	return Selector{langs: []string{lang}}
}

// Subset addresses an explicit list of languages. Duplicates are folded.
func Subset(langs ...string) Selector {
	seen := make(map[string]struct{}, len(langs))
	out := make([]string, 0, len(langs))
	for _, lang := range langs {
		lang = strings.TrimSpace(lang)
		if lang == "" {
			continue
		}
		if _, dup := seen[lang]; dup {
			continue
		}
		seen[lang] = struct{}{}
		out = append(out, lang)
	}
	return Selector{langs: out}
}

// ParseSelector interprets the wire form of a language selector:
// the all-languages token, a single language, or a comma-separated list.
func ParseSelector(value string) Selector {
	value = strings.TrimSpace(value)
	if value == "" || value == models.AllLanguages {
		return All()
	}
	if strings.Contains(value, ",") {
		return Subset(strings.Split(value, ",")...)
	}
	return One(value)
}

// IsAll reports whether the selector addresses every language.
func (s Selector) IsAll() bool { return s.all }

// Languages returns the explicit language list; empty for the all form.
func (s Selector) Languages() []string {
	return append([]string(nil), s.langs...)
}

// String renders the selector back to its wire form.
func (s Selector) String() string {
	if s.all {
		return models.AllLanguages
	}
	return strings.Join(s.langs, ",")
}
