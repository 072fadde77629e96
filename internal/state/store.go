/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package state keeps the per-language settings that commands merge into
// and the info endpoint reports. The store is the source of truth;
// backends are told about changes but never asked for them.
package state

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/mimir_relay/internal/models"
)

// Store holds per-language state, mutex-guarded, mirrored to the
// database so settings survive a restart.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger

	mu    sync.RWMutex
	langs map[string]*models.LanguageState
}

// NewStore creates a state store. db may be nil for ephemeral use.
func NewStore(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "state").Logger(),
		langs:  make(map[string]*models.LanguageState),
	}
}

// Load restores persisted language state from the database.
func (s *Store) Load() error {
	if s.db == nil {
		return nil
	}

	var records []models.LanguageStateRecord
	if err := s.db.Find(&records).Error; err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		var st models.LanguageState
		if err := json.Unmarshal(rec.State, &st); err != nil {
			s.logger.Warn().Err(err).Str("language", rec.Language).Msg("discarding unreadable state record")
			continue
		}
		s.langs[rec.Language] = &st
	}
	return nil
}

// EnsureLanguages registers defaults for langs and drops state for
// languages no longer configured. Existing state is kept so a re-init
// preserves settings.
func (s *Store) EnsureLanguages(langs []string) {
	keep := make(map[string]struct{}, len(langs))
	for _, lang := range langs {
		keep[lang] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for lang := range s.langs {
		if _, ok := keep[lang]; !ok {
			delete(s.langs, lang)
			s.deleteRecord(lang)
		}
	}
	for _, lang := range langs {
		if _, ok := s.langs[lang]; !ok {
			st := models.DefaultLanguageState()
			s.langs[lang] = &st
			s.persist(lang)
		}
	}
}

// Reset restores every language to defaults and clears persisted state.
// Used by cleanup.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for lang := range s.langs {
		s.deleteRecord(lang)
	}
	s.langs = make(map[string]*models.LanguageState)
}

// Languages returns the languages with tracked state.
func (s *Store) Languages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.langs))
	for lang := range s.langs {
		out = append(out, lang)
	}
	return out
}

// Get returns a copy of one language's state.
func (s *Store) Get(lang string) (models.LanguageState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.langs[lang]
	if !ok {
		return models.LanguageState{}, false
	}
	return *st, true
}

// Snapshot returns a copy of every language's state.
func (s *Store) Snapshot() map[string]models.LanguageState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.LanguageState, len(s.langs))
	for lang, st := range s.langs {
		out[lang] = *st
	}
	return out
}

// SetStreamSettings records the stream destination for lang.
func (s *Store) SetStreamSettings(lang string, settings models.StreamSettings) {
	s.update(lang, func(st *models.LanguageState) {
		st.StreamSettings = settings
	})
}

// SetStreamOn records whether lang is currently streaming.
func (s *Store) SetStreamOn(lang string, on bool) {
	s.update(lang, func(st *models.LanguageState) {
		st.StreamOn = on
	})
}

// SetTSOffset records the translation audio offset in milliseconds.
func (s *Store) SetTSOffset(lang string, offsetMS int) {
	s.update(lang, func(st *models.LanguageState) {
		st.TSOffsetMS = offsetMS
	})
}

// SetTSVolume records the translation volume in dB.
func (s *Store) SetTSVolume(lang string, volumeDB float64) {
	s.update(lang, func(st *models.LanguageState) {
		st.TSVolumeDB = volumeDB
	})
}

// SetSourceVolume records the source volume in dB.
func (s *Store) SetSourceVolume(lang string, volumeDB float64) {
	s.update(lang, func(st *models.LanguageState) {
		st.SourceVolumeDB = volumeDB
	})
}

// MergeSidechain folds a partial sidechain update into lang's state and
// returns the resolved values. Absent fields keep their current value.
func (s *Store) MergeSidechain(lang string, in models.SidechainSettings) (models.SidechainValues, bool) {
	var out models.SidechainValues
	ok := s.update(lang, func(st *models.LanguageState) {
		if in.Ratio != nil {
			st.Sidechain.Ratio = *in.Ratio
		}
		if in.ReleaseTime != nil {
			st.Sidechain.ReleaseTime = *in.ReleaseTime
		}
		if in.Threshold != nil {
			st.Sidechain.Threshold = *in.Threshold
		}
		if in.OutputGain != nil {
			st.Sidechain.OutputGain = *in.OutputGain
		}
		out = st.Sidechain
	})
	return out, ok
}

// MergeTransition folds a partial transition update into lang's state
// and returns the resolved values.
func (s *Store) MergeTransition(lang string, in models.TransitionSettings) (models.TransitionValues, bool) {
	var out models.TransitionValues
	ok := s.update(lang, func(st *models.LanguageState) {
		if in.TransitionName != "" {
			st.Transition.TransitionName = in.TransitionName
		}
		if in.TransitionPoint != nil {
			st.Transition.TransitionPoint = *in.TransitionPoint
		}
		if in.Path != "" {
			st.Transition.Path = in.Path
		}
		out = st.Transition
	})
	return out, ok
}

// SetGDrive records the media sync settings for lang, defaulting the
// sync period when not supplied.
func (s *Store) SetGDrive(lang string, in models.GDriveSettings) (models.GDriveSettings, bool) {
	if in.SyncSeconds <= 0 {
		in.SyncSeconds = models.DefaultGDriveSyncSeconds
	}
	var out models.GDriveSettings
	ok := s.update(lang, func(st *models.LanguageState) {
		st.GDrive = in
		out = st.GDrive
	})
	return out, ok
}

// update applies fn under the write lock and persists. Returns false
// when lang has no tracked state.
func (s *Store) update(lang string, fn func(*models.LanguageState)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.langs[lang]
	if !ok {
		return false
	}
	fn(st)
	s.persist(lang)
	return true
}

// persist writes lang's state record. Caller holds the lock.
func (s *Store) persist(lang string) {
	if s.db == nil {
		return
	}
	data, err := json.Marshal(s.langs[lang])
	if err != nil {
		s.logger.Error().Err(err).Str("language", lang).Msg("marshal state")
		return
	}
	rec := models.LanguageStateRecord{Language: lang, State: data}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "language"}},
		UpdateAll: true,
	}).Create(&rec).Error; err != nil {
		s.logger.Warn().Err(err).Str("language", lang).Msg("persist state")
	}
}

// deleteRecord removes lang's persisted state. Caller holds the lock.
func (s *Store) deleteRecord(lang string) {
	if s.db == nil {
		return
	}
	if err := s.db.Delete(&models.LanguageStateRecord{}, "language = ?", lang).Error; err != nil {
		s.logger.Warn().Err(err).Str("language", lang).Msg("delete state record")
	}
}
