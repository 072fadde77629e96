/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"
)

// AllLanguages is the selector token addressing every registered language.
const AllLanguages = "__all__"

// LanguageConfig describes how to reach one language's instance control service.
// Immutable after init; replacing it requires re-running init.
type LanguageConfig struct {
	HostURL          string `json:"host_url" yaml:"host_url"`
	WebsocketPort    int    `json:"websocket_port" yaml:"websocket_port"`
	Password         string `json:"password" yaml:"password"`
	OriginalMediaURL string `json:"original_media_url" yaml:"original_media_url"`
}

// StreamSettings holds the stream destination for one language.
type StreamSettings struct {
	Server string `json:"server"`
	Key    string `json:"key"`
}

// SidechainSettings is a partial sidechain update document. Pointer fields
// distinguish "not supplied" from zero so merges leave absent fields alone.
type SidechainSettings struct {
	Ratio       *float64 `json:"ratio,omitempty"`
	ReleaseTime *float64 `json:"release_time,omitempty"`
	Threshold   *float64 `json:"threshold,omitempty"`
	OutputGain  *float64 `json:"output_gain,omitempty"`
}

// TransitionSettings is a partial transition update document. Path is
// required for the Stinger transition and ignored otherwise.
type TransitionSettings struct {
	TransitionName  string   `json:"transition_name"`
	TransitionPoint *float64 `json:"transition_point,omitempty"`
	Path            string   `json:"path,omitempty"`
}

// GDriveSettings configures the per-language media sync worker.
type GDriveSettings struct {
	DriveID     string `json:"drive_id"`
	MediaDir    string `json:"media_dir"`
	APIKey      string `json:"api_key"`
	SyncSeconds int    `json:"sync_seconds,omitempty"`
}

// SidechainValues is the resolved (merged) sidechain state.
type SidechainValues struct {
	Ratio       float64 `json:"ratio"`
	ReleaseTime float64 `json:"release_time"`
	Threshold   float64 `json:"threshold"`
	OutputGain  float64 `json:"output_gain"`
}

// TransitionValues is the resolved (merged) transition state.
type TransitionValues struct {
	TransitionName  string  `json:"transition_name"`
	TransitionPoint float64 `json:"transition_point"`
	Path            string  `json:"path,omitempty"`
}

// LanguageState aggregates every mutable settings domain for one language.
type LanguageState struct {
	StreamSettings StreamSettings   `json:"stream_settings"`
	StreamOn       bool             `json:"stream_on"`
	TSOffsetMS     int              `json:"ts_offset"`
	TSVolumeDB     float64          `json:"ts_volume"`
	SourceVolumeDB float64          `json:"source_volume"`
	Sidechain      SidechainValues  `json:"sidechain"`
	Transition     TransitionValues `json:"transition"`
	GDrive         GDriveSettings   `json:"gdrive_settings"`
}

// Documented defaults, applied at init and restored by cleanup.
const (
	DefaultSidechainRatio       = 4.0
	DefaultSidechainReleaseTime = 1000.0
	DefaultSidechainThreshold   = -30.0
	DefaultSidechainOutputGain  = -10.0
	DefaultTransitionName       = "Cut"
	DefaultTransitionPoint      = 3600.0
	DefaultTSOffsetMS           = 4000
	DefaultGDriveSyncSeconds    = 300
)

// DefaultLanguageState returns the pre-init state for a language.
func DefaultLanguageState() LanguageState {
	return LanguageState{
		TSOffsetMS: DefaultTSOffsetMS,
		Sidechain: SidechainValues{
			Ratio:       DefaultSidechainRatio,
			ReleaseTime: DefaultSidechainReleaseTime,
			Threshold:   DefaultSidechainThreshold,
			OutputGain:  DefaultSidechainOutputGain,
		},
		Transition: TransitionValues{
			TransitionName:  DefaultTransitionName,
			TransitionPoint: DefaultTransitionPoint,
		},
		GDrive: GDriveSettings{SyncSeconds: DefaultGDriveSyncSeconds},
	}
}

// ScheduleEntry is one scheduled media-play event. Timestamp is seconds
// relative to the moment the schedule batch was armed.
// Position fixes the firing order between entries sharing a timestamp:
// insertion order, assigned when the entry is written.
type ScheduleEntry struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"index" json:"name"`
	Timestamp float64   `gorm:"index" json:"timestamp"`
	Position  int       `json:"position"`
	IsEnabled bool      `json:"is_enabled"`
	IsPlayed  bool      `json:"is_played"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// LanguageStateRecord persists one language's merged state as JSON so
// settings survive a process restart.
type LanguageStateRecord struct {
	Language  string `gorm:"primaryKey"`
	State     []byte `gorm:"type:blob"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncedFile records a media file downloaded for one language, keyed by the
// remote file ID so repeat sync passes skip files already fetched.
type SyncedFile struct {
	ID        string `gorm:"primaryKey"`
	Language  string `gorm:"index"`
	Name      string
	LocalPath string
	MirrorKey string
	Size      int64
	CreatedAt time.Time
	UpdatedAt time.Time
}
