/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package backend talks to per-language playout instances over their
// websocket control protocol.
package backend

import (
	"context"

	"github.com/friendsincode/mimir_relay/internal/models"
)

// PlayMode selects how a media name is matched against the language's
// media directory.
type PlayMode string

const (
	// PlayModeCheckAny resolves the name by leading-number prefix and
	// refuses to play when nothing matches.
	PlayModeCheckAny PlayMode = "check_any"
	// PlayModeCheckSame requires a file with the exact same name.
	PlayModeCheckSame PlayMode = "check_same"
	// PlayModeForce plays the literal name without checking the directory.
	PlayModeForce PlayMode = "force"
)

// VolumeTarget addresses one of the two audio inputs on a backend.
type VolumeTarget string

const (
	VolumeTranslation VolumeTarget = "translation"
	VolumeSource      VolumeTarget = "source"
)

// Connector is one language's control channel. Implementations must be
// safe for concurrent use; the fan-out layer calls them from many
// goroutines.
type Connector interface {
	// Connect dials the backend and authenticates.
	Connect(ctx context.Context) error
	// IsConnected reports whether the control channel is usable.
	IsConnected() bool

	// Play starts playback of the named media file.
	Play(ctx context.Context, name string, mode PlayMode) error
	// StopMedia halts any current playback.
	StopMedia(ctx context.Context) error

	// SetStreamDestination points the encoder at a server and stream key.
	SetStreamDestination(ctx context.Context, settings models.StreamSettings) error
	StartStream(ctx context.Context) error
	StopStream(ctx context.Context) error

	// SetTSOffset shifts the translation audio by the given milliseconds.
	SetTSOffset(ctx context.Context, offsetMS int) error
	// SetVolume adjusts one audio input in dB.
	SetVolume(ctx context.Context, target VolumeTarget, volumeDB float64) error

	// SetSidechain applies resolved sidechain compressor values.
	SetSidechain(ctx context.Context, values models.SidechainValues) error
	// SetTransition applies resolved scene transition values.
	SetTransition(ctx context.Context, values models.TransitionValues) error

	// FileExists reports whether the backend's media directory holds a
	// file with the given numeric prefix.
	FileExists(ctx context.Context, prefix string) (bool, error)

	// RefreshMedia tells the backend to rescan its media directory after
	// a sync pass added files.
	RefreshMedia(ctx context.Context) error

	// Close tears down the control channel.
	Close() error
}

// Dialer builds a Connector for one language from its connection config.
// The registry holds a Dialer so tests can substitute in-memory backends.
type Dialer func(language string, cfg models.LanguageConfig) Connector
