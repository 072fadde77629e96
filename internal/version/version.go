/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version carries build-time version information.
package version

// Version is the current version of Mimir Relay.
// Set at build time via ldflags:
//
//	-X github.com/friendsincode/mimir_relay/internal/version.Version=X.Y.Z
var Version = "0.3.0"
