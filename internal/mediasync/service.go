/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mediasync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/mimir_relay/internal/events"
	"github.com/friendsincode/mimir_relay/internal/models"
	"github.com/friendsincode/mimir_relay/internal/registry"
	"github.com/friendsincode/mimir_relay/internal/state"
	"github.com/friendsincode/mimir_relay/internal/telemetry"
)

// downloadConcurrency bounds parallel drive downloads per sync pass.
const downloadConcurrency = 4

// FileInfo is one entry in a language's file listing. Available means
// the file has been downloaded locally.
type FileInfo struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// Service polls each language's drive folder and downloads new files
// into that language's media directory.
type Service struct {
	db        *gorm.DB
	drive     *DriveClient
	mirror    *S3Mirror // nil disables mirroring
	store     *state.Store
	reg       *registry.Registry
	bus       *events.Bus
	logger    zerolog.Logger
	mediaRoot string

	mu       sync.Mutex
	lastSync map[string]time.Time
}

// NewService creates the sync service. mirror and bus may be nil.
func NewService(db *gorm.DB, store *state.Store, reg *registry.Registry, mirror *S3Mirror, bus *events.Bus, mediaRoot string, logger zerolog.Logger) *Service {
	return &Service{
		db:        db,
		drive:     NewDriveClient(),
		mirror:    mirror,
		store:     store,
		reg:       reg,
		bus:       bus,
		mediaRoot: mediaRoot,
		logger:    logger.With().Str("component", "mediasync").Logger(),
		lastSync:  make(map[string]time.Time),
	}
}

// Run polls until context cancellation. Each language syncs on its own
// configured period; the loop just wakes often enough to honor the
// shortest one.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().Msg("media sync started")
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("media sync stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	for _, lang := range s.store.Languages() {
		st, ok := s.store.Get(lang)
		if !ok || st.GDrive.DriveID == "" || st.GDrive.APIKey == "" {
			continue
		}

		period := time.Duration(st.GDrive.SyncSeconds) * time.Second
		s.mu.Lock()
		due := time.Since(s.lastSync[lang]) >= period
		s.mu.Unlock()
		if !due {
			continue
		}

		if err := s.Sync(ctx, lang); err != nil {
			telemetry.MediaSyncErrors.WithLabelValues(lang).Inc()
			s.logger.Warn().Err(err).Str("language", lang).Msg("sync pass failed")
		}
	}
}

// Sync runs one sync pass for lang: list the drive folder, download
// anything not yet local, and tell the backend to rescan.
func (s *Service) Sync(ctx context.Context, lang string) error {
	st, ok := s.store.Get(lang)
	if !ok {
		return fmt.Errorf("language %q has no state", lang)
	}
	settings := st.GDrive
	if settings.DriveID == "" || settings.APIKey == "" {
		return fmt.Errorf("language %q has no drive settings", lang)
	}

	s.mu.Lock()
	s.lastSync[lang] = time.Now()
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.EventSyncStarted, events.Payload{"language": lang})
	}

	remote, err := s.drive.List(ctx, settings.APIKey, settings.DriveID)
	if err != nil {
		return err
	}

	dir := s.mediaDir(lang, settings)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create media dir %s: %w", dir, err)
	}

	var (
		countMu    sync.Mutex
		downloaded int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for _, file := range remote {
		file := file
		g.Go(func() error {
			fetched, err := s.syncFile(gctx, lang, settings, dir, file)
			if err != nil {
				return err
			}
			if fetched {
				countMu.Lock()
				downloaded++
				countMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if downloaded > 0 {
		s.refreshBackend(ctx, lang)
	}

	telemetry.MediaSyncDownloads.WithLabelValues(lang).Add(float64(downloaded))
	s.logger.Info().
		Str("language", lang).
		Int("remote_files", len(remote)).
		Int("downloaded", downloaded).
		Msg("sync pass complete")
	if s.bus != nil {
		s.bus.Publish(events.EventSyncCompleted, events.Payload{
			"language":   lang,
			"downloaded": downloaded,
		})
	}
	return nil
}

// syncFile makes sure one remote file exists locally. Returns true when
// it was downloaded in this pass.
func (s *Service) syncFile(ctx context.Context, lang string, settings models.GDriveSettings, dir string, file DriveFile) (bool, error) {
	local := filepath.Join(dir, filepath.Base(file.Name))

	rec := models.SyncedFile{
		ID:       file.ID,
		Language: lang,
		Name:     file.Name,
	}

	if info, err := os.Stat(local); err == nil && info.Size() > 0 {
		rec.LocalPath = local
		rec.Size = info.Size()
		s.upsert(&rec)
		return false, nil
	}
	s.upsert(&rec)

	out, err := os.Create(local)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", local, err)
	}
	size, err := s.drive.Download(ctx, settings.APIKey, file.ID, out)
	closeErr := out.Close()
	if err != nil {
		os.Remove(local)
		return false, err
	}
	if closeErr != nil {
		os.Remove(local)
		return false, fmt.Errorf("write %s: %w", local, closeErr)
	}

	rec.LocalPath = local
	rec.Size = size
	if s.mirror != nil {
		rec.MirrorKey = s.uploadMirror(ctx, lang, file.Name, local)
	}
	s.upsert(&rec)

	s.logger.Info().
		Str("language", lang).
		Str("name", file.Name).
		Int64("size", size).
		Msg("downloaded media file")
	return true, nil
}

func (s *Service) uploadMirror(ctx context.Context, lang, name, local string) string {
	f, err := os.Open(local)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", local).Msg("mirror skipped")
		return ""
	}
	defer f.Close()

	key, err := s.mirror.Upload(ctx, lang, name, f)
	if err != nil {
		s.logger.Warn().Err(err).Str("name", name).Msg("mirror upload failed")
		return ""
	}
	return key
}

func (s *Service) refreshBackend(ctx context.Context, lang string) {
	if s.reg == nil {
		return
	}
	conn, err := s.reg.Connector(lang)
	if err != nil {
		return
	}
	if err := conn.RefreshMedia(ctx); err != nil {
		s.logger.Warn().Err(err).Str("language", lang).Msg("backend media refresh failed")
	}
}

func (s *Service) upsert(rec *models.SyncedFile) {
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(rec).Error; err != nil {
		s.logger.Warn().Err(err).Str("name", rec.Name).Msg("persist synced file")
	}
}

// Files returns lang's known files, local or still pending download.
func (s *Service) Files(ctx context.Context, lang string) ([]FileInfo, error) {
	var records []models.SyncedFile
	err := s.db.WithContext(ctx).
		Where("language = ?", lang).
		Order("name ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	out := make([]FileInfo, len(records))
	for i, rec := range records {
		out[i] = FileInfo{Name: rec.Name, Available: rec.LocalPath != ""}
	}
	return out, nil
}

// mediaDir resolves where lang's media lands on disk.
func (s *Service) mediaDir(lang string, settings models.GDriveSettings) string {
	if settings.MediaDir != "" {
		return settings.MediaDir
	}
	return filepath.Join(s.mediaRoot, lang, "media")
}
