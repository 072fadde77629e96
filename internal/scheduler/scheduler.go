/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler fires armed media entries at their offset from the
// moment the schedule was armed, exactly once each.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/mimir_relay/internal/backend"
	"github.com/friendsincode/mimir_relay/internal/events"
	"github.com/friendsincode/mimir_relay/internal/fanout"
	"github.com/friendsincode/mimir_relay/internal/models"
	"github.com/friendsincode/mimir_relay/internal/registry"
	"github.com/friendsincode/mimir_relay/internal/telemetry"
)

var (
	// ErrEmptySchedule is returned when arming with no entries.
	ErrEmptySchedule = errors.New("schedule has no entries")
	// ErrScheduleConflict is returned for mutations naming an unknown
	// entry id.
	ErrScheduleConflict = errors.New("no such schedule entry")
)

// Item is one requested schedule entry: a media name and its offset in
// seconds from the moment the batch is armed.
type Item struct {
	Name      string  `json:"name"`
	Timestamp float64 `json:"timestamp"`
}

// Scheduler owns the armed schedule and the loop that fires it.
type Scheduler struct {
	db         *gorm.DB
	dispatcher *fanout.Dispatcher
	bus        *events.Bus
	logger     zerolog.Logger
	tick       time.Duration

	// now is replaceable in tests.
	now func() time.Time

	mu    sync.Mutex
	epoch time.Time // zero when no schedule is armed
}

// New creates a scheduler. bus may be nil.
func New(db *gorm.DB, dispatcher *fanout.Dispatcher, bus *events.Bus, tick time.Duration, logger zerolog.Logger) *Scheduler {
	if tick <= 0 {
		tick = 200 * time.Millisecond
	}
	return &Scheduler{
		db:         db,
		dispatcher: dispatcher,
		bus:        bus,
		tick:       tick,
		now:        time.Now,
		logger:     logger.With().Str("component", "scheduler").Logger(),
	}
}

// Arm replaces the whole schedule with items and starts the clock now.
// Entries with an empty name or a negative offset are rejected before
// anything is written.
func (s *Scheduler) Arm(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return ErrEmptySchedule
	}
	for i, item := range items {
		if item.Name == "" {
			return fmt.Errorf("entry %d: name is required", i)
		}
		if item.Timestamp < 0 {
			return fmt.Errorf("entry %d (%s): timestamp %v is negative", i, item.Name, item.Timestamp)
		}
	}

	entries := make([]models.ScheduleEntry, len(items))
	for i, item := range items {
		entries[i] = models.ScheduleEntry{
			ID:        uuid.NewString(),
			Name:      item.Name,
			Timestamp: item.Timestamp,
			Position:  i,
			IsEnabled: true,
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.ScheduleEntry{}).Error; err != nil {
			return err
		}
		return tx.Create(&entries).Error
	})
	if err != nil {
		return fmt.Errorf("arm schedule: %w", err)
	}

	armedAt := s.now()
	s.mu.Lock()
	s.epoch = armedAt
	s.mu.Unlock()

	telemetry.SchedulePending.Set(float64(len(entries)))
	s.logger.Info().Int("entries", len(entries)).Time("armed_at", armedAt).Msg("schedule armed")
	if s.bus != nil {
		s.bus.Publish(events.EventScheduleArmed, events.Payload{
			"entries":  len(entries),
			"armed_at": armedAt,
		})
	}
	return nil
}

// Clear drops all entries and disarms the clock.
func (s *Scheduler) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&models.ScheduleEntry{}).Error; err != nil {
		return fmt.Errorf("clear schedule: %w", err)
	}

	s.mu.Lock()
	s.epoch = time.Time{}
	s.mu.Unlock()

	telemetry.SchedulePending.Set(0)
	if s.bus != nil {
		s.bus.Publish(events.EventScheduleCleared, events.Payload{})
	}
	return nil
}

// Entries returns the schedule in firing order.
func (s *Scheduler) Entries(ctx context.Context) ([]models.ScheduleEntry, error) {
	var entries []models.ScheduleEntry
	err := s.db.WithContext(ctx).
		Order("timestamp ASC, position ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// EntryUpdate carries the mutable fields of one entry; nil fields are
// left untouched.
type EntryUpdate struct {
	Name      *string  `json:"name,omitempty"`
	Timestamp *float64 `json:"timestamp,omitempty"`
	IsEnabled *bool    `json:"is_enabled,omitempty"`
}

// Add appends one entry to the schedule without touching the clock.
func (s *Scheduler) Add(ctx context.Context, item Item) (models.ScheduleEntry, error) {
	if item.Name == "" {
		return models.ScheduleEntry{}, fmt.Errorf("name is required")
	}
	if item.Timestamp < 0 {
		return models.ScheduleEntry{}, fmt.Errorf("timestamp %v is negative", item.Timestamp)
	}

	entry := models.ScheduleEntry{
		ID:        uuid.NewString(),
		Name:      item.Name,
		Timestamp: item.Timestamp,
		IsEnabled: true,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxPos struct{ P int }
		if err := tx.Model(&models.ScheduleEntry{}).
			Select("COALESCE(MAX(position), -1) AS p").
			Scan(&maxPos).Error; err != nil {
			return err
		}
		entry.Position = maxPos.P + 1
		return tx.Create(&entry).Error
	})
	if err != nil {
		return models.ScheduleEntry{}, fmt.Errorf("add schedule entry: %w", err)
	}
	return entry, nil
}

// Update mutates one entry's fields. A fired entry stays fired; updates
// never reset is_played.
func (s *Scheduler) Update(ctx context.Context, id string, upd EntryUpdate) error {
	changes := map[string]any{}
	if upd.Name != nil {
		if *upd.Name == "" {
			return fmt.Errorf("name is required")
		}
		changes["name"] = *upd.Name
	}
	if upd.Timestamp != nil {
		if *upd.Timestamp < 0 {
			return fmt.Errorf("timestamp %v is negative", *upd.Timestamp)
		}
		changes["timestamp"] = *upd.Timestamp
	}
	if upd.IsEnabled != nil {
		changes["is_enabled"] = *upd.IsEnabled
	}
	if len(changes) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).
		Model(&models.ScheduleEntry{}).
		Where("id = ?", id).
		Updates(changes)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleConflict, id)
	}
	return nil
}

// Delete removes one entry.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.ScheduleEntry{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleConflict, id)
	}
	return nil
}

// IsArmed reports whether a schedule clock is running.
func (s *Scheduler) IsArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.epoch.IsZero()
}

// Run executes the scheduler loop until context cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Dur("tick", s.tick).Msg("scheduler started")
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.runTick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduler tick failed")
			}
		}
	}
}

// runTick fires every due entry in order. An entry is marked fired
// before we look at the next one, so a crash mid-tick never replays an
// already-dispatched entry.
func (s *Scheduler) runTick(ctx context.Context) error {
	telemetry.SchedulerTicks.Inc()

	// Hold the lifecycle lock for the whole tick so a concurrent init or
	// cleanup never interleaves with firing.
	defer s.dispatcher.Guard()()

	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()
	if epoch.IsZero() {
		return nil
	}

	elapsed := s.now().Sub(epoch).Seconds()

	var due []models.ScheduleEntry
	err := s.db.WithContext(ctx).
		Where("is_enabled = ?", true).
		Where("is_played = ?", false).
		Where("timestamp <= ?", elapsed).
		Order("timestamp ASC, position ASC, id ASC").
		Find(&due).Error
	if err != nil {
		return err
	}

	for _, entry := range due {
		s.fire(ctx, entry)
		if err := s.markPlayed(ctx, entry.ID); err != nil {
			return err
		}
	}

	var pending int64
	if err := s.db.WithContext(ctx).
		Model(&models.ScheduleEntry{}).
		Where("is_enabled = ? AND is_played = ?", true, false).
		Count(&pending).Error; err == nil {
		telemetry.SchedulePending.Set(float64(pending))
	}
	return nil
}

// fire dispatches playback for one entry to every language. Per-language
// failures are logged; the entry still counts as fired.
func (s *Scheduler) fire(ctx context.Context, entry models.ScheduleEntry) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler", "schedule.fire")
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]any{
		"entry.id":        entry.ID,
		"entry.name":      entry.Name,
		"entry.timestamp": entry.Timestamp,
	})

	res, err := s.dispatcher.Dispatch(ctx, registry.All(), "scheduled play",
		func(ctx context.Context, _ string, conn backend.Connector) error {
			return conn.Play(ctx, entry.Name, backend.PlayModeCheckAny)
		})
	if err != nil {
		s.logger.Warn().Err(err).Str("name", entry.Name).Msg("scheduled play not dispatched")
	} else if aggErr := res.Err(); aggErr != nil {
		s.logger.Warn().Err(aggErr).Str("name", entry.Name).Msg("scheduled play partially failed")
	}

	telemetry.ScheduleEntriesFired.Inc()
	s.logger.Info().
		Str("name", entry.Name).
		Float64("timestamp", entry.Timestamp).
		Msg("schedule entry fired")
	if s.bus != nil {
		s.bus.Publish(events.EventEntryFired, events.Payload{
			"id":        entry.ID,
			"name":      entry.Name,
			"timestamp": entry.Timestamp,
		})
	}
}

func (s *Scheduler) markPlayed(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&models.ScheduleEntry{}).
		Where("id = ?", id).
		Update("is_played", true).Error
}
