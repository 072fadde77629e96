/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the operator-facing HTTP surface. The route shapes
// and the "Ok"/error-detail response convention are a compatibility
// contract with existing rig tooling; new endpoints may return JSON, the
// legacy ones must not change.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/mimir_relay/internal/backend"
	"github.com/friendsincode/mimir_relay/internal/cache"
	"github.com/friendsincode/mimir_relay/internal/events"
	"github.com/friendsincode/mimir_relay/internal/fanout"
	"github.com/friendsincode/mimir_relay/internal/mediasync"
	"github.com/friendsincode/mimir_relay/internal/models"
	"github.com/friendsincode/mimir_relay/internal/registry"
	"github.com/friendsincode/mimir_relay/internal/scheduler"
	"github.com/friendsincode/mimir_relay/internal/state"
)

// okBody is the literal success payload legacy clients string-match on.
const okBody = "Ok"

// API exposes HTTP handlers.
type API struct {
	reg        *registry.Registry
	dispatcher *fanout.Dispatcher
	store      *state.Store
	sched      *scheduler.Scheduler
	sync       *mediasync.Service
	cache      *cache.Cache
	bus        *events.Bus
	logger     zerolog.Logger
}

// New creates the API wrapper. cache and bus may be nil.
func New(reg *registry.Registry, dispatcher *fanout.Dispatcher, store *state.Store, sched *scheduler.Scheduler, syncSvc *mediasync.Service, snapshotCache *cache.Cache, bus *events.Bus, logger zerolog.Logger) *API {
	return &API{
		reg:        reg,
		dispatcher: dispatcher,
		store:      store,
		sched:      sched,
		sync:       syncSvc,
		cache:      snapshotCache,
		bus:        bus,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// Routes registers every endpoint on r.
func (a *API) Routes(r chi.Router) {
	r.Post("/init", a.handleInit)
	r.Get("/info", a.handleInfo)
	r.Post("/cleanup", a.handleCleanup)

	r.Route("/media", func(r chi.Router) {
		r.Get("/schedule", a.handleScheduleList)
		r.Post("/schedule", a.handleScheduleArm)
		r.Put("/schedule", a.handleScheduleAdd)
		r.Delete("/schedule", a.handleScheduleClear)
		r.Put("/schedule/{entryID}", a.handleScheduleUpdate)
		r.Delete("/schedule/{entryID}", a.handleScheduleDelete)

		r.Post("/play", a.handleMediaPlay)
		// legacy clients used DELETE on the play route to stop
		r.Delete("/play", a.handleMediaStop)
		r.Post("/stop", a.handleMediaStop)
	})

	r.Route("/stream", func(r chi.Router) {
		r.Post("/settings", a.handleStreamSettings)
		r.Post("/start", a.handleStreamStart)
		r.Post("/stop", a.handleStreamStop)
	})

	r.Get("/ts/offset", a.handleTSOffsetGet)
	r.Post("/ts/offset", a.handleTSOffsetSet)
	r.Get("/ts/volume", a.handleTSVolumeGet)
	r.Post("/ts/volume", a.handleTSVolumeSet)
	r.Get("/source/volume", a.handleSourceVolumeGet)
	r.Post("/source/volume", a.handleSourceVolumeSet)

	r.Post("/filters/sidechain", a.handleSidechain)
	r.Post("/transition", a.handleTransition)

	r.Post("/gdrive/sync", a.handleGDriveSync)
	r.Get("/gdrive/files", a.handleGDriveFiles)
}

// ---- legacy response helpers ----

// writeOk answers with the fixed literal legacy clients expect.
func writeOk(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(okBody))
}

// writeFailure answers 500 with the error detail as the body.
func writeFailure(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func decodeBody(r *http.Request, dest any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("malformed request body: %v", err)
	}
	return nil
}

func (a *API) invalidateSnapshot(ctx context.Context) {
	if a.cache != nil {
		a.cache.InvalidateSnapshot(ctx)
	}
}

// selectorFromLangs maps the legacy "langs" list onto a selector: empty
// or containing the all-token means every language.
func selectorFromLangs(langs []string) registry.Selector {
	if len(langs) == 0 {
		return registry.All()
	}
	for _, lang := range langs {
		if lang == models.AllLanguages {
			return registry.All()
		}
	}
	return registry.Subset(langs...)
}

// expandDoc resolves the all-languages key in a per-language document:
// the value under the token applies to every registered language, with
// explicit keys taking precedence.
func expandDoc[T any](doc map[string]T, registered []string) map[string]T {
	base, hasAll := doc[models.AllLanguages]
	if !hasAll {
		return doc
	}
	out := make(map[string]T, len(registered))
	for _, lang := range registered {
		out[lang] = base
	}
	for lang, val := range doc {
		if lang == models.AllLanguages {
			continue
		}
		out[lang] = val
	}
	return out
}

// applyPerLanguage runs one settings document: each named language is
// applied independently, unknown languages fail inside the aggregated
// result rather than aborting the call.
func applyPerLanguage[T any](ctx context.Context, a *API, operation string, doc map[string]T, apply func(ctx context.Context, lang string, val T, conn backend.Connector) error) error {
	if !a.reg.IsConfigured() {
		return registry.ErrNotInitialized
	}
	doc = expandDoc(doc, a.reg.Languages())
	if len(doc) == 0 {
		return fmt.Errorf("no languages in request")
	}

	known := make([]string, 0, len(doc))
	failures := map[string]error{}
	for lang := range doc {
		if _, ok := a.reg.Config(lang); ok {
			known = append(known, lang)
		} else {
			failures[lang] = registry.ErrUnknownLanguage
		}
	}

	if len(known) > 0 {
		res, err := a.dispatcher.Dispatch(ctx, registry.Subset(known...), operation,
			func(ctx context.Context, lang string, conn backend.Connector) error {
				return apply(ctx, lang, doc[lang], conn)
			})
		if err != nil {
			return err
		}
		for lang, ferr := range res.Failures {
			failures[lang] = ferr
		}
	}

	if len(failures) > 0 {
		return &fanout.PartialFailure{Operation: operation, Failures: failures}
	}
	return nil
}

// ---- lifecycle ----

type initRequest struct {
	ServerLangs map[string]models.LanguageConfig `json:"server_langs"`
}

func (a *API) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}

	// The whole transition runs under the lifecycle lock so no command
	// observes a half-initialized rig.
	ctx := r.Context()
	err := a.reg.Exclusive(func() error {
		if err := a.reg.Configure(ctx, req.ServerLangs); err != nil {
			return err
		}
		a.store.EnsureLanguages(a.reg.Languages())

		// Push the stored (or default) state to every backend so the rig
		// comes up in a known configuration. Any failure unwinds the init.
		if err := a.applyStoredState(ctx); err != nil {
			a.reg.Teardown()
			return fmt.Errorf("initialization failed: %w", err)
		}
		return nil
	})
	if err != nil {
		writeFailure(w, err)
		return
	}

	a.invalidateSnapshot(ctx)
	if a.bus != nil {
		a.bus.Publish(events.EventInitialized, events.Payload{
			"languages": a.reg.Languages(),
		})
	}
	writeOk(w)
}

func (a *API) applyStoredState(ctx context.Context) error {
	res, err := a.dispatcher.Dispatch(ctx, registry.All(), "apply settings",
		func(ctx context.Context, lang string, conn backend.Connector) error {
			st, ok := a.store.Get(lang)
			if !ok {
				return fmt.Errorf("no state for language %q", lang)
			}
			if err := conn.SetTSOffset(ctx, st.TSOffsetMS); err != nil {
				return err
			}
			if err := conn.SetSidechain(ctx, st.Sidechain); err != nil {
				return err
			}
			return conn.SetTransition(ctx, st.Transition)
		})
	if err != nil {
		return err
	}
	return res.Err()
}

type infoResponse struct {
	ServerLangs map[string]models.LanguageConfig `json:"server_langs"`
	States      map[string]models.LanguageState  `json:"states"`
	Schedule    scheduleInfo                     `json:"schedule"`
}

type scheduleInfo struct {
	Armed   bool                   `json:"armed"`
	Entries []models.ScheduleEntry `json:"entries"`
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	ctx := r.Context()

	if a.cache != nil {
		var cached infoResponse
		if a.cache.GetSnapshot(ctx, &cached) {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	entries, err := a.sched.Entries(ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if entries == nil {
		entries = []models.ScheduleEntry{}
	}

	configs := make(map[string]models.LanguageConfig)
	for _, lang := range a.reg.Languages() {
		if cfg, ok := a.reg.Config(lang); ok {
			cfg.Password = "" // never echo credentials
			configs[lang] = cfg
		}
	}

	resp := infoResponse{
		ServerLangs: configs,
		States:      a.store.Snapshot(),
		Schedule:    scheduleInfo{Armed: a.sched.IsArmed(), Entries: entries},
	}
	if a.cache != nil {
		a.cache.SetSnapshot(ctx, resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	err := a.reg.Exclusive(func() error {
		// Best-effort: stop whatever is on air before tearing down.
		if a.reg.IsConfigured() {
			if res, err := a.dispatcher.Dispatch(ctx, registry.All(), "stream stop",
				func(ctx context.Context, _ string, conn backend.Connector) error {
					return conn.StopStream(ctx)
				}); err == nil {
				if aggErr := res.Err(); aggErr != nil {
					a.logger.Warn().Err(aggErr).Msg("cleanup: stream stop incomplete")
				}
			}
			if res, err := a.dispatcher.Dispatch(ctx, registry.All(), "media stop",
				func(ctx context.Context, _ string, conn backend.Connector) error {
					return conn.StopMedia(ctx)
				}); err == nil {
				if aggErr := res.Err(); aggErr != nil {
					a.logger.Warn().Err(aggErr).Msg("cleanup: media stop incomplete")
				}
			}
		}

		if err := a.sched.Clear(ctx); err != nil {
			return err
		}
		a.store.Reset()
		a.reg.Teardown()
		return nil
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	a.invalidateSnapshot(ctx)

	if a.bus != nil {
		a.bus.Publish(events.EventCleanedUp, events.Payload{})
	}
	writeOk(w)
}

// ---- schedule ----

// scheduleItem accepts both the object form {"name":..,"timestamp":..}
// and the legacy pair form ["name", timestamp].
type scheduleItem scheduler.Item

func (s *scheduleItem) UnmarshalJSON(data []byte) error {
	var obj scheduler.Item
	if err := json.Unmarshal(data, &obj); err == nil {
		*s = scheduleItem(obj)
		return nil
	}

	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil || len(pair) != 2 {
		return fmt.Errorf("schedule entry must be an object or a [name, timestamp] pair")
	}
	var name string
	if err := json.Unmarshal(pair[0], &name); err != nil {
		return err
	}
	var ts float64
	if err := json.Unmarshal(pair[1], &ts); err != nil {
		return err
	}
	*s = scheduleItem(scheduler.Item{Name: name, Timestamp: ts})
	return nil
}

func (a *API) handleScheduleArm(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	if !a.reg.IsConfigured() {
		writeFailure(w, registry.ErrNotInitialized)
		return
	}

	var raw []scheduleItem
	if err := decodeBody(r, &raw); err != nil {
		writeFailure(w, err)
		return
	}
	items := make([]scheduler.Item, len(raw))
	for i, item := range raw {
		items[i] = scheduler.Item(item)
	}

	if err := a.sched.Arm(r.Context(), items); err != nil {
		writeFailure(w, err)
		return
	}
	a.invalidateSnapshot(r.Context())
	writeOk(w)
}

func (a *API) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	entries, err := a.sched.Entries(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if entries == nil {
		entries = []models.ScheduleEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleScheduleAdd(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	if !a.reg.IsConfigured() {
		writeFailure(w, registry.ErrNotInitialized)
		return
	}
	var item scheduleItem
	if err := decodeBody(r, &item); err != nil {
		writeFailure(w, err)
		return
	}
	entry, err := a.sched.Add(r.Context(), scheduler.Item(item))
	if err != nil {
		writeFailure(w, err)
		return
	}
	a.invalidateSnapshot(r.Context())
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleScheduleClear(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	if err := a.sched.Clear(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	a.invalidateSnapshot(r.Context())
	writeOk(w)
}

func (a *API) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	var upd scheduler.EntryUpdate
	if err := decodeBody(r, &upd); err != nil {
		writeFailure(w, err)
		return
	}
	if err := a.sched.Update(r.Context(), chi.URLParam(r, "entryID"), upd); err != nil {
		writeFailure(w, err)
		return
	}
	a.invalidateSnapshot(r.Context())
	writeOk(w)
}

func (a *API) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	if err := a.sched.Delete(r.Context(), chi.URLParam(r, "entryID")); err != nil {
		writeFailure(w, err)
		return
	}
	a.invalidateSnapshot(r.Context())
	writeOk(w)
}

// ---- media ----

type mediaPlayRequest struct {
	Name        string   `json:"name"`
	SearchByNum bool     `json:"search_by_num"`
	Langs       []string `json:"langs,omitempty"`
}

// numericPrefix returns the leading digits of name, or "" when there are
// none. Prefix-mode plays key on this value.
func numericPrefix(name string) string {
	i := 0
	for i < len(name) && name[i] >= '0' && name[i] <= '9' {
		i++
	}
	return name[:i]
}

func (a *API) handleMediaPlay(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	var req mediaPlayRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if req.Name == "" {
		writeFailure(w, fmt.Errorf("name is required"))
		return
	}

	mode := backend.PlayModeCheckSame
	prefix := ""
	if req.SearchByNum {
		mode = backend.PlayModeCheckAny
		if prefix = numericPrefix(req.Name); prefix == "" {
			writeFailure(w, fmt.Errorf("name %q has no leading number to search by", req.Name))
			return
		}
	}

	res, err := a.dispatcher.Dispatch(r.Context(), selectorFromLangs(req.Langs), "media play",
		func(ctx context.Context, _ string, conn backend.Connector) error {
			if prefix != "" {
				exists, err := conn.FileExists(ctx, prefix)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("no media matching prefix %q", prefix)
				}
			}
			return conn.Play(ctx, req.Name, mode)
		})
	if err != nil {
		writeFailure(w, err)
		return
	}
	if aggErr := res.Err(); aggErr != nil {
		writeFailure(w, aggErr)
		return
	}
	writeOk(w)
}

type langsRequest struct {
	Langs []string `json:"langs,omitempty"`
}

func (a *API) handleMediaStop(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	var req langsRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeFailure(w, err)
			return
		}
	}

	res, err := a.dispatcher.Dispatch(r.Context(), selectorFromLangs(req.Langs), "media stop",
		func(ctx context.Context, _ string, conn backend.Connector) error {
			return conn.StopMedia(ctx)
		})
	if err != nil {
		writeFailure(w, err)
		return
	}
	if aggErr := res.Err(); aggErr != nil {
		writeFailure(w, aggErr)
		return
	}
	writeOk(w)
}

// ---- streaming ----

func (a *API) handleStreamSettings(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	var doc map[string]models.StreamSettings
	if err := decodeBody(r, &doc); err != nil {
		writeFailure(w, err)
		return
	}

	err := applyPerLanguage(r.Context(), a, "stream settings", doc,
		func(ctx context.Context, lang string, settings models.StreamSettings, conn backend.Connector) error {
			if err := conn.SetStreamDestination(ctx, settings); err != nil {
				return err
			}
			a.store.SetStreamSettings(lang, settings)
			return nil
		})
	if err != nil {
		writeFailure(w, err)
		return
	}
	a.invalidateSnapshot(r.Context())
	writeOk(w)
}

func (a *API) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	a.handleStreamToggle(w, r, true)
}

func (a *API) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	a.handleStreamToggle(w, r, false)
}

// handleStreamToggle starts or stops streaming. stream_on flips only for
// languages whose backend call succeeded; there is no rollback.
func (a *API) handleStreamToggle(w http.ResponseWriter, r *http.Request, start bool) {
	defer a.reg.Guard()()

	var req langsRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeFailure(w, err)
			return
		}
	}

	operation := "stream stop"
	if start {
		operation = "stream start"
	}

	res, err := a.dispatcher.Dispatch(r.Context(), selectorFromLangs(req.Langs), operation,
		func(ctx context.Context, _ string, conn backend.Connector) error {
			if start {
				return conn.StartStream(ctx)
			}
			return conn.StopStream(ctx)
		})
	if err != nil {
		writeFailure(w, err)
		return
	}

	for _, lang := range res.Succeeded {
		a.store.SetStreamOn(lang, start)
	}
	a.invalidateSnapshot(r.Context())

	if a.bus != nil && len(res.Succeeded) > 0 {
		event := events.EventStreamStopped
		if start {
			event = events.EventStreamStarted
		}
		a.bus.Publish(event, events.Payload{"languages": res.Succeeded})
	}

	if aggErr := res.Err(); aggErr != nil {
		writeFailure(w, aggErr)
		return
	}
	writeOk(w)
}

// ---- audio ----

func (a *API) handleTSOffsetGet(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	out := map[string]int{}
	for lang, st := range a.store.Snapshot() {
		out[lang] = st.TSOffsetMS
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleTSOffsetSet(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	var doc map[string]int
	if err := decodeBody(r, &doc); err != nil {
		writeFailure(w, err)
		return
	}

	err := applyPerLanguage(r.Context(), a, "ts offset", doc,
		func(ctx context.Context, lang string, offsetMS int, conn backend.Connector) error {
			if err := conn.SetTSOffset(ctx, offsetMS); err != nil {
				return err
			}
			a.store.SetTSOffset(lang, offsetMS)
			return nil
		})
	if err != nil {
		writeFailure(w, err)
		return
	}
	a.invalidateSnapshot(r.Context())
	writeOk(w)
}

func (a *API) handleTSVolumeGet(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	out := map[string]float64{}
	for lang, st := range a.store.Snapshot() {
		out[lang] = st.TSVolumeDB
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleTSVolumeSet(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	var doc map[string]float64
	if err := decodeBody(r, &doc); err != nil {
		writeFailure(w, err)
		return
	}

	err := applyPerLanguage(r.Context(), a, "ts volume", doc,
		func(ctx context.Context, lang string, db float64, conn backend.Connector) error {
			if err := conn.SetVolume(ctx, backend.VolumeTranslation, db); err != nil {
				return err
			}
			a.store.SetTSVolume(lang, db)
			return nil
		})
	if err != nil {
		writeFailure(w, err)
		return
	}
	a.invalidateSnapshot(r.Context())
	writeOk(w)
}

func (a *API) handleSourceVolumeGet(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	out := map[string]float64{}
	for lang, st := range a.store.Snapshot() {
		out[lang] = st.SourceVolumeDB
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleSourceVolumeSet(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	var doc map[string]float64
	if err := decodeBody(r, &doc); err != nil {
		writeFailure(w, err)
		return
	}

	err := applyPerLanguage(r.Context(), a, "source volume", doc,
		func(ctx context.Context, lang string, db float64, conn backend.Connector) error {
			if err := conn.SetVolume(ctx, backend.VolumeSource, db); err != nil {
				return err
			}
			a.store.SetSourceVolume(lang, db)
			return nil
		})
	if err != nil {
		writeFailure(w, err)
		return
	}
	a.invalidateSnapshot(r.Context())
	writeOk(w)
}

// ---- effects ----

func (a *API) handleSidechain(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	var doc map[string]models.SidechainSettings
	if err := decodeBody(r, &doc); err != nil {
		writeFailure(w, err)
		return
	}

	err := applyPerLanguage(r.Context(), a, "sidechain", doc,
		func(ctx context.Context, lang string, in models.SidechainSettings, conn backend.Connector) error {
			resolved, ok := a.store.MergeSidechain(lang, in)
			if !ok {
				return fmt.Errorf("no state for language %q", lang)
			}
			return conn.SetSidechain(ctx, resolved)
		})
	if err != nil {
		writeFailure(w, err)
		return
	}
	a.invalidateSnapshot(r.Context())
	writeOk(w)
}

func (a *API) handleTransition(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	var doc map[string]models.TransitionSettings
	if err := decodeBody(r, &doc); err != nil {
		writeFailure(w, err)
		return
	}

	// Stinger needs a media path; reject before touching any backend.
	if !a.reg.IsConfigured() {
		writeFailure(w, registry.ErrNotInitialized)
		return
	}
	expanded := expandDoc(doc, a.reg.Languages())
	for lang, in := range expanded {
		if in.TransitionName != "Stinger" {
			continue
		}
		st, _ := a.store.Get(lang)
		if in.Path == "" && st.Transition.Path == "" {
			writeFailure(w, fmt.Errorf("language %q: Stinger transition requires a path", lang))
			return
		}
	}

	err := applyPerLanguage(r.Context(), a, "transition", doc,
		func(ctx context.Context, lang string, in models.TransitionSettings, conn backend.Connector) error {
			resolved, ok := a.store.MergeTransition(lang, in)
			if !ok {
				return fmt.Errorf("no state for language %q", lang)
			}
			return conn.SetTransition(ctx, resolved)
		})
	if err != nil {
		writeFailure(w, err)
		return
	}
	a.invalidateSnapshot(r.Context())
	writeOk(w)
}

// ---- media sync ----

func (a *API) handleGDriveSync(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	var doc map[string]models.GDriveSettings
	if err := decodeBody(r, &doc); err != nil {
		writeFailure(w, err)
		return
	}
	if !a.reg.IsConfigured() {
		writeFailure(w, registry.ErrNotInitialized)
		return
	}

	expanded := expandDoc(doc, a.reg.Languages())
	failures := map[string]error{}
	var synced []string
	for lang, settings := range expanded {
		if _, ok := a.reg.Config(lang); !ok {
			failures[lang] = registry.ErrUnknownLanguage
			continue
		}
		if settings.DriveID == "" || settings.APIKey == "" {
			failures[lang] = fmt.Errorf("drive_id and api_key are required")
			continue
		}
		a.store.SetGDrive(lang, settings)
		synced = append(synced, lang)
	}

	// First pass runs right away; the poller takes over afterwards.
	for _, lang := range synced {
		go func(lang string) {
			if err := a.sync.Sync(context.Background(), lang); err != nil {
				a.logger.Warn().Err(err).Str("language", lang).Msg("initial sync failed")
			}
		}(lang)
	}

	a.invalidateSnapshot(r.Context())
	if len(failures) > 0 {
		writeFailure(w, &fanout.PartialFailure{Operation: "gdrive sync", Failures: failures})
		return
	}
	writeOk(w)
}

func (a *API) handleGDriveFiles(w http.ResponseWriter, r *http.Request) {
	defer a.reg.Guard()()

	if !a.reg.IsConfigured() {
		writeFailure(w, registry.ErrNotInitialized)
		return
	}

	langs := a.reg.Languages()
	if sel := r.URL.Query().Get("langs"); sel != "" {
		resolved, err := a.reg.Resolve(registry.ParseSelector(sel))
		if err != nil {
			writeFailure(w, err)
			return
		}
		langs = resolved
	}
	sort.Strings(langs)

	out := make(map[string][]mediasync.FileInfo, len(langs))
	for _, lang := range langs {
		files, err := a.sync.Files(r.Context(), lang)
		if err != nil {
			writeFailure(w, err)
			return
		}
		if files == nil {
			files = []mediasync.FileInfo{}
		}
		out[lang] = files
	}
	writeJSON(w, http.StatusOK, out)
}
