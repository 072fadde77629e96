/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/mimir_relay/internal/backend"
	"github.com/friendsincode/mimir_relay/internal/fanout"
	"github.com/friendsincode/mimir_relay/internal/mediasync"
	"github.com/friendsincode/mimir_relay/internal/models"
	"github.com/friendsincode/mimir_relay/internal/registry"
	"github.com/friendsincode/mimir_relay/internal/scheduler"
	"github.com/friendsincode/mimir_relay/internal/state"
)

// testConnector records calls and can be told to fail or stall on
// specific ops.
type testConnector struct {
	language string

	mu      sync.Mutex
	calls   []string
	fail    map[string]error
	block   map[string]chan struct{} // op waits here until the channel closes
	missing bool                     // file_exists answers false
}

func (c *testConnector) record(op string) error {
	c.mu.Lock()
	c.calls = append(c.calls, op)
	err := c.fail[op]
	gate := c.block[op]
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (c *testConnector) blockOn(op string) chan struct{} {
	gate := make(chan struct{})
	c.mu.Lock()
	if c.block == nil {
		c.block = map[string]chan struct{}{}
	}
	c.block[op] = gate
	c.mu.Unlock()
	return gate
}

func (c *testConnector) callCount(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call == op {
			n++
		}
	}
	return n
}

func (c *testConnector) Connect(context.Context) error { return c.record("connect") }
func (c *testConnector) IsConnected() bool             { return true }
func (c *testConnector) Close() error                  { return nil }

func (c *testConnector) Play(_ context.Context, _ string, _ backend.PlayMode) error {
	return c.record("play")
}
func (c *testConnector) StopMedia(context.Context) error { return c.record("stop_media") }
func (c *testConnector) SetStreamDestination(_ context.Context, _ models.StreamSettings) error {
	return c.record("set_stream_settings")
}
func (c *testConnector) StartStream(context.Context) error { return c.record("start_stream") }
func (c *testConnector) StopStream(context.Context) error  { return c.record("stop_stream") }
func (c *testConnector) SetTSOffset(_ context.Context, _ int) error {
	return c.record("set_ts_offset")
}
func (c *testConnector) SetVolume(_ context.Context, _ backend.VolumeTarget, _ float64) error {
	return c.record("set_volume")
}
func (c *testConnector) SetSidechain(_ context.Context, _ models.SidechainValues) error {
	return c.record("set_sidechain")
}
func (c *testConnector) SetTransition(_ context.Context, _ models.TransitionValues) error {
	return c.record("set_transition")
}
func (c *testConnector) FileExists(_ context.Context, _ string) (bool, error) {
	if err := c.record("file_exists"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.missing, nil
}

func (c *testConnector) RefreshMedia(context.Context) error { return c.record("refresh_media") }

type testRig struct {
	api        *API
	router     chi.Router
	store      *state.Store
	sched      *scheduler.Scheduler
	connectors map[string]*testConnector
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.ScheduleEntry{}, &models.SyncedFile{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rig := &testRig{connectors: map[string]*testConnector{}}

	reg := registry.New(func(lang string, _ models.LanguageConfig) backend.Connector {
		conn := &testConnector{language: lang, fail: map[string]error{}}
		rig.connectors[lang] = conn
		return conn
	}, zerolog.Nop())

	rig.store = state.NewStore(nil, zerolog.Nop())
	dispatcher := fanout.New(reg, nil, zerolog.Nop())
	rig.sched = scheduler.New(db, dispatcher, nil, 200*time.Millisecond, zerolog.Nop())
	syncSvc := mediasync.NewService(db, rig.store, reg, nil, nil, t.TempDir(), zerolog.Nop())

	rig.api = New(reg, dispatcher, rig.store, rig.sched, syncSvc, nil, nil, zerolog.Nop())
	rig.router = chi.NewRouter()
	rig.api.Routes(rig.router)
	return rig
}

func (rig *testRig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	rig.router.ServeHTTP(w, req)
	return w
}

func (rig *testRig) initLangs(t *testing.T, langs ...string) {
	t.Helper()
	doc := map[string]map[string]models.LanguageConfig{"server_langs": {}}
	for _, lang := range langs {
		doc["server_langs"][lang] = models.LanguageConfig{
			HostURL:          "http://10.0.0.1",
			WebsocketPort:    4439,
			Password:         "secret",
			OriginalMediaURL: "srt://origin",
		}
	}
	w := rig.do(t, http.MethodPost, "/init", doc)
	if w.Code != http.StatusOK || w.Body.String() != okBody {
		t.Fatalf("init: status %d body %q", w.Code, w.Body.String())
	}
}

func TestInitAndInfo(t *testing.T) {
	rig := newTestRig(t)
	rig.initLangs(t, "eng", "rus")

	w := rig.do(t, http.MethodGet, "/info", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("info: status %d", w.Code)
	}

	var resp struct {
		ServerLangs map[string]models.LanguageConfig `json:"server_langs"`
		States      map[string]models.LanguageState  `json:"states"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode info: %v", err)
	}

	for _, lang := range []string{"eng", "rus"} {
		cfg, ok := resp.ServerLangs[lang]
		if !ok {
			t.Fatalf("info missing config for %s", lang)
		}
		if cfg.Password != "" {
			t.Error("info leaked backend password")
		}
		st, ok := resp.States[lang]
		if !ok {
			t.Fatalf("info missing state for %s", lang)
		}
		if st.TSOffsetMS != models.DefaultTSOffsetMS {
			t.Errorf("%s ts_offset = %d, want default", lang, st.TSOffsetMS)
		}
		if st.Sidechain.Ratio != models.DefaultSidechainRatio {
			t.Errorf("%s sidechain ratio = %v, want default", lang, st.Sidechain.Ratio)
		}
	}
}

func TestCommandsBeforeInit(t *testing.T) {
	rig := newTestRig(t)

	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodPost, "/stream/start", map[string]any{"langs": []string{"__all__"}}},
		{http.MethodPost, "/media/play", map[string]any{"name": "a.mp4"}},
		{http.MethodPost, "/media/schedule", []any{}},
		{http.MethodPost, "/ts/offset", map[string]int{"eng": 5000}},
	} {
		w := rig.do(t, tc.method, tc.path, tc.body)
		if w.Code != http.StatusInternalServerError {
			t.Errorf("%s %s: status %d, want 500", tc.method, tc.path, w.Code)
		}
		if !strings.Contains(w.Body.String(), "not initialized") {
			t.Errorf("%s %s: body %q", tc.method, tc.path, w.Body.String())
		}
	}
}

func TestStreamStartPartialFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.initLangs(t, "eng", "rus")
	rig.connectors["rus"].fail["start_stream"] = errors.New("rtmp refused")

	w := rig.do(t, http.MethodPost, "/stream/start", map[string]any{"langs": []string{"__all__"}})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", w.Code)
	}
	detail := w.Body.String()
	if !strings.Contains(detail, "rus") || strings.Contains(detail, "eng:") {
		t.Errorf("detail %q must name only the failing language", detail)
	}

	// The successful language stays started; no rollback.
	if st, _ := rig.store.Get("eng"); !st.StreamOn {
		t.Error("eng stream_on = false, want true")
	}
	if st, _ := rig.store.Get("rus"); st.StreamOn {
		t.Error("rus stream_on = true after failed start")
	}
}

func TestSidechainMergeIsPartial(t *testing.T) {
	rig := newTestRig(t)
	rig.initLangs(t, "eng", "rus")

	w := rig.do(t, http.MethodPost, "/filters/sidechain", map[string]any{
		"eng": map[string]any{"ratio": 16},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %q", w.Code, w.Body.String())
	}

	eng, _ := rig.store.Get("eng")
	if eng.Sidechain.Ratio != 16 {
		t.Errorf("eng ratio = %v, want 16", eng.Sidechain.Ratio)
	}
	if eng.Sidechain.ReleaseTime != models.DefaultSidechainReleaseTime {
		t.Errorf("eng release_time changed: %v", eng.Sidechain.ReleaseTime)
	}

	rus, _ := rig.store.Get("rus")
	if rus.Sidechain.Ratio != models.DefaultSidechainRatio {
		t.Errorf("rus ratio touched: %v", rus.Sidechain.Ratio)
	}

	// Only the addressed language got a backend call.
	if n := rig.connectors["eng"].callCount("set_sidechain"); n != 1 {
		t.Errorf("eng set_sidechain calls = %d", n)
	}
	if n := rig.connectors["rus"].callCount("set_sidechain"); n != 0 {
		t.Errorf("rus set_sidechain calls = %d", n)
	}
}

func TestAllTokenInSettingsDoc(t *testing.T) {
	rig := newTestRig(t)
	rig.initLangs(t, "eng", "rus")

	w := rig.do(t, http.MethodPost, "/ts/offset", map[string]any{
		models.AllLanguages: 7000,
		"rus":               9000,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %q", w.Code, w.Body.String())
	}

	if st, _ := rig.store.Get("eng"); st.TSOffsetMS != 7000 {
		t.Errorf("eng offset = %d, want 7000", st.TSOffsetMS)
	}
	if st, _ := rig.store.Get("rus"); st.TSOffsetMS != 9000 {
		t.Errorf("rus offset = %d, want 9000 (explicit key wins)", st.TSOffsetMS)
	}
}

func TestUnknownLanguageInDoc(t *testing.T) {
	rig := newTestRig(t)
	rig.initLangs(t, "eng")

	w := rig.do(t, http.MethodPost, "/ts/volume", map[string]any{
		"eng": -5.0,
		"ita": -7.0,
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ita") {
		t.Errorf("detail %q must name the unknown language", w.Body.String())
	}

	// The known language was still applied.
	if st, _ := rig.store.Get("eng"); st.TSVolumeDB != -5.0 {
		t.Errorf("eng ts volume = %v, want -5", st.TSVolumeDB)
	}
}

func TestTransitionStingerRequiresPath(t *testing.T) {
	rig := newTestRig(t)
	rig.initLangs(t, "eng")

	w := rig.do(t, http.MethodPost, "/transition", map[string]any{
		"eng": map[string]any{"transition_name": "Stinger"},
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "path") {
		t.Errorf("detail %q should mention the missing path", w.Body.String())
	}
	// Validation aborts before any backend call.
	if n := rig.connectors["eng"].callCount("set_transition"); n != 0 {
		t.Errorf("set_transition called %d times during failed validation", n)
	}

	w = rig.do(t, http.MethodPost, "/transition", map[string]any{
		"eng": map[string]any{"transition_name": "Stinger", "path": "/media/sting.mp4"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %q", w.Code, w.Body.String())
	}
}

func TestSchedulePairFormAndList(t *testing.T) {
	rig := newTestRig(t)
	rig.initLangs(t, "eng")

	w := rig.do(t, http.MethodPost, "/media/schedule", []any{
		[]any{"001_intro.mp4", 5.0},
		map[string]any{"name": "002_main.mp4", "timestamp": 60.5},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("arm: status %d body %q", w.Code, w.Body.String())
	}

	w = rig.do(t, http.MethodGet, "/media/schedule", nil)
	var entries []models.ScheduleEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode schedule: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Name != "001_intro.mp4" || entries[0].Timestamp != 5.0 {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].Name != "002_main.mp4" {
		t.Errorf("second entry = %+v", entries[1])
	}
}

func TestScheduleEntryLifecycle(t *testing.T) {
	rig := newTestRig(t)
	rig.initLangs(t, "eng")

	rig.do(t, http.MethodPost, "/media/schedule", []any{
		[]any{"a.mp4", 5.0},
	})
	w := rig.do(t, http.MethodGet, "/media/schedule", nil)
	var entries []models.ScheduleEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	id := entries[0].ID

	w = rig.do(t, http.MethodPut, "/media/schedule/"+id, map[string]any{"is_enabled": false})
	if w.Code != http.StatusOK {
		t.Fatalf("update: status %d body %q", w.Code, w.Body.String())
	}

	w = rig.do(t, http.MethodPut, "/media/schedule/no-such-id", map[string]any{"is_enabled": true})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("unknown id update: status %d", w.Code)
	}

	w = rig.do(t, http.MethodDelete, "/media/schedule/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: status %d", w.Code)
	}

	w = rig.do(t, http.MethodDelete, "/media/schedule", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("clear: status %d", w.Code)
	}
}

func TestMediaPlayModes(t *testing.T) {
	rig := newTestRig(t)
	rig.initLangs(t, "eng", "rus")

	w := rig.do(t, http.MethodPost, "/media/play", map[string]any{
		"name":          "001_intro.mp4",
		"search_by_num": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("play: status %d body %q", w.Code, w.Body.String())
	}
	for _, lang := range []string{"eng", "rus"} {
		// Prefix mode asks the backend for the file before playing it.
		if n := rig.connectors[lang].callCount("file_exists"); n != 1 {
			t.Errorf("%s file_exists calls = %d", lang, n)
		}
		if n := rig.connectors[lang].callCount("play"); n != 1 {
			t.Errorf("%s play calls = %d", lang, n)
		}
	}

	w = rig.do(t, http.MethodDelete, "/media/play", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: status %d", w.Code)
	}
}

func TestPrefixPlayRequiresLeadingNumber(t *testing.T) {
	rig := newTestRig(t)
	rig.initLangs(t, "eng")

	w := rig.do(t, http.MethodPost, "/media/play", map[string]any{
		"name":          "intro.mp4",
		"search_by_num": true,
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500 for a name with no leading number", w.Code)
	}
	if !strings.Contains(w.Body.String(), "leading number") {
		t.Errorf("detail %q should say the name has no leading number", w.Body.String())
	}
	// Rejection happens before any backend is touched.
	if n := rig.connectors["eng"].callCount("play"); n != 0 {
		t.Errorf("play called %d times for an invalid prefix request", n)
	}
	if n := rig.connectors["eng"].callCount("file_exists"); n != 0 {
		t.Errorf("file_exists called %d times for an invalid prefix request", n)
	}
}

func TestPrefixPlayMissingMedia(t *testing.T) {
	rig := newTestRig(t)
	rig.initLangs(t, "eng")
	rig.connectors["eng"].missing = true

	w := rig.do(t, http.MethodPost, "/media/play", map[string]any{
		"name":          "042_recap.mp4",
		"search_by_num": true,
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500 when no file matches the prefix", w.Code)
	}
	if !strings.Contains(w.Body.String(), "042") {
		t.Errorf("detail %q should name the missing prefix", w.Body.String())
	}
	// The lookup ran, playback did not.
	if n := rig.connectors["eng"].callCount("file_exists"); n != 1 {
		t.Errorf("file_exists calls = %d", n)
	}
	if n := rig.connectors["eng"].callCount("play"); n != 0 {
		t.Errorf("play calls = %d", n)
	}
}

func TestCleanupResetsEverything(t *testing.T) {
	rig := newTestRig(t)
	rig.initLangs(t, "eng")

	rig.do(t, http.MethodPost, "/stream/start", nil)
	rig.do(t, http.MethodPost, "/media/schedule", []any{[]any{"a.mp4", 5.0}})

	w := rig.do(t, http.MethodPost, "/cleanup", nil)
	if w.Code != http.StatusOK || w.Body.String() != okBody {
		t.Fatalf("cleanup: status %d body %q", w.Code, w.Body.String())
	}

	// Back to the pre-init state: commands fail, schedule is empty.
	w = rig.do(t, http.MethodPost, "/stream/start", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("post-cleanup stream start: status %d", w.Code)
	}
	if len(rig.store.Snapshot()) != 0 {
		t.Error("state survived cleanup")
	}
	if rig.sched.IsArmed() {
		t.Error("schedule still armed after cleanup")
	}
}

func TestCleanupBlocksConcurrentCommands(t *testing.T) {
	rig := newTestRig(t)
	rig.initLangs(t, "eng")
	conn := rig.connectors["eng"]

	// Stall cleanup inside its exclusive section, on the stream stop it
	// issues before tearing down.
	gate := conn.blockOn("stop_stream")

	cleanupDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		cleanupDone <- rig.do(t, http.MethodPost, "/cleanup", nil)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for conn.callCount("stop_stream") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("cleanup never reached the backend")
		}
		time.Sleep(time.Millisecond)
	}

	startDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		startDone <- rig.do(t, http.MethodPost, "/stream/start", nil)
	}()

	// While cleanup holds the lifecycle lock, the command must wait.
	select {
	case <-startDone:
		t.Fatal("stream start ran while cleanup was still in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)

	if w := <-cleanupDone; w.Code != http.StatusOK || w.Body.String() != okBody {
		t.Fatalf("cleanup: status %d body %q", w.Code, w.Body.String())
	}

	// The queued command observes the fully torn-down rig, never a
	// half-applied one.
	w := <-startDone
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("stream start after cleanup: status %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "not initialized") {
		t.Errorf("detail %q, want not initialized", w.Body.String())
	}
	if n := conn.callCount("start_stream"); n != 0 {
		t.Errorf("start_stream calls = %d, want 0", n)
	}
	if len(rig.store.Snapshot()) != 0 {
		t.Error("state survived cleanup")
	}
}

func TestGDriveSyncValidation(t *testing.T) {
	rig := newTestRig(t)
	rig.initLangs(t, "eng")

	w := rig.do(t, http.MethodPost, "/gdrive/sync", map[string]any{
		"eng": map[string]any{"media_dir": "/tmp/x"},
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500 without drive_id", w.Code)
	}

	w = rig.do(t, http.MethodGet, "/gdrive/files", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("files: status %d", w.Code)
	}
	var files map[string][]mediasync.FileInfo
	if err := json.Unmarshal(w.Body.Bytes(), &files); err != nil {
		t.Fatalf("decode files: %v", err)
	}
	if _, ok := files["eng"]; !ok {
		t.Error("files missing eng key")
	}
}
