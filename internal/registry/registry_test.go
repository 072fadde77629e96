/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package registry

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/mimir_relay/internal/backend"
	"github.com/friendsincode/mimir_relay/internal/models"
)

type fakeConnector struct {
	backend.Connector

	language string
	dialErr  error

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (f *fakeConnector) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return f.dialErr
	}
	f.connected = true
	return nil
}

func (f *fakeConnector) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConnector) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closed = true
	return nil
}

// fakeDialer records every connector it hands out.
type fakeDialer struct {
	mu      sync.Mutex
	failing map[string]error
	dialed  map[string]*fakeConnector
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{failing: make(map[string]error), dialed: make(map[string]*fakeConnector)}
}

func (d *fakeDialer) dial(language string, _ models.LanguageConfig) backend.Connector {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := &fakeConnector{language: language, dialErr: d.failing[language]}
	d.dialed[language] = conn
	return conn
}

func validConfig() models.LanguageConfig {
	return models.LanguageConfig{
		HostURL:          "http://10.0.0.1",
		WebsocketPort:    4439,
		Password:         "secret",
		OriginalMediaURL: "rtmp://origin/live",
	}
}

func TestConfigureAndResolve(t *testing.T) {
	dialer := newFakeDialer()
	reg := New(dialer.dial, zerolog.Nop())

	configs := map[string]models.LanguageConfig{
		"eng": validConfig(),
		"ger": validConfig(),
		"spa": validConfig(),
	}
	if err := reg.Configure(context.Background(), configs); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	if got := reg.Languages(); !reflect.DeepEqual(got, []string{"eng", "ger", "spa"}) {
		t.Errorf("Languages() = %v", got)
	}

	all, err := reg.Resolve(All())
	if err != nil {
		t.Fatalf("Resolve(All) error = %v", err)
	}
	if !reflect.DeepEqual(all, []string{"eng", "ger", "spa"}) {
		t.Errorf("Resolve(All) = %v", all)
	}

	subset, err := reg.Resolve(Subset("spa", "eng"))
	if err != nil {
		t.Fatalf("Resolve(Subset) error = %v", err)
	}
	if !reflect.DeepEqual(subset, []string{"eng", "spa"}) {
		t.Errorf("Resolve(Subset) = %v", subset)
	}

	if _, err := reg.Resolve(One("fra")); !errors.Is(err, ErrUnknownLanguage) {
		t.Errorf("Resolve(unknown) error = %v, want ErrUnknownLanguage", err)
	}
}

func TestResolveBeforeInit(t *testing.T) {
	reg := New(newFakeDialer().dial, zerolog.Nop())
	if _, err := reg.Resolve(All()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Resolve() error = %v, want ErrNotInitialized", err)
	}
	if _, err := reg.Connector("eng"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Connector() error = %v, want ErrNotInitialized", err)
	}
}

func TestConfigureAllOrNothing(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failing["ger"] = errors.New("connection refused")
	reg := New(dialer.dial, zerolog.Nop())

	err := reg.Configure(context.Background(), map[string]models.LanguageConfig{
		"eng": validConfig(),
		"ger": validConfig(),
	})
	if err == nil {
		t.Fatal("Configure() succeeded, want error")
	}
	if reg.IsConfigured() {
		t.Error("IsConfigured() = true after failed configure")
	}
	// Any backend that did connect must have been closed again.
	if conn := dialer.dialed["eng"]; conn != nil && conn.IsConnected() {
		t.Error("eng backend left connected after failed configure")
	}
}

func TestConfigureValidation(t *testing.T) {
	reg := New(newFakeDialer().dial, zerolog.Nop())

	tests := []struct {
		name string
		lang string
		cfg  models.LanguageConfig
	}{
		{"missing host", "eng", models.LanguageConfig{WebsocketPort: 4439, Password: "x", OriginalMediaURL: "y"}},
		{"missing password", "eng", models.LanguageConfig{HostURL: "h", WebsocketPort: 4439, OriginalMediaURL: "y"}},
		{"bad port", "eng", models.LanguageConfig{HostURL: "h", WebsocketPort: 0, Password: "x", OriginalMediaURL: "y"}},
		{"missing media url", "eng", models.LanguageConfig{HostURL: "h", WebsocketPort: 4439, Password: "x"}},
		{"reserved name", models.AllLanguages, validConfig()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Configure(context.Background(), map[string]models.LanguageConfig{tt.lang: tt.cfg})
			if !errors.Is(err, ErrValidation) {
				t.Errorf("Configure() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestReconfigureReplacesSet(t *testing.T) {
	dialer := newFakeDialer()
	reg := New(dialer.dial, zerolog.Nop())

	if err := reg.Configure(context.Background(), map[string]models.LanguageConfig{"eng": validConfig()}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	first := dialer.dialed["eng"]

	if err := reg.Configure(context.Background(), map[string]models.LanguageConfig{"ger": validConfig()}); err != nil {
		t.Fatalf("reconfigure error = %v", err)
	}

	if !first.closed {
		t.Error("replaced backend was not closed")
	}
	if got := reg.Languages(); !reflect.DeepEqual(got, []string{"ger"}) {
		t.Errorf("Languages() = %v, want [ger]", got)
	}
}

func TestTeardown(t *testing.T) {
	dialer := newFakeDialer()
	reg := New(dialer.dial, zerolog.Nop())

	if err := reg.Configure(context.Background(), map[string]models.LanguageConfig{"eng": validConfig()}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	reg.Teardown()

	if reg.IsConfigured() {
		t.Error("IsConfigured() = true after teardown")
	}
	if !dialer.dialed["eng"].closed {
		t.Error("backend not closed by teardown")
	}
}

func TestExclusiveBlocksGuardedCallers(t *testing.T) {
	reg := New(newFakeDialer().dial, zerolog.Nop())

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = reg.Exclusive(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	guarded := make(chan struct{})
	go func() {
		reg.Guard()()
		close(guarded)
	}()

	select {
	case <-guarded:
		t.Fatal("Guard() acquired while Exclusive() was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-guarded:
	case <-time.After(2 * time.Second):
		t.Fatal("Guard() never acquired after Exclusive() returned")
	}
}

func TestParseSelector(t *testing.T) {
	tests := []struct {
		in      string
		wantAll bool
		langs   []string
	}{
		{models.AllLanguages, true, nil},
		{"", true, nil},
		{"eng", false, []string{"eng"}},
		{"eng,ger", false, []string{"eng", "ger"}},
		{"eng, ger ,eng", false, []string{"eng", "ger"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			sel := ParseSelector(tt.in)
			if sel.IsAll() != tt.wantAll {
				t.Errorf("IsAll() = %v, want %v", sel.IsAll(), tt.wantAll)
			}
			if !tt.wantAll && !reflect.DeepEqual(sel.Languages(), tt.langs) {
				t.Errorf("Languages() = %v, want %v", sel.Languages(), tt.langs)
			}
		})
	}
}
