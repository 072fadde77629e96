/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mediasync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/friendsincode/mimir_relay/internal/models"
	"github.com/friendsincode/mimir_relay/internal/state"
)

// fakeDrive serves a drive folder with the given files and contents.
func fakeDrive(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		var listed []DriveFile
		for id := range files {
			listed = append(listed, DriveFile{ID: id, Name: id + ".mp4"})
		}
		json.NewEncoder(w).Encode(driveListResponse{Files: listed})
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		id := filepath.Base(r.URL.Path)
		content, ok := files[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(content))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newSyncFixture(t *testing.T, files map[string]string) (*Service, *state.Store, string) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.SyncedFile{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	srv := fakeDrive(t, files)
	root := t.TempDir()

	store := state.NewStore(nil, zerolog.Nop())
	store.EnsureLanguages([]string{"eng"})
	store.SetGDrive("eng", models.GDriveSettings{
		DriveID: "folder-1",
		APIKey:  "test-key",
	})

	svc := NewService(db, store, nil, nil, nil, root, zerolog.Nop())
	svc.drive.baseURL = srv.URL
	return svc, store, root
}

func TestSyncDownloadsNewFiles(t *testing.T) {
	svc, _, root := newSyncFixture(t, map[string]string{
		"alpha": "alpha-content",
		"beta":  "beta-content",
	})

	if err := svc.Sync(context.Background(), "eng"); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	for _, name := range []string{"alpha.mp4", "beta.mp4"} {
		path := filepath.Join(root, "eng", "media", name)
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if len(data) == 0 {
			t.Errorf("%s is empty", name)
		}
	}

	files, err := svc.Files(context.Background(), "eng")
	if err != nil {
		t.Fatalf("Files() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("Files() = %v", files)
	}
	for _, f := range files {
		if !f.Available {
			t.Errorf("%s not marked available", f.Name)
		}
	}
}

func TestSyncSkipsExistingFiles(t *testing.T) {
	svc, _, root := newSyncFixture(t, map[string]string{"alpha": "remote-content"})

	dir := filepath.Join(root, "eng", "media")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	local := filepath.Join(dir, "alpha.mp4")
	if err := os.WriteFile(local, []byte("local-copy"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := svc.Sync(context.Background(), "eng"); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "local-copy" {
		t.Errorf("existing file was overwritten: %q", data)
	}
}

func TestSyncWithoutDriveSettings(t *testing.T) {
	svc, store, _ := newSyncFixture(t, nil)
	store.SetGDrive("eng", models.GDriveSettings{})

	if err := svc.Sync(context.Background(), "eng"); err == nil {
		t.Error("Sync() succeeded without drive settings")
	}
}

func TestMediaDirOverride(t *testing.T) {
	svc, _, root := newSyncFixture(t, nil)

	got := svc.mediaDir("eng", models.GDriveSettings{})
	if got != filepath.Join(root, "eng", "media") {
		t.Errorf("default mediaDir = %q", got)
	}

	got = svc.mediaDir("eng", models.GDriveSettings{MediaDir: "/custom/dir"})
	if got != "/custom/dir" {
		t.Errorf("override mediaDir = %q", got)
	}
}
