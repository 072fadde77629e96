/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/friendsincode/mimir_relay/internal/api"
	"github.com/friendsincode/mimir_relay/internal/backend"
	"github.com/friendsincode/mimir_relay/internal/cache"
	"github.com/friendsincode/mimir_relay/internal/config"
	"github.com/friendsincode/mimir_relay/internal/db"
	"github.com/friendsincode/mimir_relay/internal/eventbus"
	"github.com/friendsincode/mimir_relay/internal/events"
	"github.com/friendsincode/mimir_relay/internal/fanout"
	"github.com/friendsincode/mimir_relay/internal/mediasync"
	"github.com/friendsincode/mimir_relay/internal/models"
	"github.com/friendsincode/mimir_relay/internal/registry"
	"github.com/friendsincode/mimir_relay/internal/scheduler"
	"github.com/friendsincode/mimir_relay/internal/state"
	"github.com/friendsincode/mimir_relay/internal/telemetry"
)

// Server bundles the HTTP API and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db         *gorm.DB
	bus        *events.Bus
	natsBus    *eventbus.NATSBus
	cache      *cache.Cache
	registry   *registry.Registry
	store      *state.Store
	dispatcher *fanout.Dispatcher
	scheduler  *scheduler.Scheduler
	mediaSync  *mediasync.Service
	api        *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.MetricsMiddleware)
	router.Use(middleware.Timeout(60 * time.Second))

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
		bus:    events.NewBus(),
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	if err := srv.bootstrapLanguages(); err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	if err := os.MkdirAll(s.cfg.MediaRoot, 0755); err != nil {
		return fmt.Errorf("create media root %s: %w", s.cfg.MediaRoot, err)
	}
	s.logger.Info().Str("path", s.cfg.MediaRoot).Msg("media root ready")

	if s.cfg.NATSEnabled {
		natsBus, err := eventbus.NewNATSBus(s.cfg.NATSURL, s.bus, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("nats connect failed, events stay local")
		} else {
			s.natsBus = natsBus
			s.DeferClose(natsBus.Close)
		}
	}

	if s.cfg.CacheEnabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RedisAddr = s.cfg.RedisAddr
		cacheCfg.RedisPassword = s.cfg.RedisPassword
		cacheCfg.RedisDB = s.cfg.RedisDB
		snapshotCache, err := cache.New(cacheCfg, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("cache initialization failed, continuing without cache")
		} else {
			s.cache = snapshotCache
			s.DeferClose(s.cache.Close)
		}
	}

	dialer := backend.NewWebsocketDialer(s.logger, s.cfg.DispatchTimeout)
	s.registry = registry.New(dialer, s.logger)
	s.DeferClose(func() error {
		s.registry.Teardown()
		return nil
	})

	s.store = state.NewStore(database, s.logger)
	if err := s.store.Load(); err != nil {
		return fmt.Errorf("load language state: %w", err)
	}

	s.dispatcher = fanout.New(s.registry, s.bus, s.logger)
	s.scheduler = scheduler.New(database, s.dispatcher, s.bus, s.cfg.SchedulerTick, s.logger)

	var mirror *mediasync.S3Mirror
	if s.cfg.S3Bucket != "" {
		mirror, err = mediasync.NewS3Mirror(context.Background(), mediasync.S3Config{
			Bucket:       s.cfg.S3Bucket,
			Region:       s.cfg.S3Region,
			Endpoint:     s.cfg.S3Endpoint,
			AccessKey:    s.cfg.S3AccessKeyID,
			SecretKey:    s.cfg.S3SecretAccessKey,
			UsePathStyle: s.cfg.S3UsePathStyle,
		}, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("s3 mirror unavailable, syncing locally only")
			mirror = nil
		}
	}
	s.mediaSync = mediasync.NewService(database, s.store, s.registry, mirror, s.bus, s.cfg.MediaRoot, s.logger)

	s.api = api.New(s.registry, s.dispatcher, s.store, s.scheduler, s.mediaSync, s.cache, s.bus, s.logger)
	return nil
}

// bootstrapLanguages applies the optional languages file as an implicit
// init so the rig comes up configured without waiting for a client call.
// Backends that are still booting make this fail; that is logged and the
// operator can init over HTTP once they are up.
func (s *Server) bootstrapLanguages() error {
	if s.cfg.LanguagesFile == "" {
		return nil
	}

	raw, err := os.ReadFile(s.cfg.LanguagesFile)
	if err != nil {
		return fmt.Errorf("read languages file: %w", err)
	}
	var langs map[string]models.LanguageConfig
	if err := yaml.Unmarshal(raw, &langs); err != nil {
		return fmt.Errorf("parse languages file %s: %w", s.cfg.LanguagesFile, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.registry.Configure(ctx, langs); err != nil {
		s.logger.Warn().Err(err).Str("file", s.cfg.LanguagesFile).
			Msg("startup language configuration failed, waiting for init over HTTP")
		return nil
	}
	s.store.EnsureLanguages(s.registry.Languages())
	s.bus.Publish(events.EventInitialized, events.Payload{"languages": s.registry.Languages(), "source": "file"})
	s.logger.Info().Strs("languages", s.registry.Languages()).Msg("languages configured from file")
	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := s.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("scheduler loop exited")
		}
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := s.mediaSync.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("media sync loop exited")
		}
	}()

	if s.natsBus != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.natsBus.Relay(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("event relay exited")
			}
		}()
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","initialized":%t}`, s.registry.IsConfigured())
	})

	s.router.Handle("/metrics", telemetry.Handler())

	s.api.Routes(s.router)
}
