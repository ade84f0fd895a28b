package main

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/config"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/connectivity"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/coordinator"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/database"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/library"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/metrics"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/queue"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/reconcile"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/remote"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/tracker"
	"go.uber.org/zap"
)

// application holds the wired sync engine.
type application struct {
	config       config.AppConfig
	logger       *zap.Logger
	sqlDB        *sql.DB
	store        *library.Store
	queue        *queue.Queue
	connectivity *connectivity.Broadcaster
	prober       *connectivity.Prober
	coordinator  *coordinator.Coordinator
	tracker      *tracker.Tracker
	metrics      *metrics.Recorder
}

func newApplication(appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	clock := time.Now
	store, err := library.NewStore(library.StoreConfig{
		Database: db,
		Clock:    clock,
		Logger:   logger.Named("library"),
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	pending, err := queue.NewQueue(queue.QueueConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: queue.NewUUIDProvider(),
		Logger:     logger.Named("queue"),
		MaxRetries: appConfig.QueueMaxRetries,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	reconciler, err := reconcile.New(reconcile.Config{Store: store, Logger: logger.Named("reconcile")})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	credentials, err := newCredentialSource(appConfig, clock)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	client, err := remote.NewGraphQLClient(remote.ClientConfig{
		Endpoint:          appConfig.RemoteEndpoint,
		Credentials:       credentials,
		Timeout:           appConfig.RemoteTimeout,
		RequestsPerMinute: appConfig.RemoteRequestsPerMinute,
		Logger:            logger.Named("remote"),
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	gateway := remote.NewRetryingGateway(remote.RetryConfig{
		Next:            client,
		InitialInterval: appConfig.RetryInitialInterval,
		MaxRetries:      appConfig.RetryAttempts,
		Logger:          logger.Named("remote"),
	})

	broadcaster := connectivity.NewBroadcaster(false)
	prober, err := connectivity.NewProber(connectivity.ProberConfig{
		URL:         appConfig.ProbeURL,
		Interval:    appConfig.ProbeInterval,
		Broadcaster: broadcaster,
		Logger:      logger.Named("connectivity"),
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	recorder := metrics.NewRecorder()
	editLock := &sync.Mutex{}
	syncCoordinator, err := coordinator.New(coordinator.Config{
		Store:           store,
		Queue:           pending,
		Reconciler:      reconciler,
		Gateway:         gateway,
		Connectivity:    broadcaster,
		Credentials:     credentials,
		Observer:        coordinator.MultiObserver{coordinator.NewLogObserver(logger.Named("sync")), recorder},
		Logger:          logger.Named("sync"),
		Clock:           clock,
		EditLock:        editLock,
		Debounce:        appConfig.SyncDebounce,
		RefreshInterval: appConfig.SyncRefreshInterval,
		SyncOnStart:     true,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	edits, err := tracker.New(tracker.Config{
		Store:    store,
		Queue:    pending,
		Drainer:  syncCoordinator,
		EditLock: editLock,
		Logger:   logger.Named("tracker"),
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &application{
		config:       appConfig,
		logger:       logger,
		sqlDB:        sqlDB,
		store:        store,
		queue:        pending,
		connectivity: broadcaster,
		prober:       prober,
		coordinator:  syncCoordinator,
		tracker:      edits,
		metrics:      recorder,
	}, nil
}

func newCredentialSource(appConfig config.AppConfig, clock func() time.Time) (auth.CredentialSource, error) {
	parser := auth.NewTokenParser(auth.TokenParserConfig{Clock: clock})
	if token := strings.TrimSpace(appConfig.AccessToken); token != "" {
		return auth.NewStaticSource(token, parser), nil
	}
	return auth.NewFileStore(auth.FileStoreConfig{Path: appConfig.CredentialFile, Parser: parser, Clock: clock})
}

// probeOnce sets the connectivity state before a one-shot command runs.
func (a *application) probeOnce(ctx context.Context) bool {
	online := a.prober.Check(ctx)
	a.connectivity.Set(online)
	a.metrics.SetOnline(online)
	return online
}

// trackConnectivity mirrors connectivity changes into the metrics gauge until ctx ends.
func (a *application) trackConnectivity(ctx context.Context) {
	events, cleanup := a.connectivity.Subscribe(ctx)
	defer cleanup()
	a.metrics.SetOnline(a.connectivity.Online())
	for event := range events {
		a.metrics.SetOnline(event.Online)
	}
}

func (a *application) close() {
	if err := a.sqlDB.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
}
