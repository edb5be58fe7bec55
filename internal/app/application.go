package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"ue1live/internal/api"
	"ue1live/internal/config"
	"ue1live/internal/database"
	"ue1live/internal/events"
	"ue1live/internal/hub"
	"ue1live/internal/memstore"
	"ue1live/internal/router"
	"ue1live/internal/websocket"
	dbconfig "ue1live/pkg/database"
	"ue1live/pkg/interfaces"
)

// Store is the realtime store the service exposes, plus its shutdown.
type Store interface {
	interfaces.RealtimeStore
	io.Closer
}

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	store      Store
	changeHub  *hub.Hub // nil for the memory driver, which owns its hub
	redis      *redis.Client
	publisher  events.Publisher
	watcher    *events.Watcher
	registry   *websocket.Registry
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	addr     string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	serveErr chan error
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Hub/Redis → Store → Registry → Feed → API → Events → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	app := &Application{config: cfg, serveErr: make(chan error, 1)}

	// STEP 1: Store, with its change hub and optional cross-instance bridge
	if cfg.Database.Driver == dbconfig.DriverMemory {
		if cfg.Redis.Addr != "" {
			// FUNCTIONAL DISCOVERY: memory rows are private to one process, so
			// relaying their changes to other replicas would be meaningless
			log.Printf("Redis bridge ignored: database driver %s is process-local", dbconfig.DriverMemory)
		}
		app.store = memstore.New(memstore.WithQueueSize(cfg.Hub.QueueSize))
	} else {
		var bridge hub.Bridge
		if cfg.Redis.Addr != "" {
			app.redis = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			bridge = hub.NewRedisBridge(app.redis, cfg.Redis.Channel, uuid.NewString())
		}
		app.changeHub = hub.NewHub(router.NewRouter(), bridge, cfg.Hub.QueueSize)
		manager, err := database.Open(cfg.Database, app.changeHub)
		if err != nil {
			app.closeRedis()
			return nil, errors.Wrap(err, "failed to initialize database manager")
		}
		app.store = manager
	}

	// STEP 2: Connection registry and change feed
	app.registry = websocket.NewRegistry()
	feed := websocket.NewHandler(app.registry, app.store, cfg.WebSocket)

	// STEP 3: Row API with the feed mounted at /ws
	app.apiServer = api.NewServer(app.store, app.registry, feed, cfg.HTTP)

	// STEP 4: Lifecycle events, disabled when no broker is configured
	publisher, err := events.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	if err != nil {
		app.closeStore()
		app.closeRedis()
		return nil, errors.Wrap(err, "failed to initialize lifecycle publisher")
	}
	app.publisher = publisher
	if cfg.AMQP.URL != "" {
		app.watcher = events.NewWatcher(app.store, publisher)
	}

	// STEP 5: HTTP server
	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	app.addr = app.httpServer.Addr

	return app, nil
}

// Start begins application execution
// Hub and background loops start first, then the listener accepts connections
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting ue1live on %s (driver=%s)", app.httpServer.Addr, app.config.Database.Driver)

	// STEP 1: Start change fan-out
	if app.changeHub != nil {
		if err := app.changeHub.Start(ctx); err != nil {
			return errors.Wrap(err, "failed to start change hub")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	app.mu.Lock()
	app.cancel = cancel
	app.mu.Unlock()

	// STEP 2: Background maintenance and lifecycle events
	app.goRun(func() { app.apiServer.RunMaintenance(runCtx) })
	if app.watcher != nil {
		app.goRun(func() { app.runWatcher(runCtx) })
	}

	// STEP 3: Bind before returning so callers can connect immediately
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		cancel()
		app.wg.Wait()
		app.stopHub()
		return errors.Wrapf(err, "failed to listen on %s", app.httpServer.Addr)
	}
	app.mu.Lock()
	app.addr = listener.Addr().String()
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			app.serveErr <- errors.Wrap(err, "HTTP server error")
		}
	}()

	log.Printf("ue1live started successfully on %s", app.GetAddr())
	return nil
}

// Errors yields a fatal serving error, if one happens after Start.
func (app *Application) Errors() <-chan error {
	return app.serveErr
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → feed connections → background loops → Store → Hub
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down ue1live")

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// STEP 2: Hijacked feed connections are not covered by Shutdown
	app.registry.CloseAll()

	// STEP 3: Background loops
	app.mu.Lock()
	cancel := app.cancel
	app.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	app.wg.Wait()

	if err := app.publisher.Close(); err != nil {
		log.Printf("Lifecycle publisher shutdown error: %v", err)
	}

	// STEP 4: Store, draining queued writes into the hub
	app.closeStore()

	// STEP 5: Change fan-out; stopping the hub closes the Redis bridge
	bridged := app.changeHub != nil && app.changeHub.IsRunning()
	app.stopHub()
	if !bridged {
		app.closeRedis()
	}

	log.Printf("ue1live shutdown complete")
	return nil
}

// Handler exposes the full HTTP surface, for in-process use and tests.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Store returns the store behind the API.
func (app *Application) Store() Store {
	return app.store
}

// GetAddr returns the server address for external connections
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.addr
}

func (app *Application) goRun(fn func()) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		fn()
	}()
}

// runWatcher publishes lifecycle events. With the Redis bridge every replica
// sees every change, so only the lock holder publishes.
func (app *Application) runWatcher(ctx context.Context) {
	if app.redis == nil {
		if err := app.watcher.Run(ctx); err != nil {
			log.Printf("Lifecycle watcher stopped: %v", err)
		}
		return
	}
	lock := newLeaderLock(app.redis, watcherLockKey, uuid.NewString())
	lock.Run(ctx, func(leaderCtx context.Context) {
		if err := app.watcher.Run(leaderCtx); err != nil {
			log.Printf("Lifecycle watcher stopped: %v", err)
		}
	})
}

func (app *Application) stopHub() {
	if app.changeHub == nil || !app.changeHub.IsRunning() {
		return
	}
	if err := app.changeHub.Stop(); err != nil {
		log.Printf("Change hub shutdown error: %v", err)
	}
}

func (app *Application) closeStore() {
	if app.store == nil {
		return
	}
	if err := app.store.Close(); err != nil {
		log.Printf("Store shutdown error: %v", err)
	}
}

func (app *Application) closeRedis() {
	if app.redis == nil {
		return
	}
	if err := app.redis.Close(); err != nil {
		log.Printf("Redis shutdown error: %v", err)
	}
}
