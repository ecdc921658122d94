// Package app assembles the ridewire components for one instance and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/ridewire/internal/api"
	"github.com/eldtechnologies/ridewire/internal/api/middleware"
	"github.com/eldtechnologies/ridewire/internal/clock"
	"github.com/eldtechnologies/ridewire/internal/config"
	"github.com/eldtechnologies/ridewire/internal/crypto"
	"github.com/eldtechnologies/ridewire/internal/dispatch"
	"github.com/eldtechnologies/ridewire/internal/fanout"
	"github.com/eldtechnologies/ridewire/internal/gateway"
	"github.com/eldtechnologies/ridewire/internal/handlers"
	"github.com/eldtechnologies/ridewire/internal/location"
	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/protocol"
	"github.com/eldtechnologies/ridewire/internal/relay"
	"github.com/eldtechnologies/ridewire/internal/session"
	"github.com/eldtechnologies/ridewire/internal/store"
	"github.com/eldtechnologies/ridewire/internal/zones"
)

// hookTimeout bounds the work done when an identity comes online or goes
// offline.
const hookTimeout = 5 * time.Second

// Queue flushes wait on slow connections through the hub.
var _ relay.WaitPublisher = (*fanout.Hub)(nil)

// presence is the cross-instance presence directory.
type presence interface {
	relay.Presence
	dispatch.Presence
}

// Option overrides a component chosen from configuration.
type Option func(*App)

// WithDatabase uses db instead of connecting to Postgres or SQLite. The
// caller keeps ownership of db.
func WithDatabase(db store.DataStore, name string) Option {
	return func(a *App) {
		a.db = db
		a.dbName = name
		a.ownsDB = false
	}
}

// WithBroker uses b as the fan-out broker. The hub closes it on Shutdown.
func WithBroker(b fanout.Broker) Option {
	return func(a *App) { a.broker = b }
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(a *App) { a.clock = clk }
}

// App is one running ridewire instance.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger
	clock  clock.Clock

	db     store.DataStore
	dbName string
	ownsDB bool
	redis  *store.RedisStore
	nats   *nats.Conn
	broker fanout.Broker

	pool     dispatch.Pool
	presence presence
	queue    relay.Queue
	memQueue *relay.MemoryQueue

	zones    *zones.Store
	registry *session.Registry
	hub      *fanout.Hub
	coord    *dispatch.Coordinator
	engine   *location.Engine
	relay    *relay.Relay
	gateway  *gateway.Gateway
	router   http.Handler

	ctx    context.Context
	cancel context.CancelFunc
}

// New connects the stores and builds every component. Nothing runs until
// Start.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger.With().Str("instance", cfg.InstanceID).Logger(),
		clock:  clock.Real(),
		ownsDB: true,
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.connect(ctx); err != nil {
		a.closeStores()
		return nil, err
	}
	a.build()
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	if a.db == nil {
		if a.cfg.DatabaseURL != "" {
			pg, err := store.NewPostgresStore(ctx, a.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			a.db, a.dbName = pg, "postgres"
			if err := pg.RunMigrations(ctx); err != nil {
				return fmt.Errorf("postgres migrations: %w", err)
			}
			a.logger.Info().Msg("connected to PostgreSQL")
		} else {
			lite, err := store.NewSQLiteStore(ctx, a.cfg.SQLitePath)
			if err != nil {
				return fmt.Errorf("sqlite: %w", err)
			}
			a.db, a.dbName = lite, "sqlite"
			a.logger.Info().Str("path", a.cfg.SQLitePath).Msg("opened SQLite database")
		}
	}

	queueOpts := relay.QueueOptions{MaxMessages: a.cfg.QueueMaxMessages, Retention: a.cfg.QueueRetention}
	if a.cfg.RedisURL != "" {
		rs, err := store.NewRedisStore(ctx, a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.redis = rs
		a.pool = rs
		a.presence = rs
		var sealer *crypto.Sealer
		if len(a.cfg.QueueSealKey) > 0 {
			if sealer, err = crypto.NewSealer(a.cfg.QueueSealKey); err != nil {
				return fmt.Errorf("queue seal: %w", err)
			}
		}
		a.queue = rs.Queue(a.clock, queueOpts, sealer)
		a.logger.Info().Bool("sealed_queue", sealer != nil).Msg("connected to Redis")
	} else {
		a.pool = dispatch.NewMemoryPool()
		a.presence = relay.NewMemoryPresence()
		a.memQueue = relay.NewMemoryQueue(a.clock, queueOpts)
		a.queue = a.memQueue
	}

	if a.broker != nil {
		return nil
	}
	switch a.cfg.FanoutBackend {
	case config.FanoutRedis:
		a.broker = fanout.NewRedisBroker(a.redis.Client(), "", a.logger)
	case config.FanoutNATS:
		nc, err := nats.Connect(a.cfg.NATSURL,
			nats.Name("ridewire-"+a.cfg.InstanceID),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				a.logger.Warn().Err(err).Msg("nats disconnected")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				a.logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
			}),
		)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		a.nats = nc
		a.broker = fanout.NewNATSBroker(nc, "", a.logger)
		a.logger.Info().Msg("connected to NATS")
	default:
		a.broker = fanout.NewMemoryBroker()
	}
	return nil
}

func (a *App) build() {
	cfg := a.cfg
	verifier := crypto.NewTokenVerifier(cfg.TokenPublicKey, a.clock.Now)

	a.zones = zones.NewStore(a.db, a.clock, a.logger)
	a.registry = session.NewRegistry(a.clock, a.logger, session.Options{
		StaleAfter:    cfg.SessionStaleAfter,
		SweepInterval: cfg.SessionSweepInterval,
	})
	a.hub = fanout.NewHub(cfg.InstanceID, a.registry, a.broker, a.logger)

	a.coord = dispatch.New(a.db, a.pool, a.presence, a.hub, a.clock, a.logger, dispatch.Options{
		Timeout:           cfg.DispatchTimeout,
		NarrowToAvailable: cfg.NarrowToAvailable,
	})

	rules := location.NewRuleExecutor(a.hub,
		location.LogStatusSink{Logger: a.logger},
		location.LogPricingSignal{Logger: a.logger},
	)
	a.engine = location.NewEngine(a.zones, a.hub, a.db, a.coord, rules, a.clock, a.logger)

	a.relay = relay.New(a.hub, a.queue, a.presence, a.coord, a.clock, a.logger, relay.Options{
		TypingTimeout: cfg.TypingTimeout,
	})

	a.gateway = gateway.New(verifier, a.registry, a.coord, a.engine, a.relay, a.clock, a.logger, gateway.Options{
		RateLimit:  cfg.EventRateLimit,
		RateWindow: cfg.EventRateWindow,
	})

	a.registry.OnOnline(a.identityOnline)
	a.registry.OnOffline(a.identityOffline)

	a.router = api.NewRouter(a.logger, api.Options{
		Handlers: handlers.Deps{
			Database:     a.db,
			DatabaseName: a.dbName,
			Redis:        a.redis,
			Zones:        a.zones,
			Dispatch:     a.coord,
			Location:     a.engine,
			Presence:     a.presence,
			Sessions:     a.registry,
			Instance:     cfg.InstanceID,
			Logger:       a.logger,
		},
		Gateway:      a.gateway,
		Verifier:     verifier,
		AdminKeyHash: cfg.AdminKeyHash,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
	})
}

// Handler returns the HTTP handler serving the API and /ws.
func (a *App) Handler() http.Handler { return a.router }

// Start loads zones, restores dispatch timers, subscribes to the fan-out
// broker and starts the background sweeps.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := a.zones.Load(ctx); err != nil {
		return err
	}
	if err := a.hub.Run(a.ctx); err != nil {
		return err
	}
	if err := a.coord.Run(ctx); err != nil {
		return fmt.Errorf("restore dispatch timers: %w", err)
	}
	a.registry.Start(a.ctx)
	a.engine.Start(a.ctx, a.cfg.SessionSweepInterval, a.cfg.PositionRetention)
	if a.memQueue != nil {
		a.memQueue.Start(a.ctx, time.Minute)
	}

	a.logger.Info().
		Str("database", a.dbName).
		Str("fanout", a.cfg.FanoutBackend).
		Int("zones", a.zones.Snapshot().Len()).
		Msg("ridewire started")
	return nil
}

// Shutdown drains the gateway, then stops the hub, the coordinator timers,
// the queues and finally the stores.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.gateway.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}
	a.registry.Stop()
	if err := a.hub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("fanout: %w", err))
	}
	a.coord.Stop()
	a.engine.Stop()
	a.relay.Stop()
	if a.memQueue != nil {
		a.memQueue.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.closeStores()

	a.logger.Info().Msg("ridewire stopped")
	return errors.Join(errs...)
}

func (a *App) closeStores() {
	if a.nats != nil {
		a.nats.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("redis close failed")
		}
	}
	if a.db != nil && a.ownsDB {
		a.db.Close()
	}
}

func (a *App) hookContext() (context.Context, context.CancelFunc) {
	base := a.ctx
	if base == nil {
		base = context.Background()
	}
	return context.WithTimeout(base, hookTimeout)
}

// identityOnline runs when an identity's first local connection registers.
func (a *App) identityOnline(identity models.Identity) {
	ctx, cancel := a.hookContext()
	defer cancel()

	if err := a.presence.Connect(ctx, identity.ID, a.cfg.InstanceID); err != nil {
		a.logger.Warn().Err(err).Str("identity", identity.ID).Msg("presence connect failed")
	}
	if _, err := a.relay.Flush(ctx, identity.ID); err != nil {
		a.logger.Warn().Err(err).Str("identity", identity.ID).Msg("flush on connect failed")
	}
	a.notifyOperators(ctx, protocol.EventPresenceOnline, identity)
}

// identityOffline runs when an identity's last local connection closes. An
// identity still connected to another instance is not treated as offline.
func (a *App) identityOffline(identity models.Identity) {
	ctx, cancel := a.hookContext()
	defer cancel()

	if err := a.presence.Disconnect(ctx, identity.ID, a.cfg.InstanceID); err != nil {
		a.logger.Warn().Err(err).Str("identity", identity.ID).Msg("presence disconnect failed")
	}
	online, err := a.presence.IsOnline(ctx, identity.ID)
	if err != nil {
		a.logger.Warn().Err(err).Str("identity", identity.ID).Msg("presence lookup failed")
	}
	if online {
		a.logger.Debug().Str("identity", identity.ID).Msg("identity still connected elsewhere")
		return
	}

	a.coord.HandleOffline(ctx, identity)
	a.engine.Freeze(identity.ID)
	a.notifyOperators(ctx, protocol.EventPresenceOffline, identity)
}

func (a *App) notifyOperators(ctx context.Context, event string, identity models.Identity) {
	if identity.Kind == models.KindOperator {
		return
	}
	frame := protocol.NewFrame(event, protocol.Presence{Identity: identity.ID, Kind: string(identity.Kind)})
	if _, err := a.hub.Publish(ctx, protocol.KindChannel(string(models.KindOperator)), frame); err != nil {
		a.logger.Warn().Err(err).Str("event", event).Msg("operator presence notice failed")
	}
}
