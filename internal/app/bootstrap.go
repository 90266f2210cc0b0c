// Package app is the composition root: bootstrap stays orchestration-only.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"krapi.io/krapi/internal/api/handlers"
	"krapi.io/krapi/internal/auth"
	"krapi.io/krapi/internal/config"
	"krapi.io/krapi/internal/infrastructure"
	"krapi.io/krapi/internal/metric"
	"krapi.io/krapi/internal/migrate"
	"krapi.io/krapi/internal/pkg/worker"
	"krapi.io/krapi/internal/realtime"
	"krapi.io/krapi/internal/schema"
	"krapi.io/krapi/internal/store"
	"krapi.io/krapi/pkg/socket"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	DB      *infrastructure.Database
	Pools   *worker.Pools
	Hub     *realtime.Hub
	Socket  socket.Socket
	Metrics *metric.Metrics
}

// Bootstrap initializes all dependencies with manual DI: database, engine
// migrations, registry, store, migration engine, the local socket, worker
// pools, the realtime hub, and the HTTP router.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	db, err := infrastructure.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Up(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply engine migrations: %w", err)
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		EventsPoolSize:  cfg.Worker.EventsPoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	metrics := metric.New()

	reg := schema.NewRegistry(db)
	st := store.New(db, reg, store.Options{
		MaxPageSize:     cfg.Store.MaxPageSize,
		DefaultPageSize: cfg.Store.DefaultPageSize,
		Metrics:         metrics,
	})
	engine := migrate.NewEngine(db, reg, st, migrate.Options{
		Pools:   pools,
		Metrics: metrics,
	})

	var hub *realtime.Hub
	if cfg.Realtime.Enabled {
		hub = realtime.NewHub(pools, metrics, cfg.Realtime.SendBuffer)
		st.SetEventSink(hub)
	}

	sock, err := socket.Dial(socket.Local{Handle: &socket.Handle{
		Registry: reg,
		Store:    st,
		Engine:   engine,
	}})
	if err != nil {
		pools.Shutdown()
		db.Close()
		return nil, fmt.Errorf("dial local socket: %w", err)
	}

	keys := auth.NewKeys(db)
	server := handlers.NewServer(handlers.ServerDeps{
		Socket: sock,
		Keys:   keys,
		Tokens: auth.TokenConfig{
			SigningKey: []byte(cfg.Auth.SessionSecret),
			Issuer:     "krapi",
			TTL:        cfg.Auth.TokenTTL,
		},
		Hub:           hub,
		Pools:         pools,
		SessionSecret: cfg.Auth.SessionSecret,
	})

	router := newRouter(cfg, server, metrics, keys)

	return &Application{
		Config:  cfg,
		Router:  router,
		DB:      db,
		Pools:   pools,
		Hub:     hub,
		Socket:  sock,
		Metrics: metrics,
	}, nil
}
