// Package app wires the pipeline together: config, logging, job storage,
// queues, rate limiting, the dispatch/ingest workers, the realtime hub, and
// the ops server.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relayhub/internal/config"
	"relayhub/internal/dispatch"
	"relayhub/internal/domain"
	"relayhub/internal/eventbus"
	"relayhub/internal/hub"
	"relayhub/internal/ingest"
	"relayhub/internal/ops"
	"relayhub/internal/provider"
	"relayhub/internal/queue"
	"relayhub/internal/ratelimit"
	"relayhub/internal/runtime/supervisor"
	"relayhub/internal/storage"
	"relayhub/pkg/logx"
)

// Options inject the external boundaries. Entity storage and the provider
// transport live outside this pipeline; nil fields fall back to in-memory /
// sandbox implementations suitable for local runs.
type Options struct {
	Store    domain.Store
	Provider provider.Client
	HubAuth  hub.AuthFunc
}

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	jobs     storage.Store
	entities domain.Store

	queues  *queue.Manager
	limiter *ratelimit.Limiter
	disp    *dispatch.Service
	ing     *ingest.Service
	hub     *hub.Hub
	ops     *ops.Service

	dispatchEnabled bool
	ingestEnabled   bool
	hubEnabled      bool
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	jobs, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("job storage opened", logx.String("driver", sc.Driver))

	entities := opts.Store
	if entities == nil {
		entities = domain.NewMemStore()
		log.Warn("no entity store injected; using in-memory store")
	}
	providerClient := opts.Provider
	if providerClient == nil {
		providerClient = provider.NewSandbox(log)
		log.Warn("no provider client injected; using sandbox provider")
	}

	queues := queue.NewManager(jobs, log)
	limiter := ratelimit.New(mapRateLimitConfig(cfg))

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.NewService(dcfg, entities, queues, limiter, providerClient, bus, log)
	ing := ingest.NewService(entities, jobs, queues, bus, log)

	qcfgs, err := mapQueueConfigs(cfg)
	if err != nil {
		return nil, err
	}
	ingEnabled := ingestEnabled(cfg)
	if ingEnabled {
		ing.Register(qcfgs[queue.InboundEvents])
	} else {
		log.Info("ingest worker disabled")
	}
	if dcfg.Enabled {
		disp.Register(qcfgs[queue.OutboundSends])
		disp.RegisterCampaigns(qcfgs[queue.Campaigns])
	} else {
		log.Info("dispatch worker disabled")
	}

	auth := opts.HubAuth
	if auth == nil {
		auth = func(context.Context, string) (string, string, error) {
			return "", "", fmt.Errorf("hub auth not configured")
		}
	}
	h := hub.New(mapHubConfig(cfg), auth, log)

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	opsSvc := ops.New(opsCfg, queues, log)

	hubEnabled := true
	if cfg.Hub != nil && cfg.Hub.Enabled != nil {
		hubEnabled = *cfg.Hub.Enabled
	}

	return &App{
		cfgPath:         cfgPath,
		cfgm:            cfgm,
		log:             log,
		logs:            logSvc,
		bus:             bus,
		jobs:            jobs,
		entities:        entities,
		queues:          queues,
		limiter:         limiter,
		disp:            disp,
		ing:             ing,
		hub:             h,
		ops:             opsSvc,
		dispatchEnabled: dcfg.Enabled,
		ingestEnabled:   ingEnabled,
		hubEnabled:      hubEnabled,
	}, nil
}

// Dispatch exposes the send/campaign facade for embedding callers.
func (a *App) Dispatch() *dispatch.Service { return a.disp }

// Ingest exposes the webhook intake facade for embedding callers.
func (a *App) Ingest() *ingest.Service { return a.ing }

// Hub exposes the realtime hub for connection handling.
func (a *App) Hub() *hub.Hub { return a.hub }

// Done is closed when the app run context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		// Mapping catches what Validate's shape checks can't (unknown queue
		// names, bad storage driver).
		if _, err := mapQueueConfigs(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		_, err := mapOpsConfig(cfg)
		return err
	})

	a.queues.Start(a.sup.Context())

	if a.hubEnabled {
		a.sup.Go("hub.route", func(c context.Context) error {
			return a.hub.Run(c, a.bus)
		})
	}

	a.ops.Start(a.sup.Context())

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into the running components.
// Storage driver/path changes need a restart; everything else is live.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.limiter.Apply(mapRateLimitConfig(cfg))

	if qcfgs, err := mapQueueConfigs(cfg); err == nil {
		for name, qc := range qcfgs {
			// Queues for disabled workers are never registered; skip them.
			if err := a.queues.ApplyQueue(name, qc); err != nil && !errors.Is(err, queue.ErrUnknownQueue) {
				a.log.Warn("queue config apply failed", logx.String("queue", name), logx.Err(err))
			}
		}
	} else {
		a.log.Warn("invalid queues config; keeping previous", logx.Err(err))
	}

	if dcfg, err := mapDispatchConfig(cfg); err == nil {
		a.disp.Apply(dcfg)
	} else {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	}

	a.hub.Apply(mapHubConfig(cfg))

	if opsCfg, err := mapOpsConfig(cfg); err == nil {
		a.ops.Reconfigure(ctx, opsCfg)
	} else {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bounded shutdown steps so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("queues", 5*time.Second, func(c context.Context) error { a.queues.Stop(c); return nil })
	step("storage", 1*time.Second, func(context.Context) error { return a.jobs.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
