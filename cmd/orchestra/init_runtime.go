package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"orchestra-ai/internal/adapter/gateway"
	"orchestra-ai/internal/domain"
	"orchestra-ai/internal/infra/config"
	"orchestra-ai/internal/infra/middleware"
	"orchestra-ai/internal/security"
	"orchestra-ai/internal/usecase/multiagent"
	"orchestra-ai/internal/usecase/scheduling"
)

const reloadTaskName = "registry-reload"

// initAudit opens the audit trail when enabled. Returns nil otherwise.
func initAudit(cfg *config.Config) (*security.FileAuditLogger, error) {
	if !cfg.Audit.Enabled {
		return nil, nil
	}
	maxSize, err := config.ParseSize(cfg.Audit.MaxSize)
	if err != nil {
		return nil, err
	}
	audit, err := security.NewFileAuditLogger(cfg.Audit.Path)
	if err != nil {
		return nil, err
	}
	audit.SetRetention(security.RetentionPolicy{MaxAge: cfg.Audit.MaxAge, MaxSize: maxSize})
	return audit, nil
}

// initScheduler registers the maintenance actions and the configured tasks.
// Returns nil when nothing is scheduled. audit may be nil.
func initScheduler(cfg *config.Config, d *multiagent.Dispatcher, audit *security.FileAuditLogger, log *slog.Logger) (*scheduling.Scheduler, error) {
	if cfg.Registry.ReloadSchedule == "" && (!cfg.Scheduler.Enabled || len(cfg.Scheduler.Tasks) == 0) {
		return nil, nil
	}

	sched := scheduling.NewScheduler(log)
	sched.RegisterAction(scheduling.ActionRegistryReload, func(ctx context.Context) error {
		_, err := d.Reload(ctx)
		return err
	})
	sched.RegisterAction(scheduling.ActionHistoryPrune, func(context.Context) error {
		if n := d.History().Prune(cfg.History.TTL); n > 0 {
			log.Info("history pruned", "removed", n)
		}
		return nil
	})
	sched.RegisterAction(scheduling.ActionAuditRetention, func(ctx context.Context) error {
		if audit == nil {
			return nil
		}
		n, err := audit.EnforceRetention(ctx)
		if n > 0 {
			log.Info("audit log trimmed", "removed", n)
		}
		return err
	})

	if cfg.Registry.ReloadSchedule != "" {
		if err := sched.AddTask(scheduling.ScheduledTask{
			Name:     reloadTaskName,
			Schedule: cfg.Registry.ReloadSchedule,
			Action:   scheduling.ActionRegistryReload,
		}); err != nil {
			return nil, err
		}
	}
	if cfg.Scheduler.Enabled {
		for _, t := range cfg.Scheduler.Tasks {
			if err := sched.AddTask(scheduling.ScheduledTask{
				Name:     t.Name,
				Schedule: t.Schedule,
				Action:   scheduling.ScheduledAction(t.Action),
				OneShot:  t.OneShot,
			}); err != nil {
				return nil, err
			}
		}
	}
	return sched, nil
}

// initGateway builds the management server with REST and RPC handlers.
// audit may be nil.
func initGateway(cfg *config.Config, bus domain.EventBus, d *multiagent.Dispatcher, sched *scheduling.Scheduler, audit domain.AuditLogger, log *slog.Logger) *gateway.Server {
	gc := cfg.Gateway

	var auth gateway.Authenticator = gateway.OpenAuth{}
	if gc.Auth.Type == "static" {
		entries := make([]gateway.TokenEntry, 0, len(gc.Auth.Tokens))
		for _, t := range gc.Auth.Tokens {
			entries = append(entries, gateway.TokenEntry{Token: t.Token, Name: t.Name, Roles: t.Roles})
		}
		auth = gateway.NewStaticTokenAuth(entries)
	} else {
		log.Warn("gateway running without authentication", "addr", gc.Addr)
	}

	srv := gateway.NewServer(bus, auth, gateway.ServerConfig{
		Addr:           gc.Addr,
		AllowedOrigins: gc.AllowedOrigins,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerMin: gc.RateLimit.RequestsPerMin,
			BurstSize:      gc.RateLimit.Burst,
			TrustedProxies: gc.RateLimit.TrustedProxies,
		},
		MaxBodyBytes: gc.MaxBodyBytes,
	}, log)

	deps := gateway.HandlerDeps{
		Dispatcher: d,
		Scheduler:  sched,
		Audit:      audit,
		Logger:     log,
		StartedAt:  time.Now(),
	}
	gateway.RegisterRESTHandlers(srv, deps)
	gateway.RegisterDefaultHandlers(srv, deps)
	return srv
}

// startBackground runs the scheduler and the gateway until ctx ends. The
// returned channel reports a gateway that failed to start or serve.
func startBackground(ctx context.Context, sched *scheduling.Scheduler, srv *gateway.Server) (stop func(), errc <-chan error, err error) {
	if sched != nil {
		if err := sched.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("scheduler: %w", err)
		}
	}

	gwErr := make(chan error, 1)
	gwDone := make(chan struct{})
	if srv != nil {
		go func() {
			defer close(gwDone)
			if err := srv.Start(ctx); err != nil {
				gwErr <- err
			}
		}()
	} else {
		close(gwDone)
	}

	stop = func() {
		if sched != nil {
			sched.Stop()
		}
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(shutdownCtx)
		}
		<-gwDone
	}
	return stop, gwErr, nil
}
