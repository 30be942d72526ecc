package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pump-control/pcc/internal/api"
	"github.com/pump-control/pcc/internal/audit"
	"github.com/pump-control/pcc/internal/auth"
	"github.com/pump-control/pcc/internal/command"
	"github.com/pump-control/pcc/internal/config"
	"github.com/pump-control/pcc/internal/constraint"
	"github.com/pump-control/pcc/internal/device"
	"github.com/pump-control/pcc/internal/history"
	"github.com/pump-control/pcc/internal/profile"
	"github.com/pump-control/pcc/internal/pump/fake"
	"github.com/pump-control/pcc/internal/queue"
	"github.com/pump-control/pcc/internal/safety"
	"github.com/pump-control/pcc/internal/telemetry"
)

// app is the fully wired service.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	audit    *audit.Logger
	history  *history.Store
	pump     *fake.Pump
	manager  *device.Manager
	profiles *profile.Store
	user     *safety.UserMaxima
	queue    *queue.Queue
	hub      *telemetry.Hub
	orch     *command.Orchestrator
	server   *api.Server

	stopQueue context.CancelFunc
}

// newApp wires every component from cfg. The queue worker is running when
// newApp returns; close releases everything.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.audit, err = audit.NewLogger(cfg.Audit.Options())
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	a.history, err = history.Open(cfg.Storage.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	a.hub = telemetry.NewHub(cfg.Telemetry, logger)
	sink := audit.Multi{a.audit, a.hub}

	a.pump = newFakePump(cfg.Pump)
	a.manager = device.NewManager(logger)
	if err := a.manager.Register(ctx, cfg.Pump.ID, cfg.Pump.Vendor, a.pump, cfg.Pump.RegisterTimeout); err != nil {
		return nil, fmt.Errorf("register pump: %w", err)
	}

	a.profiles = profile.NewStore(nil)
	if cfg.Profile.Path != "" {
		p, err := profile.Load(cfg.Profile.Path)
		if err != nil {
			return nil, err
		}
		a.profiles.Set(p)
		logger.Info("therapy profile loaded", zap.String("profile", p.Name), zap.String("file", cfg.Profile.Path))
	}

	resolver, user, err := newResolver(cfg, a.manager, a.profiles, logger, sink)
	if err != nil {
		return nil, err
	}
	a.user = user

	a.queue = queue.New(&queue.Env{
		Driver:      a.manager,
		LastBolus:   a.history,
		Timing:      cfg.Queue.Timing(),
		Diagnostics: sink,
		Logger:      logger,
		Vendor:      cfg.Pump.Vendor,
	})
	a.queue.OnResult(a.history.Listener())
	a.queue.OnResult(a.hub.Listener(a.manager.GetActive))

	a.orch = command.NewOrchestrator(a.queue, resolver, command.Options{
		Pumps:     a.manager,
		Profiles:  a.profiles,
		Telemetry: a.hub,
		Audit:     sink,
		Logger:    logger,
	})
	a.hub.SetSnapshot(a.snapshot)

	var mw *auth.Middleware
	if cfg.Auth.Enabled {
		verifier, err := auth.NewVerifier(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		mw = auth.NewMiddleware(verifier, sink, logger)
	} else {
		logger.Warn("API authentication is disabled")
	}
	a.server = api.NewServer(cfg.API, api.Deps{
		Orchestrator: a.orch,
		Telemetry:    a.hub,
		History:      a.history,
		Auth:         mw,
		Logger:       logger,
	})

	qctx, cancel := context.WithCancel(context.Background())
	a.stopQueue = cancel
	a.queue.Start(qctx)
	return a, nil
}

// newResolver builds the contributor chain: pump limits, age-group hard
// limits, user maxima, then the profile multipliers.
func newResolver(cfg *config.Config, pumps safety.DescriptionSource, profiles *profile.Store, logger *zap.Logger, diag audit.Sink) (*constraint.Resolver, *safety.UserMaxima, error) {
	group, err := safety.ParseAgeGroup(cfg.Constraints.AgeGroup)
	if err != nil {
		return nil, nil, err
	}
	hard, err := safety.NewHardLimits(group)
	if err != nil {
		return nil, nil, err
	}
	user, err := safety.NewUserMaxima(cfg.Constraints.Maxima)
	if err != nil {
		return nil, nil, err
	}

	r := constraint.NewResolver(logger.Named("resolver"), diag)
	err = safety.Register(r, safety.Chain{
		Pump:        safety.NewPumpLimits(pumpLimitsID(pumps), pumps),
		Hard:        hard,
		User:        user,
		Multipliers: safety.NewProfileMultipliers(profiles, cfg.Constraints.Multipliers, nil),
	})
	if err != nil {
		return nil, nil, err
	}
	return r, user, nil
}

// pumpLimitsID names the pump contributor after the hardware model.
func pumpLimitsID(pumps safety.DescriptionSource) string {
	if model := pumps.Description().Model; model != "" {
		return model
	}
	return "Pump"
}

func newFakePump(cfg config.PumpConfig) *fake.Pump {
	p := fake.NewPump(cfg.ID)
	if cfg.Fake.Delay > 0 {
		p.SetDelay(cfg.Fake.Delay)
	}
	if cfg.Fake.ErrorSimulation != "" {
		p.SetErrorSimulation(cfg.Fake.ErrorSimulation)
	}
	if cfg.Fake.Reservoir > 0 {
		p.SetReservoir(cfg.Fake.Reservoir)
	}
	return p
}

// snapshot is sent to telemetry clients on connect.
func (a *app) snapshot() map[string]interface{} {
	snap := map[string]interface{}{
		"activePumpId": a.manager.GetActive(),
		"queue":        a.orch.QueueStatus(),
	}
	if st, ok := a.manager.LastStatus(); ok {
		snap["reservoir"] = st.Reservoir
		snap["batteryPercent"] = st.BatteryPercent
		snap["connected"] = st.Connected
	}
	return snap
}

// reload applies a changed configuration file. Only the user maxima are hot
// reloadable.
func (a *app) reload(cfg *config.Config) {
	if err := a.user.Update(cfg.Constraints.Maxima); err != nil {
		a.logger.Warn("user maxima not updated", zap.Error(err))
		return
	}
	a.logger.Info("user maxima updated",
		zap.Float64("maxBolus", cfg.Constraints.Maxima.MaxBolus),
		zap.Float64("maxBasal", cfg.Constraints.Maxima.MaxBasal),
		zap.Int("maxCarbs", cfg.Constraints.Maxima.MaxCarbs))
}

// pollStatus enqueues a status read every interval until ctx is done.
func (a *app) pollStatus(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if a.queue.IsRunning(queue.KindStatusPoll) || a.queue.Len() > 0 {
				continue
			}
			if _, err := a.orch.ReadStatus(ctx, "scheduled"); err != nil {
				a.logger.Warn("scheduled status read not queued", zap.Error(err))
			}
		}
	}
}

func (a *app) close() {
	if a.hub != nil {
		a.hub.Stop()
	}
	if a.queue != nil {
		a.queue.Stop()
	}
	if a.stopQueue != nil {
		a.stopQueue()
	}
	var errs []error
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", zap.Error(err))
	}
}
