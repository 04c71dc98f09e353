package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"nimbusd/internal/retention"
	"nimbusd/pkg/config"
	"nimbusd/pkg/identity"
	"nimbusd/pkg/inference"
	"nimbusd/pkg/logger"
	"nimbusd/pkg/merge"
	"nimbusd/pkg/models"
	"nimbusd/pkg/persona"
	"nimbusd/pkg/session"
	"nimbusd/pkg/state"
	"nimbusd/pkg/store"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	store    *store.Store
	sessions *session.Manager
	merger   *merge.Merger
	lookup   *identity.IPLookup
	registry *identity.Registry
	sweeper  *retention.Sweeper

	srv *http.Server
}

// New initializes resources that do not require a running context (DB,
// session manager, runtime keys). It does not start the HTTP server or
// the retention scheduler; call Run to start those and block until
// shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	// validate effective config early and fail fast
	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	// runtime keys
	runtimeCfg := &config.RuntimeConfig{BackendKeys: map[string]struct{}{}, SigningKeys: map[string]struct{}{}}
	for _, k := range eff.Config.Security.APIKeys.Backend {
		runtimeCfg.BackendKeys[k] = struct{}{}
		runtimeCfg.SigningKeys[k] = struct{}{}
	}
	config.SetRuntime(runtimeCfg)

	// runtime folder layout, then the store inside it
	if err := state.Init(eff.DBPath); err != nil {
		return nil, fmt.Errorf("failed to prepare state dirs under %s: %w", eff.DBPath, err)
	}
	st, err := store.Open(state.PathsVar.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", state.PathsVar.Store, err)
	}

	infCfg := eff.Config.Inference
	llm := inference.NewClient(infCfg.Endpoint, infCfg.Token, infCfg.DefaultModel, parseDuration(infCfg.Timeout, 0))

	var lookup *identity.IPLookup
	if idCfg := eff.Config.Identity; idCfg.LookupURL != "" {
		lookup = identity.NewIPLookup(idCfg.LookupURL, parseDuration(idCfg.LookupTimeout, 0))
	}

	sessions := session.NewManager(st, llm, persona.New(), eff.Config.Session)
	merger := merge.New(st)

	// sign-in promotion: the registry fires once per guest, the hook moves
	// the guest namespace and retires its session
	registry := identity.NewRegistry(lookup)
	registry.OnPromote(func(guest, user models.Owner) {
		if _, err := merger.Run(guest, user); err != nil {
			logger.Error("signin_merge_failed", "guest", guest.Key(), "user", user.Key(), "error", err)
			return
		}
		sessions.Drop(guest)
	})

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		store:     st,
		sessions:  sessions,
		merger:    merger,
		lookup:    lookup,
		registry:  registry,
		sweeper:   retention.NewSweeper(st, sessions, eff.Config.Retention),
	}
	return a, nil
}

// Run starts the retention scheduler and the HTTP server, and blocks
// until ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	cancelRetention, err := a.sweeper.Start(ctx)
	if err != nil {
		return err
	}
	defer cancelRetention()

	a.printBanner()

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdownHTTP()
		return a.store.Close()
	case err := <-errCh:
		return err
	}
}

func (a *App) shutdownHTTP() {
	if a.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.srv.Shutdown(ctx)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
