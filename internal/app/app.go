package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"corthex/internal/batch"
	"corthex/internal/cache"
	"corthex/internal/chain"
	"corthex/internal/config"
	"corthex/internal/learning"
	"corthex/internal/logger"
	"corthex/internal/quant"
	"corthex/internal/scheduler"
	"corthex/internal/store/archive"
	"corthex/internal/store/gormstore"
	apihttp "corthex/internal/transport/http/api"
	"corthex/internal/trading"

	"golang.org/x/sync/errgroup"
)

var log = logger.Named("app")

// App owns every long-lived component of the process.
type App struct {
	cfg *config.Config

	store    *gormstore.GormStore
	archive  *archive.Archive
	cache    *cache.Cache
	registry *batch.Registry
	poller   *batch.Poller
	chains   *chain.Orchestrator
	verifier *learning.Verifier
	recorder *trading.Recorder
	quant    *quant.Engine
	http     *apihttp.Server

	Summary *StartupSummary

	closeOnce sync.Once
	closeErr  error
}

func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run serves HTTP, keeps the batch poller supervised and runs verification
// on its schedule until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	a.attachPoller(ctx)

	group.Go(func() error {
		n, err := a.chains.Resume(ctx)
		if err != nil {
			log.Warnf("resume chains: %v", err)
			return nil
		}
		if n > 0 {
			log.Infof("resumed %d chains", n)
		}
		return nil
	})

	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}

	sched := scheduler.NewAlignedScheduler("verify", a.cfg.Learning.VerifyInterval, 5*time.Minute)
	group.Go(func() error {
		return sched.Run(ctx, func(ctx context.Context) {
			if _, err := a.Verify(ctx); err != nil {
				log.Errorf("verification run failed: %v", err)
			}
		})
	})

	return group.Wait()
}

// attachPoller binds the poller to ctx and restarts it when batches
// survived a restart.
func (a *App) attachPoller(ctx context.Context) {
	a.poller.Attach(ctx)
	pending, err := a.registry.Outstanding(ctx)
	if err != nil {
		log.Warnf("load outstanding batches: %v", err)
		return
	}
	if len(pending) > 0 {
		log.Infof("%d batches outstanding, starting poller", len(pending))
		a.poller.EnsureRunning()
	}
}

type VerifyResult struct {
	learning.VerifyReport
	ClosedTrades int `json:"closed_trades"`
}

// Verify grades due predictions, runs the learning passes when new 7-day
// outcomes exist and books closed trades for executed predictions.
func (a *App) Verify(ctx context.Context) (VerifyResult, error) {
	var res VerifyResult
	rep, err := a.verifier.Run(ctx)
	res.VerifyReport = rep
	if err != nil {
		return res, err
	}
	n, err := a.recorder.CloseVerified(ctx)
	res.ClosedTrades = n
	if err != nil {
		return res, err
	}
	log.Infof("verification: 3d=%d 7d=%d skipped=%d closed=%d", rep.Filled3d, rep.Filled7d, rep.Skipped, n)
	return res, nil
}

func (a *App) Quant(ctx context.Context, ticker string) (quant.Score, error) {
	return a.quant.Compute(ctx, ticker)
}

// RunChain starts a chain and blocks until it is delivered or ctx ends.
func (a *App) RunChain(ctx context.Context, command string, so chain.StartOptions) (chain.Chain, error) {
	a.attachPoller(ctx)
	c, err := a.chains.Start(ctx, command, so)
	if err != nil {
		return c, err
	}
	log.Infof("chain %s started, waiting for delivery", c.ID)
	return a.chains.Wait(ctx, c.ID)
}

func (a *App) Close() error {
	if a == nil {
		return nil
	}
	a.closeOnce.Do(func() {
		var errs []error
		if a.cache != nil {
			errs = append(errs, a.cache.Close())
		}
		if a.archive != nil {
			errs = append(errs, a.archive.Close())
		}
		if a.store != nil {
			errs = append(errs, a.store.Close())
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
