package perp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MarketLister names the markets a keeper sweeps
type MarketLister interface {
	Symbols() []string
}

// KeeperConfig controls the execution loop
type KeeperConfig struct {
	Interval     time.Duration  // how often to sweep resting orders
	Caller       common.Address // identity used for execution and liquidation
	Liquidations bool           // also sweep positions for liquidation
}

func DefaultKeeperConfig() KeeperConfig {
	return KeeperConfig{
		Interval:     time.Second,
		Liquidations: true,
	}
}

// TickStats counts the outcomes of one sweep
type TickStats struct {
	Executed   int
	Deferred   int
	Released   int
	Failed     int
	Liquidated int
}

func (s *TickStats) add(o TickStats) {
	s.Executed += o.Executed
	s.Deferred += o.Deferred
	s.Released += o.Released
	s.Failed += o.Failed
	s.Liquidated += o.Liquidated
}

// Tick tries every resting order once in id order per market, then liquidates
// positions under maintenance margin
func (p *Processor) Tick(ctx context.Context, markets MarketLister, cfg KeeperConfig) (TickStats, error) {
	var stats TickStats

	for _, sym := range markets.Symbols() {
		for o := range p.RestingOrders(sym, 0) {
			if err := ctx.Err(); err != nil {
				return stats, err
			}

			_, err := p.ExecuteOrder(ctx, cfg.Caller, o.ID)
			switch Classify(err) {
			case ClassNone:
				stats.Executed++
			case ClassDeferral:
				stats.Deferred++
			case ClassTerminal:
				stats.Released++
			default:
				stats.Failed++
				p.log.Warnw("keeper_execute_failed", "id", o.ID, "market", sym, "err", err)
			}
		}

		if !cfg.Liquidations {
			continue
		}
		for _, pos := range p.MarketPositions(sym) {
			if err := ctx.Err(); err != nil {
				return stats, err
			}

			_, err := p.Liquidate(ctx, cfg.Caller, pos.Key())
			switch {
			case err == nil:
				stats.Liquidated++
			case errors.Is(err, ErrNotLiquidatable), errors.Is(err, ErrPositionNotFound):
			case Classify(err) == ClassDeferral:
				stats.Deferred++
			default:
				stats.Failed++
				p.log.Warnw("keeper_liquidate_failed", "position", pos.Key().String(), "err", err)
			}
		}
	}
	return stats, nil
}

// StartKeeper sweeps on every interval until ctx ends or stop is called
// stop blocks until the loop has exited
func (p *Processor) StartKeeper(ctx context.Context, markets MarketLister, cfg KeeperConfig) (stop func()) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultKeeperConfig().Interval
	}

	keeperCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		startTime := time.Now()
		var total TickStats

		p.log.Infow("keeper_started", "interval", cfg.Interval, "caller", cfg.Caller.Hex(), "liquidations", cfg.Liquidations)

		for {
			select {
			case <-keeperCtx.Done():
				p.log.Infow("keeper_stopped",
					"uptime", time.Since(startTime).Round(time.Second),
					"executed", total.Executed,
					"released", total.Released,
					"liquidated", total.Liquidated,
					"failed", total.Failed,
				)
				return

			case <-ticker.C:
				stats, err := p.Tick(keeperCtx, markets, cfg)
				total.add(stats)
				if err != nil && !errors.Is(err, context.Canceled) {
					p.log.Warnw("keeper_tick_aborted", "err", err)
				}
				if stats.Executed+stats.Released+stats.Liquidated > 0 {
					p.log.Debugw("keeper_tick",
						"executed", stats.Executed,
						"deferred", stats.Deferred,
						"released", stats.Released,
						"liquidated", stats.Liquidated,
					)
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
