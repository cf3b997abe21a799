package main

import (
	"context"
	"time"

	"AccessGate/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// BlockCensus periodically counts the blocks in force and feeds the
// active-blocks gauge, so dashboards show enforcement pressure without
// querying Redis themselves.
type BlockCensus struct {
	limiter *biz.RateLimitUseCase
	metrics biz.MetricsRecorder
	log     *log.Helper
	cron    *cron.Cron
}

// NewBlockCensus creates the census sweep.
func NewBlockCensus(limiter *biz.RateLimitUseCase, metrics biz.MetricsRecorder, logger log.Logger) *BlockCensus {
	return &BlockCensus{
		limiter: limiter,
		metrics: metrics,
		log:     log.NewHelper(logger),
	}
}

// Start registers and starts the sweep, once per minute.
func (b *BlockCensus) Start() {
	c := cron.New(cron.WithSeconds())

	_, err := c.AddFunc("0 * * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		entries, err := b.limiter.ActiveBlocks(ctx)
		if err != nil {
			b.log.Warnw("msg", "Block census sweep failed", "error", err)
			return
		}

		active := 0
		permanent := 0
		now := time.Now()
		for _, entry := range entries {
			if entry.Active(now) {
				active++
				if entry.Permanent {
					permanent++
				}
			}
		}
		b.metrics.SetActiveBlocks(float64(active))
		b.log.Debugw("msg", "Block census completed", "active", active, "permanent", permanent)
	})
	if err != nil {
		b.log.Errorw("failed to register block census cron job", "error", err)
		return
	}

	c.Start()
	b.cron = c
	b.log.Info("Block census cron job started: runs every minute")
}

// Stop halts the sweep.
func (b *BlockCensus) Stop() {
	if b.cron != nil {
		b.cron.Stop()
	}
}
