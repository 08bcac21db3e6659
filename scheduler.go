package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// StartScheduler runs the engine every cfg.RunIntervalMinutes. Runs are
// strictly serialized: overlapping triggers are skipped rather than
// letting two invocations race on the ledger-derived load.
func StartScheduler(cfg Config, engine *Engine, notifier *Notifier) (*cron.Cron, error) {
	c := cron.New()

	running := make(chan struct{}, 1)
	spec := fmt.Sprintf("@every %dm", cfg.RunIntervalMinutes)
	_, err := c.AddFunc(spec, func() {
		select {
		case running <- struct{}{}:
			defer func() { <-running }()
		default:
			log.Printf("previous routing run still in progress, skipping this trigger")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.RunIntervalMinutes)*time.Minute)
		defer cancel()

		result, err := engine.Run(ctx)
		if err != nil {
			log.Printf("scheduled run failed: %v", err)
		}
		if notifier != nil {
			notifier.PostRunSummary(result, err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("registering routing schedule: %w", err)
	}

	log.Printf("routing scheduled every %d minutes", cfg.RunIntervalMinutes)
	c.Start()
	return c, nil
}
