package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	once := flag.Bool("once", false, "run a single routing pass and exit")
	flag.Parse()

	cfg := LoadConfig()

	db, err := InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	defer db.Close()

	var roster RosterSource
	if cfg.RosterURL != "" {
		roster = NewHTTPRosterSource(cfg)
	} else {
		log.Printf("No roster_url configured; whitelist alone gates eligibility")
		roster = whitelistRoster{db: db}
	}

	var reviewer Reviewer
	if cfg.AnthropicAPIKey != "" {
		reviewer = NewLLMReviewer(cfg.AnthropicAPIKey, cfg.ReviewModel)
	} else {
		log.Printf("No anthropic_api_key configured; LLM review disabled")
		reviewer = NopReviewer{}
	}

	engine := NewEngine(db, cfg, roster, reviewer)
	notifier := NewNotifier(cfg)

	if *once {
		result, err := engine.Run(context.Background())
		notifier.PostRunSummary(result, err)
		if err != nil {
			log.Fatalf("Routing run failed: %v", err)
		}
		log.Printf("Routing run %s: assigned=%d deferred=%d failed=%d",
			result.RunID, len(result.Assigned), len(result.Deferred), len(result.Failed))
		return
	}

	log.Println("Starting CSM routing automation...")
	c, err := StartScheduler(cfg, engine, notifier)
	if err != nil {
		log.Fatalf("Scheduler error: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	<-c.Stop().Done()
}
