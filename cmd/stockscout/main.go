package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"StockScout/internal/config"
	"StockScout/internal/model"
	"StockScout/internal/scheduler"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	fixtures := flag.String("fixtures", "", "serve <code>.html pages from this directory instead of the upstream")
	render := flag.Bool("render", false, "fetch with the browser strategy")
	flag.Parse()

	cfg, err := config.Load(config.Path("configs/config.yaml"))
	if err != nil {
		log.Fatalf("[FATAL] load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[FATAL] config validation: %v", err)
	}

	// Context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := build(ctx, cfg, *fixtures)
	if err != nil {
		log.Fatalf("[FATAL] %v", err)
	}

	if flag.NArg() > 0 {
		strategy := model.StrategyFetch
		if *render {
			strategy = model.StrategyRender
		}
		code := a.oneShot(ctx, flag.Args(), os.Stdout, strategy)
		a.close()
		os.Exit(code)
	}
	defer a.close()

	log.Println("[INFO] StockScout starting...")
	sched := scheduler.NewScheduler(ctx, a.pipeline, a.sender(), scheduler.Jobs{
		SweepCron:          cfg.Schedule.SweepCron,
		PurgeCron:          cfg.Schedule.PurgeCron,
		DigestCron:         cfg.Schedule.DigestCron,
		WarmCron:           cfg.Schedule.WarmCron,
		Watchlist:          cfg.Schedule.Watchlist,
		RetentionDays:      cfg.Log.RetentionDays,
		BackgroundPriority: cfg.Queue.BackgroundPriority,
	})
	if err := sched.RegisterAll(); err != nil {
		log.Fatalf("[FATAL] register cron tasks: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	if a.notifier != nil {
		go a.notifier.StartPolling(ctx, sched.HandleCommand)
		log.Println("[INFO] Telegram polling started")
	}

	log.Println("[INFO] StockScout is running. Press Ctrl+C to stop.")
	<-ctx.Done()
	log.Println("[INFO] shutdown signal received, stopping...")
}

// sender returns nil rather than a typed nil when Telegram is disabled.
func (a *app) sender() scheduler.Sender {
	if a.notifier == nil {
		return nil
	}
	return a.notifier
}
