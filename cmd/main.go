package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"rake/internal/browser"
	"rake/internal/config"
	"rake/internal/database"
	"rake/internal/llm"
	"rake/internal/logger"
	"rake/internal/migrations"
	"rake/internal/output"
	"rake/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Logger.Env, cfg.Logger.Level)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	planPath := os.Getenv("RAKE_PLAN")
	if len(os.Args) > 1 {
		planPath = os.Args[1]
	}
	if planPath == "" {
		log.Fatal("no crawl plan given, pass a path or set RAKE_PLAN")
	}

	plan, err := config.LoadPlan(planPath)
	if err != nil {
		log.Fatal("loading crawl plan failed", zap.Error(err))
	}

	ctx := context.Background()

	driver := browser.NewPlaywright(browser.Config{
		Type:             plan.Browser.Type,
		Headless:         cfg.Browser.Headless || !plan.Browser.Show,
		SlowMo:           time.Duration(plan.Browser.Slowdown) * time.Millisecond,
		Viewport:         plan.Browser.Viewport,
		BlockedResources: plan.Browser.Block,
		ReadyOn:          plan.Browser.ReadyOn,
		Timeout:          time.Duration(plan.Browser.Timeout) * time.Millisecond,
		BrowsersPath:     cfg.Browser.BrowsersPath,
	})
	if err := driver.Launch(ctx); err != nil {
		log.Fatal("launching browser failed", zap.Error(err))
	}
	defer driver.Close()

	sched := scheduler.New(driver, plan, log)

	if cfg.Database.Host != "" {
		if err := migrations.Run(cfg, log); err != nil {
			log.Fatal("migrations failed", zap.Error(err))
		}
		db, err := database.New(cfg, log)
		if err != nil {
			log.Fatal("database connection failed", zap.Error(err))
		}
		defer db.Close(log)
		sched.SetRecorder(database.NewCrawlRepository(db.DB))
	}

	var transformer *llm.Client
	if cfg.OpenAI.KeyAI != "" {
		transformer = llm.NewClient(cfg.OpenAI.KeyAI, cfg.OpenAI.Model, cfg.OpenAI.MaxTokens, log)
	}

	summary, err := sched.Run(ctx)
	if err != nil {
		log.Fatal("crawl failed", zap.Error(err))
	}

	for _, target := range output.Resolve(plan.Output) {
		data := sched.Tree().Snapshot()

		if target.Transform != nil {
			if transformer == nil {
				log.Warn("transform requested but OPENAI_API_KEY is not set",
					zap.String("target", target.Path))
			} else {
				result, terr := transformer.Transform(ctx, target.Transform.Prompt, data)
				if terr != nil {
					log.Error("transform failed", zap.String("target", target.Path), zap.Error(terr))
				} else {
					data[target.Transform.Key] = result
				}
			}
		}

		log.Info("writing output",
			zap.String("format", target.Type),
			zap.String("path", target.Path))
		if err := output.Write(target, data); err != nil {
			log.Error("writing output failed", zap.String("path", target.Path), zap.Error(err))
		}
	}

	mode := "headless"
	if plan.Browser.Show && !cfg.Browser.Headless {
		mode = "visible"
	}
	log.Info("crawl finished",
		zap.Int("pages", summary.PagesOpened),
		zap.String("mode", mode),
		zap.Duration("duration", summary.Duration),
		zap.Int("failed_tasks", len(summary.TaskErrors)))

	for _, taskErr := range summary.TaskErrors {
		log.Warn(fmt.Sprintf("failed task: %v", taskErr))
	}
}
