package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkrasnov/replybot/internal/channel"
	"github.com/dkrasnov/replybot/internal/channel/avito"
	"github.com/dkrasnov/replybot/internal/channel/telegram"
	"github.com/dkrasnov/replybot/internal/channel/webchat"
	"github.com/dkrasnov/replybot/internal/config"
	"github.com/dkrasnov/replybot/internal/contextstore"
	"github.com/dkrasnov/replybot/internal/db"
	"github.com/dkrasnov/replybot/internal/pipeline"
	"github.com/dkrasnov/replybot/internal/rag"
	"github.com/dkrasnov/replybot/internal/webhook"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server and reply pipeline",
		Long:  "Starts webhook ingestion, the worker pool, the expiry sweeper, and the web widget stream.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "replybot.yaml", "path to Replybot config file")
	return cmd
}

// buildChannels constructs every enabled channel. The webchat hub is
// returned separately so the SSE endpoint can subscribe to it.
func buildChannels(cfg *config.Config) ([]channel.Channel, *webchat.Hub, error) {
	var (
		channels []channel.Channel
		hub      *webchat.Hub
	)

	if cfg.Channels.Avito.Enabled {
		ch, err := avito.New(avito.Opts{Config: cfg.Channels.Avito})
		if err != nil {
			return nil, nil, err
		}
		channels = append(channels, ch)
	}
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(telegram.Opts{Config: cfg.Channels.Telegram})
		if err != nil {
			return nil, nil, err
		}
		channels = append(channels, ch)
	}
	if cfg.Channels.Webchat.Enabled {
		ch, err := webchat.New(webchat.Opts{Config: cfg.Channels.Webchat})
		if err != nil {
			return nil, nil, err
		}
		channels = append(channels, ch)
		hub = ch.Hub()
	}

	if len(channels) == 0 {
		return nil, nil, fmt.Errorf("no channels enabled; enable at least one under channels: in the config")
	}
	return channels, hub, nil
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.Migrate(gormDB); err != nil {
		return err
	}

	channels, hub, err := buildChannels(cfg)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		fmt.Fprintf(out, "Channel enabled: %s\n", ch.Name())
	}

	store, err := contextstore.New(contextstore.Opts{
		DB:  gormDB,
		TTL: time.Duration(cfg.Context.TTLDays) * 24 * time.Hour,
	})
	if err != nil {
		return err
	}
	sweeper, err := contextstore.NewSweeper(store, cfg.Context.SweepCron)
	if err != nil {
		return err
	}

	client := rag.NewOpenAIClient(cfg.OpenAI)
	var embedder rag.Embedder
	if client != nil {
		embedder = rag.NewOpenAIEmbedder(client, cfg.OpenAI.EmbedModel)
	} else {
		fmt.Fprintln(out, "No OpenAI API key: retrieval is lexical-only, replies use the fallback phrase")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	index, err := rag.LoadIndex(ctx, gormDB, embedder, cfg.Retrieval.CandidatePool, cfg.Retrieval.MinScore)
	if err != nil {
		return fmt.Errorf("load knowledge index: %w", err)
	}
	fmt.Fprintf(out, "Knowledge index loaded: %d snippets\n", index.Len())

	generator := rag.NewGenerator(rag.GeneratorOpts{
		Client:        client,
		Model:         cfg.OpenAI.ChatModel,
		SnippetBudget: cfg.Retrieval.SnippetBudget,
	})

	deliverer := pipeline.NewDeliverer(pipeline.DelivererOpts{
		DB:          gormDB,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Delivery.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Delivery.MaxDelayMS) * time.Millisecond,
		Timeout:     time.Duration(cfg.Delivery.TimeoutSec) * time.Second,
	})

	queue := pipeline.NewQueue(cfg.Server.QueueSize)
	pool, err := pipeline.NewPool(pipeline.PoolOpts{
		Queue:        queue,
		Store:        store,
		Index:        index,
		Generator:    generator,
		Deliverer:    deliverer,
		Channels:     channels,
		Workers:      cfg.Server.Workers,
		RecentWindow: cfg.Context.RecentWindow,
		TopK:         cfg.Retrieval.TopK,
		StageTimeout: time.Duration(cfg.Delivery.StageTimeoutSec) * time.Second,
	})
	if err != nil {
		return err
	}

	server, err := webhook.New(webhook.Opts{
		Queue:    queue,
		Channels: channels,
		Hub:      hub,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	fmt.Fprintf(out, "Listening on :%d\n", cfg.Server.Port)
	err = server.Start(ctx, cfg.Server.Port)

	// Server is down; make sure the pool drains before we exit.
	cancel()
	wg.Wait()
	fmt.Fprintf(out, "Drained: delivered=%d abandoned=%d\n", pool.Delivered(), pool.Abandoned())
	return err
}
