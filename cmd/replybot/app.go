package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/replybot/internal/commander"
	"github.com/stupiduntilnot/replybot/internal/config"
	"github.com/stupiduntilnot/replybot/internal/coordinator"
	"github.com/stupiduntilnot/replybot/internal/db"
	"github.com/stupiduntilnot/replybot/internal/delivery"
	"github.com/stupiduntilnot/replybot/internal/dummy"
	"github.com/stupiduntilnot/replybot/internal/eino"
	"github.com/stupiduntilnot/replybot/internal/events"
	"github.com/stupiduntilnot/replybot/internal/history"
	"github.com/stupiduntilnot/replybot/internal/metrics"
	"github.com/stupiduntilnot/replybot/internal/model"
	"github.com/stupiduntilnot/replybot/internal/openai"
	"github.com/stupiduntilnot/replybot/internal/poll"
	"github.com/stupiduntilnot/replybot/internal/prompt"
	"github.com/stupiduntilnot/replybot/internal/teams"
	"github.com/stupiduntilnot/replybot/internal/telegram"
)

// app is one wired relay: commander, coordinator and poll driver.
type app struct {
	log         zerolog.Logger
	commander   commander.Commander
	coordinator *coordinator.Coordinator
	driver      *poll.Driver
	closers     []func() error
}

func newApp(ctx context.Context, cfg config.Config, log zerolog.Logger, in io.Reader, out io.Writer) (_ *app, err error) {
	a := &app{log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	recorder, err := a.newRecorder(cfg)
	if err != nil {
		return nil, err
	}
	processID, err := recorder.Record(nil, events.ProcessStarted, map[string]any{
		"role":          "replybot",
		"pid":           os.Getpid(),
		"commander":     cfg.Commander,
		"provider":      cfg.ModelProvider,
		"delivery":      cfg.Delivery,
		"conversations": len(cfg.Conversations),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to log process.started")
	}
	var parent *int64
	if processID != 0 {
		parent = &processID
	}

	a.commander, err = newCommander(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init commander: %w", err)
	}
	gen, tokens, err := newGenerator(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init model provider: %w", err)
	}

	a.coordinator, err = coordinator.New(coordinator.Config{
		History:            history.NewStore(cfg.HistoryCapacity, cfg.AgentLabel),
		Generator:          gen,
		Sender:             newDelivery(cfg, a.commander, in, out),
		Recorder:           recorder,
		Logger:             log,
		ProcessEventID:     parent,
		QuietPeriod:        cfg.QuietPeriod,
		DisplayNames:       cfg.DisplayNames,
		DefaultDisplayName: cfg.DefaultDisplayName,
		GenerateTimeout:    cfg.GenerateTimeout,
		TokenCounter:       tokens,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.coordinator.Close(); return nil })

	a.driver, err = poll.New(poll.Config{
		Fetcher:          a.commander,
		Ingester:         a.coordinator,
		Keys:             cfg.Conversations,
		Interval:         cfg.PollInterval,
		Concurrency:      cfg.FetchConcurrency,
		FetchTimeout:     cfg.FetchTimeout,
		CircuitThreshold: cfg.CircuitThreshold,
		CircuitCooldown:  cfg.CircuitCooldown,
		Recorder:         recorder,
		ProcessEventID:   parent,
		Logger:           log,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("commander", cfg.Commander).
		Str("provider", cfg.ModelProvider).
		Str("delivery", cfg.Delivery).
		Strs("conversations", cfg.Conversations).
		Dur("quiet_period", cfg.QuietPeriod).
		Msg("replybot running")
	return a, nil
}

// run polls until ctx is canceled. Cancellation is a clean shutdown.
func (a *app) run(ctx context.Context) error {
	defer a.close()
	err := a.driver.Run(ctx)
	if errors.Is(err, context.Canceled) {
		a.log.Info().Msg("shutting down")
		return nil
	}
	return err
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

// newRecorder fans events out to the SQLite log and Elasticsearch, when
// configured. The SQLite log comes first so its row ids parent the tree.
func (a *app) newRecorder(cfg config.Config) (events.Recorder, error) {
	var fan events.Fanout
	if cfg.EventDBPath != "" {
		database, err := db.OpenDB(cfg.EventDBPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, database.Close)
		if err := db.InitSchema(database); err != nil {
			return nil, fmt.Errorf("failed to init schema: %w", err)
		}
		fan = append(fan, db.EventLog{DB: database})
	}
	if len(cfg.Elasticsearch.Addresses) > 0 {
		sink, err := metrics.New(metrics.Config{
			Addresses: cfg.Elasticsearch.Addresses,
			Username:  cfg.Elasticsearch.Username,
			Password:  cfg.Elasticsearch.Password,
			Index:     cfg.Elasticsearch.Index,
		})
		if err != nil {
			return nil, err
		}
		fan = append(fan, sink)
	}
	if len(fan) == 0 {
		return events.Nop{}, nil
	}
	return fan, nil
}

func newCommander(cfg config.Config) (commander.Commander, error) {
	switch cfg.Commander {
	case config.CommanderTeams:
		return teams.New(teams.Config{
			TenantID:      cfg.Teams.TenantID,
			ClientID:      cfg.Teams.ClientID,
			ClientSecret:  cfg.Teams.ClientSecret,
			BaseURL:       cfg.Teams.BaseURL,
			Timeout:       cfg.FetchTimeout,
			Top:           cfg.Teams.Top,
			DisableCursor: cfg.Teams.DisableCursor,
			DropPending:   cfg.DropPending,
		})
	case config.CommanderTG:
		c := telegram.NewClient(cfg.TelegramAPIBase(), cfg.FetchTimeout)
		c.DropPending = cfg.DropPending
		return c, nil
	case config.CommanderDummy:
		return dummy.NewCommander(cfg.Dummy.PollScript, cfg.Dummy.SendScript)
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
}

// newGenerator returns the reply generator and the token counter used in
// event payloads. Dummy runs use the offline estimate.
func newGenerator(ctx context.Context, cfg config.Config, log zerolog.Logger) (model.Generator, func(string) int, error) {
	if cfg.ModelProvider == config.ProviderDummy {
		g, err := dummy.NewGenerator(cfg.Dummy.ProviderScript)
		return g, prompt.EstimateTokens, err
	}

	text := cfg.SystemPrompt
	if text == "" {
		text = prompt.DefaultPersona
	}
	tmpl, err := prompt.New(text)
	if err != nil {
		return nil, nil, err
	}
	tokens := prompt.NewTokenCounter(log).Count

	switch cfg.ModelProvider {
	case config.ProviderOpenAI:
		client := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.GenerateTimeout)
		return &openai.Generator{Client: client, Template: tmpl}, tokens, nil
	case config.ProviderEino:
		m, err := eino.NewOpenAIModel(ctx, eino.Config{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.GenerateTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return &eino.Generator{Model: m, Template: tmpl}, tokens, nil
	default:
		return nil, nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}
}

func newDelivery(cfg config.Config, sender commander.Sender, in io.Reader, out io.Writer) commander.Sender {
	if cfg.Delivery == config.DeliveryAuto {
		return delivery.Auto{Sender: sender, Timeout: cfg.DeliverTimeout}
	}
	return delivery.NewConfirm(sender, in, out, cfg.DeliverTimeout)
}
