package main

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/replybot/internal/config"
	"github.com/stupiduntilnot/replybot/internal/db"
	"github.com/stupiduntilnot/replybot/internal/dummy"
	"github.com/stupiduntilnot/replybot/internal/events"
)

func dummyConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		HistoryCapacity:    20,
		QuietPeriod:        30 * time.Millisecond,
		PollInterval:       10 * time.Millisecond,
		AgentLabel:         "Me",
		DefaultDisplayName: "User",
		DisplayNames:       map[string]string{"chat-1": "Mette"},
		Conversations:      []string{"chat-1"},
		Commander:          config.CommanderDummy,
		ModelProvider:      config.ProviderDummy,
		Delivery:           config.DeliveryAuto,
		Dummy: config.DummyConfig{
			PollScript:     "burst:hello|there,ok",
			SendScript:     "ok",
			ProviderScript: "echo",
		},
		GenerateTimeout:  time.Second,
		FetchTimeout:     time.Second,
		DeliverTimeout:   time.Second,
		FetchConcurrency: 1,
		CircuitThreshold: 5,
		CircuitCooldown:  time.Second,
		EventDBPath:      filepath.Join(t.TempDir(), "events.db"),
	}
}

func TestApp_DummyRoundTrip(t *testing.T) {
	cfg := dummyConfig(t)
	a, err := newApp(context.Background(), cfg, zerolog.Nop(), strings.NewReader(""), &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	cmd, ok := a.commander.(*dummy.Commander)
	if !ok {
		t.Fatalf("expected dummy commander, got %T", a.commander)
	}

	database, err := db.OpenDB(cfg.EventDBPath)
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for countEvents(t, database, events.ReplySent) == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("timed out waiting for a reply")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}

	sent := cmd.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one reply, got %d: %+v", len(sent), sent)
	}
	if sent[0].Key != "chat-1" || sent[0].Text != "Mette wrote: hello there" {
		t.Fatalf("unexpected reply: %+v", sent[0])
	}

	rootID, err := db.LatestRoot(database, events.ProcessStarted, "replybot")
	if err != nil || rootID == 0 {
		t.Fatalf("expected process.started root, id=%d err=%v", rootID, err)
	}
	for _, eventType := range []string{events.BatchFlushed, events.ReplyGenerated, events.ReplySent} {
		if n := countEvents(t, database, eventType); n != 1 {
			t.Fatalf("expected one %s event, got %d", eventType, n)
		}
	}
	var parent int64
	if err := database.QueryRow(`SELECT parent_id FROM events WHERE event_type = ?`, events.BatchFlushed).Scan(&parent); err != nil {
		t.Fatal(err)
	}
	if parent != rootID {
		t.Fatalf("batch.flushed parent=%d, want %d", parent, rootID)
	}
}

func countEvents(t *testing.T, database *sql.DB, eventType string) int {
	t.Helper()
	var n int
	if err := database.QueryRow(`SELECT COUNT(*) FROM events WHERE event_type = ?`, eventType).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestNewApp_WithoutEventLog(t *testing.T) {
	cfg := dummyConfig(t)
	cfg.EventDBPath = ""
	a, err := newApp(context.Background(), cfg, zerolog.Nop(), strings.NewReader(""), &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	a.close()
}

func TestNewApp_InvalidDummyScript(t *testing.T) {
	cfg := dummyConfig(t)
	cfg.Dummy.ProviderScript = "bogus"
	_, err := newApp(context.Background(), cfg, zerolog.Nop(), strings.NewReader(""), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "model provider") {
		t.Fatalf("expected model provider error, got %v", err)
	}
}

func TestNewCommander_Selects(t *testing.T) {
	cfg := dummyConfig(t)

	cfg.Commander = config.CommanderTG
	cfg.Telegram = config.TelegramConfig{BotToken: "tok", APIBase: "https://api.telegram.org"}
	if _, err := newCommander(cfg); err != nil {
		t.Fatalf("telegram: %v", err)
	}

	cfg.Commander = config.CommanderTeams
	cfg.Teams = config.TeamsConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"}
	if _, err := newCommander(cfg); err != nil {
		t.Fatalf("teams: %v", err)
	}

	cfg.Commander = "fax"
	if _, err := newCommander(cfg); err == nil {
		t.Fatal("expected unsupported commander error")
	}
}

func TestNewGenerator_Providers(t *testing.T) {
	cfg := dummyConfig(t)
	cfg.OpenAI = config.OpenAIConfig{APIKey: "test-key", BaseURL: "http://localhost:11434/v1", Model: "llama3.2"}
	for _, provider := range []string{config.ProviderOpenAI, config.ProviderEino} {
		cfg.ModelProvider = provider
		gen, tokens, err := newGenerator(context.Background(), cfg, zerolog.Nop())
		if err != nil {
			t.Fatalf("%s: %v", provider, err)
		}
		if gen == nil || tokens == nil {
			t.Fatalf("%s: expected generator and token counter", provider)
		}
	}

	cfg.ModelProvider = config.ProviderOpenAI
	cfg.SystemPrompt = "no placeholder here"
	if _, _, err := newGenerator(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected template error for a prompt without {conversation}")
	}
}

func TestApplyFlags(t *testing.T) {
	var flags rootFlags
	cmd := &cobra.Command{}
	cmd.Flags().BoolVar(&flags.autoSend, "auto-send", false, "")
	cmd.Flags().BoolVar(&flags.logJSON, "log-json", false, "")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "")
	if err := cmd.Flags().Parse([]string{"--auto-send", "--log-level=debug"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Config{Delivery: config.DeliveryAsk, LogLevel: "info", LogJSON: true}
	applyFlags(cmd, &cfg, flags)
	if cfg.Delivery != config.DeliveryAuto {
		t.Fatalf("expected auto delivery, got %s", cfg.Delivery)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug level, got %s", cfg.LogLevel)
	}
	if !cfg.LogJSON {
		t.Fatal("unset --log-json must not override config")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, "warn", true)
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"message":"shown"`) {
		t.Fatalf("unexpected log output: %s", out)
	}

	if _, err := newLogger(&buf, "loud", false); err == nil {
		t.Fatal("expected invalid level error")
	}
}

func TestRootCmd_ConfigError(t *testing.T) {
	dir := t.TempDir()
	wd, wdErr := os.Getwd()
	if wdErr != nil {
		t.Fatal(wdErr)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("PWD", dir)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("REPLYBOT_COMMANDER", "fax")
	t.Setenv("REPLYBOT_CONVERSATIONS", "chat-1")

	cmd := newRootCmd(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{})
	cmd.SetArgs([]string{})
	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unknown commander") {
		t.Fatalf("expected config error, got %v", err)
	}
}
