package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
	dir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) SetupTest() {
	t := s.T()
	s.dir = t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(s.dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("PWD", s.dir)
	t.Setenv("HOME", s.dir)
	for _, name := range []string{
		"MS_TEAMS_CHAT_ID", "MS_TEAMS_TENANT_ID", "MS_TEAMS_CLIENT_ID", "MS_TEAMS_CLIENT_SECRET",
		"TELEGRAM_BOT_TOKEN", "OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL", "ELASTICSEARCH_URL",
		"REPLYBOT_COMMANDER", "REPLYBOT_CONVERSATIONS", "REPLYBOT_QUIET_PERIOD", "REPLYBOT_DISPLAY_NAMES",
	} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
}

func (s *ConfigTestSuite) setDummyEnv() {
	s.T().Setenv("REPLYBOT_COMMANDER", "dummy")
	s.T().Setenv("REPLYBOT_CONVERSATIONS", "chat-1")
}

func (s *ConfigTestSuite) writeFile(name, body string) string {
	path := filepath.Join(s.dir, name)
	require.NoError(s.T(), os.WriteFile(path, []byte(body), 0o644))
	return path
}

func (s *ConfigTestSuite) TestDefaults() {
	s.setDummyEnv()
	cfg, err := Load("")
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 20, cfg.HistoryCapacity)
	assert.Equal(s.T(), 5*time.Second, cfg.QuietPeriod)
	assert.Equal(s.T(), 10*time.Second, cfg.PollInterval)
	assert.Equal(s.T(), "Me", cfg.AgentLabel)
	assert.Equal(s.T(), "User", cfg.DefaultDisplayName)
	assert.Equal(s.T(), ProviderOpenAI, cfg.ModelProvider)
	assert.Equal(s.T(), DeliveryAsk, cfg.Delivery)
	assert.Equal(s.T(), 120*time.Second, cfg.GenerateTimeout)
	assert.Equal(s.T(), 4, cfg.FetchConcurrency)
	assert.Equal(s.T(), 5, cfg.CircuitThreshold)
	assert.Equal(s.T(), "http://localhost:11434/v1", cfg.OpenAI.BaseURL)
	assert.Equal(s.T(), "replybot-events", cfg.Elasticsearch.Index)
	assert.Equal(s.T(), []string{"chat-1"}, cfg.Conversations)
	assert.Empty(s.T(), cfg.DisplayNames)
}

func (s *ConfigTestSuite) TestFileOverridesDefaults() {
	s.writeFile("replybot.yaml", `
commander: dummy
quiet_period: 2s
history_capacity: 7
conversations:
  - chat-1
  - chat-2
display_names:
  - chat-1=Anders
openai:
  model: qwen2
`)
	cfg, err := Load("")
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 2*time.Second, cfg.QuietPeriod)
	assert.Equal(s.T(), 7, cfg.HistoryCapacity)
	assert.Equal(s.T(), []string{"chat-1", "chat-2"}, cfg.Conversations)
	assert.Equal(s.T(), map[string]string{"chat-1": "Anders"}, cfg.DisplayNames)
	assert.Equal(s.T(), "qwen2", cfg.OpenAI.Model)
}

func (s *ConfigTestSuite) TestEnvOverridesFile() {
	s.writeFile("replybot.yaml", "commander: dummy\nquiet_period: 2s\nconversations: [chat-1]\n")
	s.T().Setenv("REPLYBOT_QUIET_PERIOD", "9s")

	cfg, err := Load("")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 9*time.Second, cfg.QuietPeriod)
}

func (s *ConfigTestSuite) TestLegacyEnvNames() {
	s.T().Setenv("MS_TEAMS_TENANT_ID", "tenant")
	s.T().Setenv("MS_TEAMS_CLIENT_ID", "client")
	s.T().Setenv("MS_TEAMS_CLIENT_SECRET", "secret")
	s.T().Setenv("MS_TEAMS_CHAT_ID", "19:abc@thread.v2")
	s.T().Setenv("OPENAI_MODEL", "mistral")

	cfg, err := Load("")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), CommanderTeams, cfg.Commander)
	assert.Equal(s.T(), "tenant", cfg.Teams.TenantID)
	assert.Equal(s.T(), "secret", cfg.Teams.ClientSecret)
	assert.Equal(s.T(), []string{"19:abc@thread.v2"}, cfg.Conversations)
	assert.Equal(s.T(), "mistral", cfg.OpenAI.Model)
}

func (s *ConfigTestSuite) TestCommaSeparatedEnvLists() {
	s.setDummyEnv()
	s.T().Setenv("REPLYBOT_CONVERSATIONS", "a, b,,c")
	s.T().Setenv("REPLYBOT_DISPLAY_NAMES", "a=Alice,b=Bob")

	cfg, err := Load("")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"a", "b", "c"}, cfg.Conversations)
	assert.Equal(s.T(), map[string]string{"a": "Alice", "b": "Bob"}, cfg.DisplayNames)
}

func (s *ConfigTestSuite) TestInvalidDisplayNamePair() {
	s.setDummyEnv()
	s.T().Setenv("REPLYBOT_DISPLAY_NAMES", "missing-name")

	_, err := Load("")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "display_names")
}

func (s *ConfigTestSuite) TestTeamsRequiresCredentials() {
	s.T().Setenv("REPLYBOT_CONVERSATIONS", "chat-1")

	_, err := Load("")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "MS_TEAMS_CLIENT_SECRET")
}

func (s *ConfigTestSuite) TestTelegramRequiresToken() {
	s.T().Setenv("REPLYBOT_COMMANDER", "telegram")
	s.T().Setenv("REPLYBOT_CONVERSATIONS", "42")

	_, err := Load("")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "TELEGRAM_BOT_TOKEN")
}

func (s *ConfigTestSuite) TestRejectsBadValues() {
	path := s.writeFile("bad.yaml", `
commander: fax
model_provider: oracle
delivery: pigeon
history_capacity: 0
quiet_period: 0s
`)
	_, err := Load(path)
	require.Error(s.T(), err)
	for _, want := range []string{
		"unknown commander", "unknown model_provider", "unknown delivery",
		"history_capacity", "quiet_period", "conversation",
	} {
		assert.Contains(s.T(), err.Error(), want)
	}
}

func (s *ConfigTestSuite) TestExplicitMissingFile() {
	s.setDummyEnv()
	_, err := Load(filepath.Join(s.dir, "nope.yaml"))
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "failed to read config file")
}

func (s *ConfigTestSuite) TestTelegramAPIBase() {
	cfg := Config{Telegram: TelegramConfig{BotToken: "tok", APIBase: "https://api.telegram.org/"}}
	assert.Equal(s.T(), "https://api.telegram.org/bottok", cfg.TelegramAPIBase())
}
