package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Watch   WatchConfig   `json:"watch"`
	Forward ForwardConfig `json:"forward"`
	ASR     ASRConfig     `json:"asr"`
	Agent   AgentConfig   `json:"agent"`
	Logging LoggingConfig `json:"logging"`
}

// GatewayConfig points at the Napcat websocket endpoint. The URL is the
// only required setting; everything else has a workable default.
type GatewayConfig struct {
	URL            string  `json:"url" env:"NAPCAT_URL"`
	Token          string  `json:"token" env:"NAPCAT_TOKEN"`
	TimeoutSec     float64 `json:"timeout_sec" env:"NAPCAT_TIMEOUT"`
	SendRatePerSec float64 `json:"send_rate_per_sec" env:"NAPCAT_SEND_RATE_PER_SEC"`
	SendBurst      int     `json:"send_burst" env:"NAPCAT_SEND_BURST"`
}

type WatchConfig struct {
	IgnorePrefixes  []string `json:"ignore_prefixes" env:"NAPCAT_IGNORE_PREFIXES"`
	AllowSenders    []string `json:"allow_senders" env:"ALLOW_SENDERS"`
	KeepAttachments bool     `json:"keep_attachments" env:"NAPCAT_KEEP_ATTACHMENTS"`
}

// ForwardConfig supplies the pseudo-sender identity stamped on forward
// message nodes.
type ForwardConfig struct {
	UserID   string `json:"user_id" env:"NAPCAT_FORWARD_USER_ID"`
	Nickname string `json:"nickname" env:"NAPCAT_FORWARD_NICKNAME"`
}

type ASRConfig struct {
	SecretID  string `json:"secret_id" env:"TENCENT_SECRET_ID"`
	SecretKey string `json:"secret_key" env:"TENCENT_SECRET_KEY"`
	Region    string `json:"region" env:"TENCENT_ASR_REGION"`
}

type AgentConfig struct {
	URL            string  `json:"url" env:"MOLTBOT_URL"`
	Token          string  `json:"token" env:"MOLTBOT_TOKEN"`
	Password       string  `json:"password" env:"MOLTBOT_PASSWORD"`
	WaitTimeoutSec float64 `json:"wait_timeout_sec" env:"MOLTBOT_WAIT_TIMEOUT"`
}

type LoggingConfig struct {
	Enabled       bool   `json:"enabled" env:"NAPRELAY_LOGGING_ENABLED"`
	Dir           string `json:"dir" env:"NAPRELAY_LOGGING_DIR"`
	Filename      string `json:"filename" env:"NAPRELAY_LOGGING_FILENAME"`
	MaxSizeMB     int    `json:"max_size_mb" env:"NAPRELAY_LOGGING_MAX_SIZE_MB"`
	RetentionDays int    `json:"retention_days" env:"NAPRELAY_LOGGING_RETENTION_DAYS"`
}

func GetConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".naprelay")
}

func DefaultConfig() *Config {
	configDir := GetConfigDir()
	return &Config{
		Gateway: GatewayConfig{
			TimeoutSec:     10,
			SendRatePerSec: 5,
			SendBurst:      10,
		},
		Watch: WatchConfig{
			IgnorePrefixes:  []string{"/"},
			AllowSenders:    []string{},
			KeepAttachments: false,
		},
		Forward: ForwardConfig{
			Nickname: "メイド",
		},
		ASR: ASRConfig{
			Region: "ap-shanghai",
		},
		Agent: AgentConfig{
			URL:            "ws://127.0.0.1:18789",
			WaitTimeoutSec: 60,
		},
		Logging: LoggingConfig{
			Enabled:       true,
			Dir:           filepath.Join(configDir, "logs"),
			Filename:      "naprelay.log",
			MaxSizeMB:     20,
			RetentionDays: 3,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := unmarshalConfigStrict(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func unmarshalConfigStrict(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return fmt.Errorf("invalid config: trailing JSON content")
		}
		return err
	}
	return nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// AllowSenderSet normalizes the allow list into a set, tolerating both
// comma and whitespace separated entries.
func (c *Config) AllowSenderSet() map[string]bool {
	set := make(map[string]bool)
	for _, raw := range c.Watch.AllowSenders {
		for _, part := range strings.Fields(strings.ReplaceAll(raw, ",", " ")) {
			set[part] = true
		}
	}
	return set
}

// ASREnabled reports whether both transcription credentials are present.
func (c *Config) ASREnabled() bool {
	return strings.TrimSpace(c.ASR.SecretID) != "" && strings.TrimSpace(c.ASR.SecretKey) != ""
}

func (c *Config) LogFilePath() string {
	filename := c.Logging.Filename
	if filename == "" {
		filename = "naprelay.log"
	}
	return filepath.Join(c.Logging.Dir, filename)
}
