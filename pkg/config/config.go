package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "relayd.toml"

// UpstreamConfig points at the OpenRouter-compatible completion provider.
// APIKey is the system-wide credential used for premium and metered turns;
// BYOK users supply their own key from the store.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	APIKey          string `toml:"api_key,omitempty"`
	SummarizerModel string `toml:"summarizer_model,omitempty"`
	TimeoutSeconds  int    `toml:"timeout_seconds,omitempty"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr,omitempty"`
	Password string `toml:"password,omitempty"`
	DB       int    `toml:"db,omitempty"`
}

// ChatConfig tunes the turn pipeline. RecentWindow is the number of raw
// messages sent upstream per turn; CompactThreshold and RetainWindow drive
// the memory compactor.
type ChatConfig struct {
	RecentWindow              int `toml:"recent_window,omitempty"`
	CompactThreshold          int `toml:"compact_threshold,omitempty"`
	RetainWindow              int `toml:"retain_window,omitempty"`
	DefaultCredits            int `toml:"default_credits,omitempty"`
	CustomizationTTLSeconds   int `toml:"customization_ttl_seconds,omitempty"`
	TemporaryChatTTLHours     int `toml:"temporary_chat_ttl_hours,omitempty"`
	ExpirySweepIntervalMinute int `toml:"expiry_sweep_interval_minutes,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

type ServerConfig struct {
	ListenAddr string         `toml:"listen_addr"`
	Database   DatabaseConfig `toml:"database"`
	Redis      RedisConfig    `toml:"redis"`
	Upstream   UpstreamConfig `toml:"upstream"`
	Chat       ChatConfig     `toml:"chat"`
	TLS        TLSConfig      `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "relayd", defaultConfigFileName)
}

func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "relayd.db"
	}
	return filepath.Join(home, ".local", "share", "relayd", "relayd.db")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "relayd", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: "127.0.0.1:8080",
		Database: DatabaseConfig{
			Path: DefaultDatabasePath(),
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "127.0.0.1:6379",
		},
		Upstream: UpstreamConfig{
			BaseURL:         "https://openrouter.ai/api/v1",
			SummarizerModel: "mistralai/devstral-2512:free",
			TimeoutSeconds:  120,
		},
		Chat: ChatConfig{
			RecentWindow:              5,
			CompactThreshold:          8,
			RetainWindow:              5,
			DefaultCredits:            20,
			CustomizationTTLSeconds:   86400,
			TemporaryChatTTLHours:     24,
			ExpirySweepIntervalMinute: 30,
		},
		TLS: TLSConfig{
			Enabled:  false,
			Domain:   "",
			Email:    "",
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreateServerConfig loads the config at path, writing the defaults
// first when no file exists yet.
func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := NewDefaultServerConfig()
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return LoadServerConfig(path)
}

func Save(path string, cfg *ServerConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	b, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write config temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	c.Database.Path = strings.TrimSpace(c.Database.Path)
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	c.Upstream.APIKey = strings.TrimSpace(c.Upstream.APIKey)
	c.Upstream.SummarizerModel = strings.TrimSpace(c.Upstream.SummarizerModel)
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)

	def := NewDefaultServerConfig()
	if c.Database.Path == "" {
		c.Database.Path = def.Database.Path
	}
	if c.Upstream.SummarizerModel == "" {
		c.Upstream.SummarizerModel = def.Upstream.SummarizerModel
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = def.Upstream.TimeoutSeconds
	}
	if c.Chat.RecentWindow <= 0 {
		c.Chat.RecentWindow = def.Chat.RecentWindow
	}
	if c.Chat.CompactThreshold <= 0 {
		c.Chat.CompactThreshold = def.Chat.CompactThreshold
	}
	if c.Chat.RetainWindow <= 0 {
		c.Chat.RetainWindow = def.Chat.RetainWindow
	}
	if c.Chat.DefaultCredits <= 0 {
		c.Chat.DefaultCredits = def.Chat.DefaultCredits
	}
	if c.Chat.CustomizationTTLSeconds <= 0 {
		c.Chat.CustomizationTTLSeconds = def.Chat.CustomizationTTLSeconds
	}
	if c.Chat.TemporaryChatTTLHours <= 0 {
		c.Chat.TemporaryChatTTLHours = def.Chat.TemporaryChatTTLHours
	}
	if c.Chat.ExpirySweepIntervalMinute <= 0 {
		c.Chat.ExpirySweepIntervalMinute = def.Chat.ExpirySweepIntervalMinute
	}
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = def.TLS.CacheDir
	}
}

func (c *ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", c.ListenAddr, err)
	}
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url is required")
	}
	if c.Chat.RetainWindow > c.Chat.CompactThreshold {
		return fmt.Errorf("chat.retain_window (%d) must not exceed chat.compact_threshold (%d)",
			c.Chat.RetainWindow, c.Chat.CompactThreshold)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls is enabled")
	}
	return nil
}
