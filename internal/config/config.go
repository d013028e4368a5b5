// Package config loads the Mail Delivery Core's process configuration from
// the environment (spec.md §6), following the env-var-driven Config struct
// idiom used across the rest of the pack (getEnv*/default-value helpers)
// rather than the teacher's on-disk maddy.conf format, since the spec's
// configuration surface (§6) is explicitly a flat list of env vars.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// OutMode selects the outbound transport strategy (C9).
type OutMode string

const (
	OutModeRelay  OutMode = "relay"
	OutModeDirect OutMode = "direct"
)

// SpamRule is one rule of the SPAM_CONFIG rule engine (spec.md §4.6).
type SpamRule struct {
	HeaderMatch      string `json:"header_match,omitempty"`
	HeaderMatchRegex string `json:"header_match_regex,omitempty"`
	Action           string `json:"action,omitempty"`
}

// SpamConfig is the decoded shape of SPAM_CONFIG / MailDomain.custom_settings.SPAM_CONFIG.
type SpamConfig struct {
	Rules         []SpamRule `json:"rules"`
	TrustedRelays int        `json:"trusted_relays"`
	RspamdURL     string     `json:"rspamd_url,omitempty"`
	RspamdAuth    string     `json:"rspamd_auth,omitempty"`
}

// Config is the process-wide configuration loaded once at startup.
type Config struct {
	DatabaseURL string
	RedisURL    string

	MTAOutMode          OutMode
	MTAOutRelayHost     string
	MTAOutRelayUsername string
	MTAOutRelayPassword string
	MTAOutRelayUseTLS   bool
	MTAOutDirectProxies []string

	MaxOutgoingAttachmentSize int64
	MaxOutgoingMessageSize    int64

	SpamConfig SpamConfig

	DKIMVerifyOutgoing bool

	IMAPTimeoutSec   int
	IMAPMaxRetries   int

	ImageProxyEnabled  bool
	ImageProxyMaxSize  int64
	ImageProxyCacheTTL int

	MetricsAPIKey string

	SendLockTTLSec int
}

// Load reads configuration from the environment, optionally preceded by a
// .env file (godotenv, same as the pack's local-dev convention).
func Load() (*Config, error) {
	_ = godotenv.Load()

	var spamCfg SpamConfig
	if raw := os.Getenv("SPAM_CONFIG"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &spamCfg); err != nil {
			return nil, fmt.Errorf("config: invalid SPAM_CONFIG: %w", err)
		}
	}

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/mdc"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		MTAOutMode:          OutMode(getEnv("MTA_OUT_MODE", string(OutModeRelay))),
		MTAOutRelayHost:     getEnv("MTA_OUT_RELAY_HOST", ""),
		MTAOutRelayUsername: getEnv("MTA_OUT_RELAY_USERNAME", ""),
		MTAOutRelayPassword: getEnv("MTA_OUT_RELAY_PASSWORD", ""),
		MTAOutRelayUseTLS:   getEnvBool("MTA_OUT_RELAY_USE_TLS", true),
		MTAOutDirectProxies: getEnvSlice("MTA_OUT_DIRECT_PROXIES", nil),

		MaxOutgoingAttachmentSize: getEnvInt64("MAX_OUTGOING_ATTACHMENT_SIZE", 25*1024*1024),
		MaxOutgoingMessageSize:    getEnvInt64("MAX_OUTGOING_MESSAGE_SIZE", 35*1024*1024),

		SpamConfig: spamCfg,

		DKIMVerifyOutgoing: getEnvBool("MESSAGES_DKIM_VERIFY_OUTGOING", true),

		IMAPTimeoutSec: getEnvInt("IMAP_TIMEOUT", 30),
		IMAPMaxRetries: getEnvInt("IMAP_MAX_RETRIES", 3),

		ImageProxyEnabled:  getEnvBool("IMAGE_PROXY_ENABLED", false),
		ImageProxyMaxSize:  getEnvInt64("IMAGE_PROXY_MAX_SIZE", 10*1024*1024),
		ImageProxyCacheTTL: getEnvInt("IMAGE_PROXY_CACHE_TTL", 86400),

		MetricsAPIKey: getEnv("METRICS_API_KEY", ""),

		SendLockTTLSec: getEnvInt("SEND_LOCK_TTL_SEC", 60),
	}

	return cfg, nil
}

// EffectiveSpamConfig merges a MailDomain's custom_settings.SPAM_CONFIG
// override on top of the process default, per spec.md §4.6 "overridable
// per MailDomain.custom_settings".
func (c *Config) EffectiveSpamConfig(domainCustomSettings map[string]interface{}) SpamConfig {
	raw, ok := domainCustomSettings["SPAM_CONFIG"]
	if !ok {
		return c.SpamConfig
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return c.SpamConfig
	}
	var override SpamConfig
	if err := json.Unmarshal(b, &override); err != nil {
		return c.SpamConfig
	}
	return override
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
