package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Credentials come from the environment, never from the config file.
	ClientID     string `yaml:"-" env:"EPIC_CLIENT_ID"`
	ClientSecret string `yaml:"-" env:"EPIC_CLIENT_SECRET"`
	FallbackEG1  string `yaml:"-" env:"EPIC_EG1_TOKEN"`

	SessionFile string `yaml:"session_file" env:"GRATIS_SESSION_FILE"`
	DataDir     string `yaml:"data_dir"`
	DebugDir    string `yaml:"debug_dir"`

	Country string `yaml:"country"`
	Locale  string `yaml:"locale"`

	UserAgent      string `yaml:"user_agent"`
	RequestTimeout int    `yaml:"request_timeout"`

	StoreBaseURL    string `yaml:"store_base_url"`
	PurchaseBaseURL string `yaml:"purchase_base_url"`

	Headless          bool   `yaml:"headless" env:"GRATIS_HEADLESS"`
	BrowserProfileDir string `yaml:"browser_profile_dir"`
	PageLoadTimeout   int    `yaml:"page_load_timeout"`

	NavSettleMs       int `yaml:"nav_settle_ms"`
	OfferSettleMs     int `yaml:"offer_settle_ms"`
	ClickSettleMs     int `yaml:"click_settle_ms"`
	SubmitSettleMs    int `yaml:"submit_settle_ms"`
	ElementTimeoutMs  int `yaml:"element_timeout_ms"`
	CheckoutRetries   int `yaml:"checkout_retries"`
	CheckoutRetryMs   int `yaml:"checkout_retry_ms"`
	DirectRetries     int `yaml:"direct_retries"`
	LoginWaitAttempts int `yaml:"login_wait_attempts"`
	LoginPollMs       int `yaml:"login_poll_ms"`
	CaptchaTimeoutSec int `yaml:"captcha_timeout_sec"`
	CaptchaPollSec    int `yaml:"captcha_poll_sec"`
	VerifyAttempts    int `yaml:"verify_attempts"`
	VerifyDelaySec    int `yaml:"verify_delay_sec"`
	ClaimDelaySec     int `yaml:"claim_delay_sec"`

	ScheduleAt string `yaml:"schedule_at"`

	DebugMode bool `yaml:"debug_mode" env:"GRATIS_DEBUG"`

	Patterns *Patterns `yaml:"patterns"`
}

func DefaultConfig() *Config {
	return &Config{
		SessionFile:       filepath.Join("data", "session.json"),
		DataDir:           "data",
		DebugDir:          filepath.Join("data", "debug"),
		Country:           "US",
		Locale:            "en-US",
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		RequestTimeout:    30,
		StoreBaseURL:      "https://store.epicgames.com",
		PurchaseBaseURL:   "https://www.epicgames.com/store/purchase",
		// Headful by default: a CAPTCHA at checkout needs a human in
		// front of the window.
		Headless:          false,
		PageLoadTimeout:   60,
		NavSettleMs:       3000,
		OfferSettleMs:     5000,
		ClickSettleMs:     2000,
		SubmitSettleMs:    5000,
		ElementTimeoutMs:  3000,
		CheckoutRetries:   10,
		CheckoutRetryMs:   2000,
		DirectRetries:     8,
		LoginWaitAttempts: 40,
		LoginPollMs:       3000,
		CaptchaTimeoutSec: 180,
		CaptchaPollSec:    3,
		VerifyAttempts:    10,
		VerifyDelaySec:    3,
		ClaimDelaySec:     1,
		ScheduleAt:        "12:00",
		Patterns:          DefaultPatterns(),
	}
}

// LoadConfig reads the YAML config, creating it with defaults on first
// run, then applies environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if config.Patterns == nil {
		config.Patterns = DefaultPatterns()
	}
	return config, nil
}

func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
