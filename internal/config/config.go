package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone = "Asia/Shanghai"
	configPathEnv   = "NEWS_SCANNER_CONFIG"
	dotEnvFile      = ".env"

	BackendDify    = "dify"
	BackendChatGPT = "chatgpt"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig      `yaml:"logging"`
	Storage       StorageConfig      `yaml:"storage"`
	Scraper       ScraperConfig      `yaml:"scraper"`
	Dify          DifyConfig         `yaml:"dify"`
	ChatGPT       ChatGPTConfig      `yaml:"chatgpt"`
	Analysis      AnalysisConfig     `yaml:"analysis"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Notifications NotificationConfig `yaml:"notifications"`
	Mirror        MirrorConfig       `yaml:"mirror"`
	HTTP          HTTPConfig         `yaml:"http"`

	source string `yaml:"-"`
}

// LoggingConfig selects the slog level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig locates the on-disk stores. Empty RecordsDir and TrashDir derive from ArticlesDir.
type StorageConfig struct {
	ArticlesDir string `yaml:"articlesDir"`
	TrashDir    string `yaml:"trashDir"`
	RecordsDir  string `yaml:"recordsDir"`
	CacheDir    string `yaml:"cacheDir"`
}

// ScraperConfig drives the listing and detail crawl.
type ScraperConfig struct {
	Site         string        `yaml:"site"`
	ListURL      string        `yaml:"listUrl"`
	UserAgent    string        `yaml:"userAgent"`
	Timeout      time.Duration `yaml:"timeout"`
	PageDelay    time.Duration `yaml:"pageDelay"`
	DetailDelay  time.Duration `yaml:"detailDelay"`
	FetchDetails bool          `yaml:"fetchDetails"`
	Pages        int           `yaml:"pages"`
}

// DifyConfig describes the workflow scorer.
type DifyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Endpoint   string        `yaml:"endpoint"`
	APIKey     string        `yaml:"apiKey"`
	User       string        `yaml:"user"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryTimes int           `yaml:"retryTimes"`
	RetryDelay time.Duration `yaml:"retryDelay"`
}

// ChatGPTConfig defines how to contact the chat completion API.
type ChatGPTConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"apiKey"`
	SystemPrompt string        `yaml:"systemPrompt"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryTimes   int           `yaml:"retryTimes"`
	RetryDelay   time.Duration `yaml:"retryDelay"`
}

// AnalysisConfig selects the scorer and the fingerprinted scoring document.
type AnalysisConfig struct {
	Backend         string  `yaml:"backend"`
	ConfigPath      string  `yaml:"configPath"`
	BatchSize       int     `yaml:"batchSize"`
	NotifyThreshold float64 `yaml:"notifyThreshold"`
}

// SchedulerConfig defines when the jobs run. An empty expression disables that job.
type SchedulerConfig struct {
	ScraperCron  string         `yaml:"scraperCron"`
	AnalyzerCron string         `yaml:"analyzerCron"`
	Timezone     string         `yaml:"timezone"`
	location     *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// MirrorConfig enables the SQL mirror when Driver is set.
type MirrorConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Source is the YAML file the snapshot was read from, if any.
func (c Config) Source() string {
	return c.source
}

// RecordsPath returns the analysis record directory.
func (s StorageConfig) RecordsPath() string {
	if s.RecordsDir != "" {
		return s.RecordsDir
	}
	return filepath.Join(s.ArticlesDir, "analysis_records")
}

// Load reads .env, then the YAML file at path (or $NEWS_SCANNER_CONFIG), then environment overrides.
// A missing default file is not an error; an explicit unreadable or invalid one is.
func Load(path string) (Config, error) {
	loadDotEnv()

	cfg := defaultConfig()
	if path == "" {
		path = os.Getenv(configPathEnv)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.source = path
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Reload re-reads the sources cfg was built from and returns a new snapshot.
func Reload(cfg Config) (Config, error) {
	return Load(cfg.source)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Scraper.Pages < 1 || c.Scraper.Pages > 10 {
		errs = append(errs, fmt.Errorf("scraper.pages must be between 1 and 10, got %d", c.Scraper.Pages))
	}
	if c.Dify.RetryTimes < 1 {
		errs = append(errs, fmt.Errorf("dify.retryTimes must be positive, got %d", c.Dify.RetryTimes))
	}
	if c.ChatGPT.RetryTimes < 1 {
		errs = append(errs, fmt.Errorf("chatgpt.retryTimes must be positive, got %d", c.ChatGPT.RetryTimes))
	}
	switch c.Analysis.Backend {
	case BackendDify, BackendChatGPT:
	default:
		errs = append(errs, fmt.Errorf("analysis.backend must be %q or %q, got %q", BackendDify, BackendChatGPT, c.Analysis.Backend))
	}
	switch c.Mirror.Driver {
	case "", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("mirror.driver must be postgres or sqlite, got %q", c.Mirror.Driver))
	}
	if c.Storage.ArticlesDir == "" {
		errs = append(errs, errors.New("storage.articlesDir is required"))
	}
	return errors.Join(errs...)
}

// LoadProfile returns the user profile JSON: the user_profile key of the scoring
// document, or the whole document when that key is absent.
func LoadProfile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scoring config %s: %w", path, err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse scoring config %s: %w", path, err)
	}
	if profile, ok := doc["user_profile"]; ok {
		return bytes.TrimSpace(profile), nil
	}
	return bytes.TrimSpace(raw), nil
}

func loadDotEnv() {
	if _, err := os.Stat(dotEnvFile); err != nil {
		return
	}
	if err := godotenv.Load(dotEnvFile); err != nil {
		log.Printf("config: cannot load %s: %v", dotEnvFile, err)
	}
}

func (c *Config) applyEnvOverrides() {
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
	setString(&c.Storage.ArticlesDir, "ARTICLES_DATA_DIR")
	setString(&c.Scheduler.Timezone, "TIMEZONE")

	setBool(&c.Dify.Enabled, "DIFY_ENABLED")
	setString(&c.Dify.Endpoint, "DIFY_API_ENDPOINT")
	setString(&c.Dify.APIKey, "DIFY_API_KEY")
	setString(&c.Dify.User, "DIFY_USER")
	setSeconds(&c.Dify.Timeout, "DIFY_TIMEOUT")
	setInt(&c.Dify.RetryTimes, "DIFY_RETRY_TIMES")
	setSeconds(&c.Dify.RetryDelay, "DIFY_RETRY_DELAY")

	setString(&c.ChatGPT.APIKey, "CHATGPT_API_KEY")
	setString(&c.ChatGPT.Model, "CHATGPT_MODEL")
	setInt(&c.ChatGPT.RetryTimes, "CHATGPT_RETRY_TIMES")
	setSeconds(&c.ChatGPT.RetryDelay, "CHATGPT_RETRY_DELAY")
	setString(&c.Analysis.Backend, "ANALYSIS_BACKEND")
	setString(&c.Analysis.ConfigPath, "ANALYSIS_CONFIG_PATH")

	setString(&c.Notifications.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	setString(&c.Notifications.Telegram.ChatID, "TELEGRAM_CHAT_ID")

	setString(&c.Mirror.Driver, "MIRROR_DRIVER")
	setString(&c.Mirror.DSN, "DATABASE_DSN")

	setString(&c.Scheduler.ScraperCron, "SCHEDULER_SCRAPER_CRON")
	setInt(&c.Scraper.Pages, "SCHEDULER_SCRAPER_PAGES")
	setString(&c.Scheduler.AnalyzerCron, "SCHEDULER_ANALYZER_CRON")
	setInt(&c.Analysis.BatchSize, "SCHEDULER_ANALYZER_BATCH_SIZE")
	if !envEnabled("SCHEDULER_SCRAPER_ENABLED") {
		c.Scheduler.ScraperCron = ""
	}
	if !envEnabled("SCHEDULER_ANALYZER_ENABLED") {
		c.Scheduler.AnalyzerCron = ""
	}

	host, port := os.Getenv("API_HOST"), os.Getenv("API_PORT")
	if host != "" || port != "" {
		curHost, curPort, err := net.SplitHostPort(c.HTTP.Addr)
		if err != nil {
			curHost, curPort = "", "8000"
		}
		if host == "" {
			host = curHost
		}
		if port == "" {
			port = curPort
		}
		c.HTTP.Addr = net.JoinHostPort(host, port)
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to UTC", tz)
		loc = time.UTC
	}
	c.Scheduler.location = loc
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		log.Printf("config: ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = b
}

func setInt(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		log.Printf("config: ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = n
}

// setSeconds accepts a bare number of seconds or a Go duration string.
func setSeconds(dst *time.Duration, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if n, err := cast.ToFloat64E(v); err == nil {
		*dst = time.Duration(n * float64(time.Second))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("config: ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = d
}

func envEnabled(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return true
	}
	b, err := cast.ToBoolE(v)
	return err != nil || b
}

func defaultConfig() Config {
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{ArticlesDir: "articles", CacheDir: "cache"},
		Scraper: ScraperConfig{
			Site:         "sztu",
			ListURL:      "https://nbw.sztu.edu.cn/list.jsp?urltype=tree.TreeTempUrl&wbtreeid=1029",
			UserAgent:    "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
			Timeout:      10 * time.Second,
			PageDelay:    time.Second,
			DetailDelay:  500 * time.Millisecond,
			FetchDetails: true,
			Pages:        3,
		},
		Dify: DifyConfig{
			Endpoint:   "http://localhost:8001/v1",
			User:       "student_analyzer",
			Timeout:    60 * time.Second,
			RetryTimes: 3,
			RetryDelay: 2 * time.Second,
		},
		ChatGPT: ChatGPTConfig{
			Endpoint:     "https://api.openai.com/v1/chat/completions",
			Model:        "gpt-4o-mini",
			SystemPrompt: "You rate campus announcements for one student.",
			Timeout:      60 * time.Second,
			RetryTimes:   3,
			RetryDelay:   2 * time.Second,
		},
		Analysis: AnalysisConfig{
			Backend:         BackendDify,
			ConfigPath:      "config.json",
			BatchSize:       10,
			NotifyThreshold: 8,
		},
		Scheduler: SchedulerConfig{
			ScraperCron:  "0 0 * * *",
			AnalyzerCron: "0 6 * * *",
			Timezone:     defaultTimezone,
			location:     loc,
		},
		HTTP: HTTPConfig{Addr: "0.0.0.0:8000"},
	}
}
