package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"rate-watch/internal/logging"
)

const (
	// ChannelServerChan pushes through the ServerChan (方糖) webhook.
	ChannelServerChan = "serverchan"
	// ChannelTelegram pushes through the Telegram Bot API.
	ChannelTelegram = "telegram"
)

// Config materialises application configuration.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Logging   logging.Config  `mapstructure:"logging"`
	Bank      BankConfig      `mapstructure:"bank"`
	Captcha   CaptchaConfig   `mapstructure:"captcha"`
	OCR       OCRConfig       `mapstructure:"ocr"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Export    ExportConfig    `mapstructure:"export"`
}

// GeneralConfig holds the core monitor settings.
type GeneralConfig struct {
	NotifyKey       string `mapstructure:"notify_key"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	Currency        string `mapstructure:"currency"`
	ExcelFile       string `mapstructure:"excel_file"`
	SheetName       string `mapstructure:"sheet_name"`
}

// BankConfig describes the quote page and its form layout.
type BankConfig struct {
	URL            string        `mapstructure:"url"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SelectName     string        `mapstructure:"select_name"`
	CaptchaImageID string        `mapstructure:"captcha_image_id"`
	CaptchaField   string        `mapstructure:"captcha_field"`
	SubmitValue    string        `mapstructure:"submit_value"`
	ResultTable    string        `mapstructure:"result_table"`
	CaptchaWait    time.Duration `mapstructure:"captcha_wait"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
}

// CaptchaConfig bounds the captcha retry loop.
type CaptchaConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// OCRConfig points at the OCR classification server.
type OCRConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AlertingConfig defines the change threshold and routing.
type AlertingConfig struct {
	Threshold  float64          `mapstructure:"threshold"`
	Channels   []string         `mapstructure:"channels"`
	Timeout    time.Duration    `mapstructure:"timeout"`
	ServerChan ServerChanConfig `mapstructure:"serverchan"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
}

// ServerChanConfig 描述方糖推送参数。
type ServerChanConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// SchedulerConfig governs the polling loop.
type SchedulerConfig struct {
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// DatabaseConfig encapsulates the optional PostgreSQL mirror.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from defaults, file, .env and environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("RATEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.notify_key", "")
	v.SetDefault("general.interval_seconds", 600)
	v.SetDefault("general.currency", "美元")
	v.SetDefault("general.excel_file", "rates.xlsx")
	v.SetDefault("general.sheet_name", "汇率记录")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("bank.url", "https://srh.bankofchina.com/search/whpj/search_cn.jsp")
	v.SetDefault("bank.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	v.SetDefault("bank.request_timeout", "15s")
	v.SetDefault("bank.select_name", "pjname")
	v.SetDefault("bank.captcha_image_id", "captcha_img")
	v.SetDefault("bank.captcha_field", "captcha")
	v.SetDefault("bank.submit_value", "查询")
	v.SetDefault("bank.result_table", `table[align="left"]`)
	v.SetDefault("bank.captcha_wait", "10s")
	v.SetDefault("bank.settle_delay", "2s")

	v.SetDefault("captcha.max_attempts", 3)

	v.SetDefault("ocr.base_url", "http://127.0.0.1:9898")
	v.SetDefault("ocr.timeout", "10s")

	v.SetDefault("alerting.threshold", 0.5)
	v.SetDefault("alerting.channels", []string{ChannelServerChan})
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.serverchan.endpoint", "https://sctapi.ftqq.com/%s.send")
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.General.IntervalSeconds <= 0 {
		return fmt.Errorf("general.interval_seconds must be greater than zero")
	}
	if strings.TrimSpace(c.General.Currency) == "" {
		return fmt.Errorf("general.currency must be configured")
	}
	if c.General.ExcelFile == "" {
		return fmt.Errorf("general.excel_file must be configured")
	}
	if c.General.SheetName == "" {
		return fmt.Errorf("general.sheet_name must be configured")
	}
	if c.Bank.URL == "" {
		return fmt.Errorf("bank.url must be configured")
	}
	if c.Captcha.MaxAttempts < 1 {
		return fmt.Errorf("captcha.max_attempts must be at least 1")
	}
	if c.Alerting.Threshold < 0 {
		return fmt.Errorf("alerting.threshold cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for _, ch := range c.Alerting.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case ChannelServerChan:
			if c.General.NotifyKey == "" {
				return fmt.Errorf("general.notify_key 必须配置 (serverchan channel enabled)")
			}
			if !strings.Contains(c.Alerting.ServerChan.Endpoint, "%s") {
				return fmt.Errorf("alerting.serverchan.endpoint must contain %%s for the send key")
			}
		case ChannelTelegram:
			if c.Alerting.Telegram.BotToken == "" {
				return fmt.Errorf("alerting.telegram.bot_token 必须配置")
			}
			if c.Alerting.Telegram.ChatID == "" {
				return fmt.Errorf("alerting.telegram.chat_id 必须配置")
			}
		case "":
		default:
			return fmt.Errorf("unknown alerting channel %q", ch)
		}
	}
	return nil
}

// Interval returns the poll period.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.General.IntervalSeconds) * time.Second
}

// HasChannel reports whether the named alert channel is enabled.
func (c *Config) HasChannel(name string) bool {
	for _, ch := range c.Alerting.Channels {
		if strings.EqualFold(strings.TrimSpace(ch), name) {
			return true
		}
	}
	return false
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
