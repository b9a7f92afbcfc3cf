// Package config loads process configuration from the environment (.env is
// read by main before Load is called).
package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LiquidityTier caps quantity / average daily volume for stocks priced below
// MaxPrice. MaxPrice 0 is the open-ended top band.
type LiquidityTier struct {
	MaxPrice float64
	MaxRatio float64
}

// Strategy knobs for admission and the re-entry ladder.
type Strategy struct {
	MaxPositions       int
	CapitalPerTrade    float64
	RSITop             float64 // 30
	RSIMid             float64 // 20
	RSILow             float64 // 10
	RSIExit            float64 // 50
	DailyReentryCap    int
	LiquidityTiers     []LiquidityTier
	T2TLimitPremium    float64
	ManualQtyTolerance int64
}

// Schedule holds market hours and loop timings.
type Schedule struct {
	Timezone          string
	MarketOpen        string // HH:MM
	MarketClose       string // HH:MM
	RetryCutoff       string // HH:MM, prior-day retries expire after this
	PostCloseGrace    time.Duration
	VerifierInterval  time.Duration
	VerifierBackoff   time.Duration
	ReconcileInterval time.Duration
	OrderIDWait       time.Duration
	SnapshotWorkers   int
}

// Database selects the ledger backend.
type Database struct {
	Type string // sqlite | postgres
	Path string
	URL  string
}

// Broker connection settings.
type Broker struct {
	Mode            string // paper | rest
	BaseURL         string
	UserID          string
	Password        string
	TOTPSecret      string
	APIKey          string
	Exchange        string
	Product         string
	Timeout         time.Duration
	RateLimit       float64 // requests per second
	ReloginWait     time.Duration
	PaperCash       float64
	IndicatorURL    string
	SymbolMasterURL string
}

// Notify destinations; each is optional.
type Notify struct {
	TelegramToken       string
	TelegramChatID      int64
	FirebaseCredentials string
	FCMTokens           []string
}

// Config is the full process configuration.
type Config struct {
	Strategy Strategy
	Schedule Schedule
	Database Database
	Broker   Broker
	Notify   Notify

	APIServerPort int
	JWTSecret     string
	LogLevel      string
	AuditLogPath  string
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	tiers, err := ParseLiquidityTiers(getEnv("LIQUIDITY_TIERS", "100:0.01,500:0.02,2000:0.05,0:0.10"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Strategy: Strategy{
			MaxPositions:       getEnvInt("MAX_POSITIONS", 10),
			CapitalPerTrade:    getEnvFloat("CAPITAL_PER_TRADE", 100000),
			RSITop:             getEnvFloat("RSI_TOP", 30),
			RSIMid:             getEnvFloat("RSI_MID", 20),
			RSILow:             getEnvFloat("RSI_LOW", 10),
			RSIExit:            getEnvFloat("RSI_EXIT", 50),
			DailyReentryCap:    getEnvInt("DAILY_REENTRY_CAP", 1),
			LiquidityTiers:     tiers,
			T2TLimitPremium:    getEnvFloat("T2T_LIMIT_PREMIUM", 0.01),
			ManualQtyTolerance: int64(getEnvInt("MANUAL_QTY_TOLERANCE", 2)),
		},
		Schedule: Schedule{
			Timezone:          getEnv("MARKET_TIMEZONE", "Asia/Kolkata"),
			MarketOpen:        getEnv("MARKET_OPEN", "09:15"),
			MarketClose:       getEnv("MARKET_CLOSE", "15:30"),
			RetryCutoff:       getEnv("MARKET_OPEN_CUTOFF", "09:15"),
			PostCloseGrace:    getEnvDuration("POST_CLOSE_GRACE", 30*time.Minute),
			VerifierInterval:  getEnvDuration("VERIFIER_INTERVAL", 30*time.Minute),
			VerifierBackoff:   getEnvDuration("VERIFIER_BACKOFF", time.Minute),
			ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 15*time.Minute),
			OrderIDWait:       getEnvDuration("ORDER_ID_WAIT", 5*time.Second),
			SnapshotWorkers:   getEnvInt("SNAPSHOT_WORKERS", 4),
		},
		Database: Database{
			Type: strings.ToLower(getEnv("DB_TYPE", "sqlite")),
			Path: getEnv("DB_PATH", "data/swingtrader.db"),
			URL:  getEnv("DATABASE_URL", ""),
		},
		Broker: Broker{
			Mode:            strings.ToLower(getEnv("BROKER_MODE", "paper")),
			BaseURL:         getEnv("BROKER_BASE_URL", ""),
			UserID:          getEnv("BROKER_USER_ID", ""),
			Password:        getEnv("BROKER_PASSWORD", ""),
			TOTPSecret:      getEnv("BROKER_TOTP_SECRET", ""),
			APIKey:          getEnv("BROKER_API_KEY", ""),
			Exchange:        getEnv("BROKER_EXCHANGE", "NSE"),
			Product:         getEnv("BROKER_PRODUCT", "CNC"),
			Timeout:         getEnvDuration("BROKER_TIMEOUT", 15*time.Second),
			RateLimit:       getEnvFloat("BROKER_RATE_LIMIT", 5),
			ReloginWait:     getEnvDuration("BROKER_RELOGIN_WAIT", 30*time.Second),
			PaperCash:       getEnvFloat("PAPER_CASH", 1000000),
			IndicatorURL:    getEnv("INDICATOR_BASE_URL", ""),
			SymbolMasterURL: getEnv("SYMBOL_MASTER_URL", ""),
		},
		Notify: Notify{
			TelegramToken:       getEnv("TELEGRAM_BOT_TOKEN", ""),
			FirebaseCredentials: getEnv("FIREBASE_CREDENTIALS_PATH", ""),
			FCMTokens:           getEnvList("FCM_TOKENS"),
		},
		APIServerPort: getEnvInt("API_SERVER_PORT", 8080),
		JWTSecret:     getEnv("API_JWT_SECRET", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		AuditLogPath:  getEnv("AUDIT_LOG_PATH", ""),
	}

	if v := getEnv("TELEGRAM_CHAT_ID", ""); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Notify.TelegramChatID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	s := c.Strategy
	if s.MaxPositions <= 0 {
		errs = append(errs, errors.New("MAX_POSITIONS must be positive"))
	}
	if s.CapitalPerTrade <= 0 {
		errs = append(errs, errors.New("CAPITAL_PER_TRADE must be positive"))
	}
	if !(s.RSILow < s.RSIMid && s.RSIMid < s.RSITop && s.RSITop < s.RSIExit) {
		errs = append(errs, fmt.Errorf("RSI thresholds must ascend low<mid<top<exit, got %.0f/%.0f/%.0f/%.0f",
			s.RSILow, s.RSIMid, s.RSITop, s.RSIExit))
	}
	if s.DailyReentryCap < 0 {
		errs = append(errs, errors.New("DAILY_REENTRY_CAP must not be negative"))
	}
	for _, hhmm := range []string{c.Schedule.MarketOpen, c.Schedule.MarketClose, c.Schedule.RetryCutoff} {
		if _, err := time.Parse("15:04", hhmm); err != nil {
			errs = append(errs, fmt.Errorf("invalid market time %q", hhmm))
		}
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid MARKET_TIMEZONE: %w", err))
	}
	switch c.Database.Type {
	case "sqlite":
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_TYPE %q", c.Database.Type))
	}
	switch c.Broker.Mode {
	case "paper":
	case "rest":
		if c.Broker.BaseURL == "" {
			errs = append(errs, errors.New("BROKER_BASE_URL is required in rest mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported BROKER_MODE %q", c.Broker.Mode))
	}
	return errors.Join(errs...)
}

// ParseLiquidityTiers parses "price:ratio" pairs. A price of 0 marks the
// open-ended band and sorts last.
func ParseLiquidityTiers(raw string) ([]LiquidityTier, error) {
	var tiers []LiquidityTier
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid liquidity tier %q", part)
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(kv[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid liquidity tier price %q: %w", kv[0], err)
		}
		ratio, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil || ratio <= 0 {
			return nil, fmt.Errorf("invalid liquidity tier ratio %q", kv[1])
		}
		tiers = append(tiers, LiquidityTier{MaxPrice: price, MaxRatio: ratio})
	}
	if len(tiers) == 0 {
		return nil, errors.New("no liquidity tiers configured")
	}
	sort.SliceStable(tiers, func(i, j int) bool {
		a, b := tiers[i].MaxPrice, tiers[j].MaxPrice
		if a == 0 {
			return false
		}
		if b == 0 {
			return true
		}
		return a < b
	})
	return tiers, nil
}

// MaxRatioFor returns the volume ratio ceiling for a price.
func (s Strategy) MaxRatioFor(price float64) float64 {
	if len(s.LiquidityTiers) == 0 {
		return 1
	}
	for _, t := range s.LiquidityTiers {
		if t.MaxPrice == 0 || price < t.MaxPrice {
			return t.MaxRatio
		}
	}
	return s.LiquidityTiers[len(s.LiquidityTiers)-1].MaxRatio
}
