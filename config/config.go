// Package config loads the settings of a receipt validation service from a
// YAML file, a .env file and IAP_* environment variables, in that order of
// increasing precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	iap "github.com/kacy/iap-validation"
	"github.com/kacy/iap-validation/envelope"
	"github.com/kacy/iap-validation/internal/logging"
	"github.com/kacy/iap-validation/ledger"
)

// Ledger drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// File is the on-disk configuration of a receipt validation service.
type File struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Apple struct {
		RootCertificate        string        `yaml:"root_certificate"`
		SharedSecret           string        `yaml:"shared_secret"`
		ProductionURL          string        `yaml:"production_url"`
		SandboxURL             string        `yaml:"sandbox_url"`
		ExcludeOldTransactions bool          `yaml:"exclude_old_transactions"`
		Timeout                time.Duration `yaml:"timeout"`
		// CertificateTime pins the time receipt certificates are checked
		// against. Zero means the current time.
		CertificateTime time.Time `yaml:"certificate_time"`
	} `yaml:"apple"`
	App struct {
		ProductionBundleID   string        `yaml:"production_bundle_id"`
		DebugBundleID        string        `yaml:"debug_bundle_id"`
		ProductionProductIDs []string      `yaml:"production_product_ids"`
		DebugProductIDs      []string      `yaml:"debug_product_ids"`
		SubscriptionPeriod   time.Duration `yaml:"subscription_period"`
	} `yaml:"app"`
	Notifications struct {
		Secret string `yaml:"secret"`
	} `yaml:"notifications"`
	Ledger struct {
		Driver      string        `yaml:"driver"`
		TTL         time.Duration `yaml:"ttl"`
		RedisURL    string        `yaml:"redis_url"`
		KeyPrefix   string        `yaml:"key_prefix"`
		PostgresDSN string        `yaml:"postgres_dsn"`
		Table       string        `yaml:"table"`
	} `yaml:"ledger"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default returns the configuration used when neither the file nor the
// environment sets a value.
func Default() File {
	var cfg File
	cfg.HTTP.Addr = ":8080"
	cfg.Apple.Timeout = 30 * time.Second
	cfg.App.SubscriptionPeriod = 30 * 24 * time.Hour
	cfg.Ledger.Driver = DriverMemory
	cfg.Log.Level = "info"
	return cfg
}

// Load reads the YAML file at path (optional, a missing file is ignored),
// then the given .env files (".env" when none are given, missing files are
// ignored), then IAP_* environment overrides.
func Load(path string, envFiles ...string) (File, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load env file: %w", err)
	}

	applyEnv(&cfg)

	if cfg.Apple.RootCertificate == "" {
		return cfg, errors.New("missing apple.root_certificate (or IAP_ROOT_CERTIFICATE)")
	}
	if cfg.App.ProductionBundleID == "" {
		return cfg, errors.New("missing app.production_bundle_id (or IAP_PRODUCTION_BUNDLE_ID)")
	}

	return cfg, nil
}

func applyEnv(cfg *File) {
	if v := os.Getenv("IAP_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("IAP_ROOT_CERTIFICATE"); v != "" {
		cfg.Apple.RootCertificate = v
	}
	if v := os.Getenv("IAP_SHARED_SECRET"); v != "" {
		cfg.Apple.SharedSecret = v
	}
	if v := os.Getenv("IAP_PRODUCTION_URL"); v != "" {
		cfg.Apple.ProductionURL = v
	}
	if v := os.Getenv("IAP_SANDBOX_URL"); v != "" {
		cfg.Apple.SandboxURL = v
	}
	if v := os.Getenv("IAP_EXCLUDE_OLD_TRANSACTIONS"); v != "" {
		cfg.Apple.ExcludeOldTransactions = parseBool(v, cfg.Apple.ExcludeOldTransactions)
	}
	if v := os.Getenv("IAP_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Apple.Timeout = d
		}
	}
	if v := os.Getenv("IAP_CERTIFICATE_TIME"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			cfg.Apple.CertificateTime = t
		}
	}
	if v := os.Getenv("IAP_PRODUCTION_BUNDLE_ID"); v != "" {
		cfg.App.ProductionBundleID = v
	}
	if v := os.Getenv("IAP_DEBUG_BUNDLE_ID"); v != "" {
		cfg.App.DebugBundleID = v
	}
	if v := os.Getenv("IAP_PRODUCTION_PRODUCT_IDS"); v != "" {
		cfg.App.ProductionProductIDs = splitCSV(v)
	}
	if v := os.Getenv("IAP_DEBUG_PRODUCT_IDS"); v != "" {
		cfg.App.DebugProductIDs = splitCSV(v)
	}
	if v := os.Getenv("IAP_SUBSCRIPTION_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.SubscriptionPeriod = d
		}
	}
	if v := os.Getenv("IAP_NOTIFICATION_SECRET"); v != "" {
		cfg.Notifications.Secret = v
	}
	if v := os.Getenv("IAP_LEDGER_DRIVER"); v != "" {
		cfg.Ledger.Driver = v
	}
	if v := os.Getenv("IAP_LEDGER_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ledger.TTL = d
		}
	}
	if v := os.Getenv("IAP_REDIS_URL"); v != "" {
		cfg.Ledger.RedisURL = v
	}
	if v := os.Getenv("IAP_POSTGRES_DSN"); v != "" {
		cfg.Ledger.PostgresDSN = v
	}
	if v := os.Getenv("IAP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func parseBool(input string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitCSV(input string) []string {
	var out []string
	for _, part := range strings.Split(input, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// NewLogger builds the service logger at the configured level.
func (f *File) NewLogger() *logrus.Logger {
	return logging.New("iap", f.Log.Level)
}

// ValidatorConfig converts the file into a validator configuration,
// loading the trusted root certificate.
func (f *File) ValidatorConfig(logger logrus.FieldLogger) (iap.Config, error) {
	root, err := envelope.LoadRootCertificate(f.Apple.RootCertificate)
	if err != nil {
		return iap.Config{}, err
	}

	var certificateTime func() time.Time
	if t := f.Apple.CertificateTime; !t.IsZero() {
		certificateTime = func() time.Time { return t }
	}

	return iap.Config{
		RootCertificate:        root,
		SharedSecret:           f.Apple.SharedSecret,
		ProductionBundleID:     f.App.ProductionBundleID,
		DebugBundleID:          f.App.DebugBundleID,
		ProductionProductIDs:   f.App.ProductionProductIDs,
		DebugProductIDs:        f.App.DebugProductIDs,
		Period:                 f.App.SubscriptionPeriod,
		ProductionURL:          f.Apple.ProductionURL,
		SandboxURL:             f.Apple.SandboxURL,
		ExcludeOldTransactions: f.Apple.ExcludeOldTransactions,
		HTTPClient:             &http.Client{Timeout: f.Apple.Timeout},
		CertificateTime:        certificateTime,
		Logger:                 logger,
	}, nil
}

// OpenLedger connects the configured transaction ledger. The returned
// function releases its connections.
func (f *File) OpenLedger(ctx context.Context) (ledger.Store, func(), error) {
	switch f.Ledger.Driver {
	case "", DriverMemory:
		store := ledger.NewMemoryStore(ledger.MemoryConfig{TTL: f.Ledger.TTL})
		return store, store.Close, nil

	case DriverRedis:
		opt, err := redis.ParseURL(f.Ledger.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid ledger.redis_url: %w", err)
		}
		client := redis.NewClient(opt)
		store, err := ledger.NewRedisStore(ledger.RedisConfig{
			Client:    client,
			KeyPrefix: f.Ledger.KeyPrefix,
			TTL:       f.Ledger.TTL,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil

	case DriverPostgres:
		pool, err := pgxpool.New(ctx, f.Ledger.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid ledger.postgres_dsn: %w", err)
		}
		store, err := ledger.NewPostgresStore(ledger.PostgresConfig{
			DB:    pool,
			Table: f.Ledger.Table,
		})
		if err == nil {
			err = store.EnsureSchema(ctx)
		}
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown ledger driver %q", f.Ledger.Driver)
	}
}
