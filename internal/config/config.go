package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config contains runtime configuration required by the service.
type Config struct {
	DBURL      string
	ListenAddr string

	// SystemTag identifies this side; PartnerTag identifies the other side and
	// is what the mirror table stores in sync_source for remote-origin rows.
	SystemTag   string
	PartnerTag  string
	ProjectName string

	RemoteBaseURL string
	RemoteToken   string

	APIKeys     map[string]string // apiKey -> operator
	PartnerKeys map[string]string // bearer token -> partner tag

	MaxRetries          int
	BatchSize           int
	Workers             int
	AutoProcessInterval time.Duration
	AutoProcessDefault  bool
	StaleClaimTimeout   time.Duration
	DispatchTimeout     time.Duration
	BatchDeadline       time.Duration
	RetryBackoff        time.Duration
	MaxBackoff          time.Duration
	ErrorSampleLimit    int
	RecentWindow        time.Duration
	ActiveFields        []string
	ImmediatePush       bool

	LogLevel  string
	LogFormat string
	LogFile   string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("BATCH_SIZE", 50)
	v.SetDefault("WORKERS", 4)
	v.SetDefault("AUTO_PROCESS_INTERVAL", "60s")
	v.SetDefault("AUTO_PROCESS_DEFAULT", false)
	v.SetDefault("STALE_CLAIM_TIMEOUT", "10m")
	v.SetDefault("DISPATCH_TIMEOUT", "15s")
	v.SetDefault("BATCH_DEADLINE", "2m")
	v.SetDefault("RETRY_BACKOFF", "30s")
	v.SetDefault("MAX_BACKOFF", "15m")
	v.SetDefault("ERROR_SAMPLE_LIMIT", 20)
	v.SetDefault("RECONCILE_RECENT_WINDOW", "24h")
	v.SetDefault("ACTIVE_FIELDS", "stage,status")
	v.SetDefault("IMMEDIATE_PUSH", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
// API_KEYS format: "operator1:key1,operator2:key2"
// PARTNER_KEYS format: "partnerTag:token"
func FromViper(v *viper.Viper) (Config, error) {
	get := func(key string) string { return strings.TrimSpace(v.GetString(key)) }

	cfg := Config{
		DBURL:               get("DB_URL"),
		ListenAddr:          get("LISTEN_ADDR"),
		SystemTag:           get("SYSTEM_TAG"),
		PartnerTag:          get("PARTNER_TAG"),
		ProjectName:         get("PROJECT_NAME"),
		RemoteBaseURL:       strings.TrimRight(get("REMOTE_BASE_URL"), "/"),
		RemoteToken:         get("REMOTE_TOKEN"),
		MaxRetries:          v.GetInt("MAX_RETRIES"),
		BatchSize:           v.GetInt("BATCH_SIZE"),
		Workers:             v.GetInt("WORKERS"),
		AutoProcessInterval: v.GetDuration("AUTO_PROCESS_INTERVAL"),
		AutoProcessDefault:  v.GetBool("AUTO_PROCESS_DEFAULT"),
		StaleClaimTimeout:   v.GetDuration("STALE_CLAIM_TIMEOUT"),
		DispatchTimeout:     v.GetDuration("DISPATCH_TIMEOUT"),
		BatchDeadline:       v.GetDuration("BATCH_DEADLINE"),
		RetryBackoff:        v.GetDuration("RETRY_BACKOFF"),
		MaxBackoff:          v.GetDuration("MAX_BACKOFF"),
		ErrorSampleLimit:    v.GetInt("ERROR_SAMPLE_LIMIT"),
		RecentWindow:        v.GetDuration("RECONCILE_RECENT_WINDOW"),
		ActiveFields:        splitList(get("ACTIVE_FIELDS")),
		ImmediatePush:       v.GetBool("IMMEDIATE_PUSH"),
		LogLevel:            get("LOG_LEVEL"),
		LogFormat:           get("LOG_FORMAT"),
		LogFile:             get("LOG_FILE"),
	}

	if cfg.DBURL == "" {
		return Config{}, errors.New("DB_URL required")
	}
	if cfg.SystemTag == "" || cfg.PartnerTag == "" {
		return Config{}, errors.New("SYSTEM_TAG and PARTNER_TAG required")
	}
	if cfg.SystemTag == cfg.PartnerTag {
		return Config{}, errors.New("SYSTEM_TAG must differ from PARTNER_TAG")
	}
	if cfg.SystemTag == "local" || cfg.PartnerTag == "local" {
		return Config{}, errors.New(`"local" is reserved and cannot be a system tag`)
	}
	if cfg.ProjectName == "" {
		cfg.ProjectName = cfg.PartnerTag
	}
	if cfg.MaxRetries < 1 {
		return Config{}, errors.New("MAX_RETRIES must be >= 1")
	}
	if cfg.BatchSize < 1 {
		return Config{}, errors.New("BATCH_SIZE must be >= 1")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	var err error
	cfg.APIKeys, err = parsePairs("API_KEYS", get("API_KEYS"))
	if err != nil {
		return Config{}, err
	}
	cfg.PartnerKeys, err = parsePairs("PARTNER_KEYS", get("PARTNER_KEYS"))
	if err != nil {
		return Config{}, err
	}

	// Local dev fallback so the service runs out-of-the-box.
	if len(cfg.APIKeys) == 0 {
		cfg.APIKeys["operator-key-123"] = "operator"
	}
	for _, tag := range cfg.PartnerKeys {
		if tag != cfg.PartnerTag {
			return Config{}, fmt.Errorf("PARTNER_KEYS references unknown partner %q", tag)
		}
	}

	return cfg, nil
}

// parsePairs parses "name:key,name:key" into key -> name.
func parsePairs(env, raw string) (map[string]string, error) {
	out := map[string]string{}
	if raw == "" {
		return out, nil
	}

	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf(`%s must be "name:key,name:key"`, env)
		}
		name := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if name == "" || key == "" {
			return nil, fmt.Errorf(`%s must be "name:key,name:key"`, env)
		}
		out[key] = name
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
