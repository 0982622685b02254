package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eleven-am/live-relay/internal/gemini"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerAddr string
	LogLevel   string
	Instance   string

	GeminiAPIKey       string
	GeminiAccessToken  string
	GeminiModel        string
	GeminiURL          string
	GeminiSetupTimeout time.Duration

	DefaultVoice string
	Voices       []string

	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	PresenceTTL      time.Duration
	PresenceInterval time.Duration

	StaticDir      string
	IndexHTML      string
	AllowedOrigins []string
}

// fileConfig is the optional YAML file named by RELAY_CONFIG_FILE. Its
// values replace the built-in defaults; environment variables still win.
type fileConfig struct {
	Server struct {
		Addr           string   `yaml:"addr"`
		LogLevel       string   `yaml:"log_level"`
		Instance       string   `yaml:"instance"`
		StaticDir      string   `yaml:"static_dir"`
		IndexHTML      string   `yaml:"index_html"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Gemini struct {
		Model        string `yaml:"model"`
		URL          string `yaml:"url"`
		SetupTimeout string `yaml:"setup_timeout"`
	} `yaml:"gemini"`
	Voices struct {
		Default   string   `yaml:"default"`
		Available []string `yaml:"available"`
	} `yaml:"voices"`
	Redis struct {
		Addr             string `yaml:"addr"`
		DB               int    `yaml:"db"`
		PresenceTTL      string `yaml:"presence_ttl"`
		PresenceInterval string `yaml:"presence_interval"`
	} `yaml:"redis"`
}

var defaultVoices = []string{"Puck", "Charon", "Kore", "Fenrir", "Aoede", "Leda", "Orus", "Zephyr"}

func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var file fileConfig
	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	hostname, _ := os.Hostname()

	cfg := &Config{
		ServerAddr: getEnv("SERVER_ADDR", or(file.Server.Addr, ":8080")),
		LogLevel:   getEnv("LOG_LEVEL", or(file.Server.LogLevel, "info")),
		Instance:   getEnv("INSTANCE_ID", or(file.Server.Instance, hostname)),

		GeminiAPIKey:       getEnv("GEMINI_API_KEY", ""),
		GeminiAccessToken:  getEnv("GEMINI_ACCESS_TOKEN", ""),
		GeminiModel:        getEnv("GEMINI_MODEL", or(file.Gemini.Model, gemini.DefaultModel)),
		GeminiURL:          getEnv("GEMINI_URL", or(file.Gemini.URL, gemini.DefaultURL)),
		GeminiSetupTimeout: getEnvDuration("GEMINI_SETUP_TIMEOUT", parseDuration(file.Gemini.SetupTimeout, gemini.DefaultSetupTimeout)),

		DefaultVoice: getEnv("DEFAULT_VOICE", or(file.Voices.Default, "Puck")),
		Voices:       getEnvList("VOICES", orList(file.Voices.Available, defaultVoices)),

		RedisAddr:        lookupEnv("REDIS_ADDR", file.Redis.Addr),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", file.Redis.DB),
		PresenceTTL:      getEnvDuration("PRESENCE_TTL", parseDuration(file.Redis.PresenceTTL, 2*time.Minute)),
		PresenceInterval: getEnvDuration("PRESENCE_INTERVAL", parseDuration(file.Redis.PresenceInterval, 30*time.Second)),

		StaticDir:      getEnv("STATIC_DIR", or(file.Server.StaticDir, "./static")),
		IndexHTML:      getEnv("INDEX_HTML", or(file.Server.IndexHTML, "./static/index.html")),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", file.Server.AllowedOrigins),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return errors.New("server address cannot be empty")
	}
	if c.GeminiSetupTimeout <= 0 {
		return fmt.Errorf("gemini setup timeout must be positive, got %s", c.GeminiSetupTimeout)
	}
	if c.PresenceTTL <= c.PresenceInterval {
		return fmt.Errorf("presence ttl (%s) must exceed the refresh interval (%s)", c.PresenceTTL, c.PresenceInterval)
	}
	if len(c.Voices) > 0 {
		found := false
		for _, v := range c.Voices {
			if strings.EqualFold(v, c.DefaultVoice) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("default voice %q is not in the voice list", c.DefaultVoice)
		}
	}
	return nil
}

// UpstreamCredentialSet reports whether any Gemini credential is configured.
func (c *Config) UpstreamCredentialSet() bool {
	return c.GeminiAPIKey != "" || c.GeminiAccessToken != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// lookupEnv lets an explicitly empty variable clear a value set in the file.
func lookupEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return parseDuration(os.Getenv(key), defaultValue)
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func or(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func orList(value, fallback []string) []string {
	if len(value) > 0 {
		return value
	}
	return fallback
}
