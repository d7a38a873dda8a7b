// Package config loads server configuration with koanf.
//
// LOAD ORDER (later wins):
//  1. Built-in defaults (Defaults below)
//  2. An optional YAML file (-config flag, TASKLIST_CONFIG, or ./config.yaml)
//  3. Environment variables prefixed TASKLIST_
//
// ENV VAR NAMES:
// Strip the prefix, lower-case, split on "_" and match each segment against
// the known keys ignoring case:
//
//	TASKLIST_HTTP_PORT        → http.port
//	TASKLIST_AUTH_JWTSECRET   → auth.jwtSecret
//	TASKLIST_GOOGLE_CLIENTID  → google.clientId
package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const (
	// EnvPrefix marks the environment variables that override the config.
	EnvPrefix = "TASKLIST_"

	// EnvConfigPath names the YAML file when no -config flag is given.
	EnvConfigPath = EnvPrefix + "CONFIG"

	defaultConfigFile = "config.yaml"
	minSecretLength   = 16
)

type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Database DatabaseConfig `koanf:"database"`
	Auth     AuthConfig     `koanf:"auth"`
	Google   GoogleConfig   `koanf:"google"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"readTimeout"`
	WriteTimeout    time.Duration `koanf:"writeTimeout"`
	IdleTimeout     time.Duration `koanf:"idleTimeout"`
	ShutdownTimeout time.Duration `koanf:"shutdownTimeout"`
}

type DatabaseConfig struct {
	// Path is the SQLite file, or ":memory:".
	Path string `koanf:"path"`
}

// AuthConfig covers session tokens, password hashing and the session cookie.
type AuthConfig struct {
	JWTSecret    string        `koanf:"jwtSecret"`
	SessionTTL   time.Duration `koanf:"sessionTTL"`
	BcryptCost   int           `koanf:"bcryptCost"`
	CookieSecure bool          `koanf:"cookieSecure"`
}

// GoogleConfig is the OAuth client registration. Google sign-in is offered
// only when both ClientID and ClientSecret are set.
type GoogleConfig struct {
	ClientID     string `koanf:"clientId"`
	ClientSecret string `koanf:"clientSecret"`
	RedirectURL  string `koanf:"redirectUrl"`
}

// Enabled reports whether Google sign-in is configured.
func (g GoogleConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret != ""
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug | info | warn | error
	Format string `koanf:"format"` // text | json
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() map[string]any {
	return map[string]any{
		"http.port":            8080,
		"http.readTimeout":     15 * time.Second,
		"http.writeTimeout":    15 * time.Second,
		"http.idleTimeout":     60 * time.Second,
		"http.shutdownTimeout": 30 * time.Second,
		"database.path":        "data/tasklist.db",
		"auth.jwtSecret":       "",
		"auth.sessionTTL":      24 * time.Hour,
		"auth.bcryptCost":      12,
		"auth.cookieSecure":    false,
		"google.clientId":      "",
		"google.clientSecret":  "",
		"google.redirectUrl":   "http://localhost:8080/auth/callback/google",
		"log.level":            "info",
		"log.format":           "text",
		"metrics.enabled":      true,
	}
}

// Load builds the configuration. path may be empty; then TASKLIST_CONFIG is
// consulted, then ./config.yaml if it exists. An explicitly named file that
// does not exist is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range Defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, errors.Wrapf(err, "set default %s", key)
		}
	}

	configFile, err := resolveConfigFile(path)
	if err != nil {
		return nil, err
	}
	if configFile != "" {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configFile)
		}
	}

	existing := k.Raw()
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, EnvPrefix)
			if key == "" || key == strings.TrimPrefix(EnvConfigPath, EnvPrefix) {
				return "", nil
			}
			return canonicalizeEnvKey(key, existing), value
		},
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load env variables failed")
	}

	cfg := new(Config)
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
			MatchName: func(mapKey, fieldName string) bool {
				return strings.EqualFold(mapKey, fieldName)
			},
		},
	}); err != nil {
		return nil, errors.Wrap(err, "unmarshal config failed")
	}

	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return errors.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("http.shutdownTimeout must be positive")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path is required")
	}
	if len(c.Auth.JWTSecret) < minSecretLength {
		return errors.Errorf("auth.jwtSecret must be at least %d characters (set %sAUTH_JWTSECRET)",
			minSecretLength, EnvPrefix)
	}
	if c.Auth.SessionTTL <= 0 {
		return errors.New("auth.sessionTTL must be positive")
	}
	if (c.Google.ClientID == "") != (c.Google.ClientSecret == "") {
		return errors.New("google.clientId and google.clientSecret must be set together")
	}
	if c.Google.Enabled() && c.Google.RedirectURL == "" {
		return errors.New("google.redirectUrl is required when Google sign-in is enabled")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// SlogLevel returns the configured log level. Call Validate first; an
// unknown level falls back to Info.
func (l LogConfig) SlogLevel() slog.Level {
	level, err := parseLevel(l.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewLogger builds the process logger: a text handler by default, JSON when
// log.format is "json".
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, errors.Errorf("log.level must be debug, info, warn or error, got %q", s)
	}
	return level, nil
}

func resolveConfigFile(path string) (string, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", errors.Wrapf(err, "config file %s", path)
		}
		return path, nil
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile, nil
	}
	return "", nil
}

// canonicalizeEnvKey turns AUTH_JWTSECRET into auth.jwtSecret by matching
// each segment against the keys already loaded. Unknown segments are kept
// lower-case.
func canonicalizeEnvKey(rawKey string, existing map[string]any) string {
	segments := strings.Split(strings.ToLower(rawKey), "_")
	canonical := make([]string, 0, len(segments))
	current := existing

	for _, segment := range segments {
		if segment == "" {
			continue
		}

		if matched, next, ok := findExistingSegment(current, segment); ok {
			canonical = append(canonical, matched)
			current = next
		} else {
			canonical = append(canonical, segment)
			current = nil
		}
	}

	return strings.Join(canonical, ".")
}

func findExistingSegment(current map[string]any, segment string) (matched string, next map[string]any, ok bool) {
	if len(current) == 0 {
		return "", nil, false
	}

	needle := normalizeToken(segment)
	for key, value := range current {
		if normalizeToken(key) != needle {
			continue
		}

		child, _ := value.(map[string]any)
		return key, child, true
	}

	return "", nil, false
}

func normalizeToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
