package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var (
	// ErrMissingSecret means an integration has no usable HMAC secret.
	ErrMissingSecret = errors.New("webhook secret not configured")
	// ErrMissingDatabaseURL means database.url (or DATABASE_URL) is unset.
	ErrMissingDatabaseURL = errors.New("database url not configured")
)

// Load reads, merges, verifies and validates configuration.
// configPath may be a file or a directory holding config.yaml. A .env file
// next to the config is loaded first without overriding the environment.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	if err := loadDotEnv(filepath.Dir(absPath)); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = make(map[string]*yaml.Node)
	recordSource(cfg, absPath)

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	paths := make([]string, 0, len(visited))
	for p := range visited {
		paths = append(paths, p)
	}
	if err := verifyChecksums(paths); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Files returns the config file and every file it includes, for `config lock`.
func Files(configPath string) ([]string, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = make(map[string]*yaml.Node)
	visited := map[string]bool{absPath: true}
	if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}
	files := make([]string, 0, len(visited))
	for p := range visited {
		files = append(files, p)
	}
	return files, nil
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func loadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func recordSource(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err == nil {
		cfg.SourceFiles[path] = &node
	}
}

// loadIncludes loads and merges files from the include array, depth first.
// visited tracks loaded files to reject cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(includePath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true
		recordSource(cfg, absPath)

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		mergeConfig(cfg, included)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile parses a single file after ${VAR} interpolation. Defaults
// are not applied here.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// mergeConfig merges src into dst. Non-zero scalars in src win; integrations
// and API tokens append; tokens merge by name.
func mergeConfig(dst, src *Config) {
	setString(&dst.Service.Name, src.Service.Name)
	setString(&dst.Service.LogLevel, src.Service.LogLevel)
	setString(&dst.Service.LogFormat, src.Service.LogFormat)
	setString(&dst.Service.LockPath, src.Service.LockPath)
	if src.Service.AllowMissingSecrets {
		dst.Service.AllowMissingSecrets = true
	}

	if src.Database != (DatabaseConfig{}) {
		dst.Database = src.Database
	}
	if src.Audit != (AuditConfig{}) {
		dst.Audit = src.Audit
	}
	if src.Replay != (ReplayConfig{}) {
		dst.Replay = src.Replay
	}
	if src.Email != (EmailConfig{}) {
		dst.Email = src.Email
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	setString(&dst.API.Listen, src.API.Listen)
	setString(&dst.API.Auth.APIKey, src.API.Auth.APIKey)
	dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)

	if src.Webhooks != nil {
		if dst.Webhooks == nil {
			dst.Webhooks = &WebhooksConfig{}
		}
		setString(&dst.Webhooks.Listen, src.Webhooks.Listen)
		dst.Webhooks.Integrations = append(dst.Webhooks.Integrations, src.Webhooks.Integrations...)
	}

	if len(src.Tokens) > 0 {
		if dst.Tokens == nil {
			dst.Tokens = make(map[string]string)
		}
		for k, v := range src.Tokens {
			dst.Tokens[k] = v
		}
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func applyEnvOverrides(cfg *Config) {
	if url, ok := os.LookupEnv("DATABASE_URL"); ok && url != "" {
		cfg.Database.URL = url
	}
}

// applyConfigDefaults fills in values not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	d := Defaults()

	setDefault(&cfg.Service.Name, d.Service.Name)
	setDefault(&cfg.Service.LogLevel, d.Service.LogLevel)
	setDefault(&cfg.Service.LogFormat, d.Service.LogFormat)
	setDefault(&cfg.Service.LockPath, d.Service.LockPath)

	db := &cfg.Database
	if db.Max == 0 {
		db.Max = d.Database.Max
	}
	if db.Min == 0 {
		db.Min = d.Database.Min
	}
	if db.Min > db.Max {
		db.Min = db.Max
	}
	if db.IdleTimeout == 0 {
		db.IdleTimeout = d.Database.IdleTimeout
	}
	if db.ConnectionTimeout == 0 {
		db.ConnectionTimeout = d.Database.ConnectionTimeout
	}
	if db.ShutdownTimeout == 0 {
		db.ShutdownTimeout = d.Database.ShutdownTimeout
	}
	if db.SlowQuery == 0 {
		db.SlowQuery = d.Database.SlowQuery
	}
	if db.VerySlowQuery == 0 {
		db.VerySlowQuery = d.Database.VerySlowQuery
	}

	setDefault(&cfg.Audit.Sink, d.Audit.Sink)
	setDefault(&cfg.Audit.Path, d.Audit.Path)
	if cfg.Audit.Buffer == 0 {
		cfg.Audit.Buffer = d.Audit.Buffer
	}

	if cfg.Replay.Window == 0 {
		cfg.Replay.Window = d.Replay.Window
	}

	setDefault(&cfg.API.Listen, d.API.Listen)

	if cfg.Webhooks != nil {
		setDefault(&cfg.Webhooks.Listen, "127.0.0.1:8081")
		for i := range cfg.Webhooks.Integrations {
			ic := &cfg.Webhooks.Integrations[i]
			setDefault(&ic.Handler, HandlerAck)
			if ic.Window == 0 {
				ic.Window = cfg.Replay.Window
			}
		}
	}

	if cfg.Tokens == nil {
		cfg.Tokens = make(map[string]string)
	}
	return cfg
}

func setDefault(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// unresolved returns the first ${VAR} left in s.
func unresolved(s string) (string, bool) {
	m := envVarPattern.FindStringSubmatch(s)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// ResolveSecret returns the HMAC secret for an integration. secret_ref takes
// precedence over secret. An empty or unresolved secret wraps ErrMissingSecret.
func (c *Config) ResolveSecret(ic IntegrationConfig) (string, error) {
	secret := ic.Secret
	if ic.SecretRef != "" {
		v, ok := c.Tokens[ic.SecretRef]
		if !ok {
			return "", fmt.Errorf("secret_ref %q not found in tokens: %w", ic.SecretRef, ErrMissingSecret)
		}
		secret = v
	}
	if name, ok := unresolved(secret); ok {
		return "", fmt.Errorf("environment variable ${%s} is not set: %w", name, ErrMissingSecret)
	}
	if strings.TrimSpace(secret) == "" {
		return "", ErrMissingSecret
	}
	return secret, nil
}
