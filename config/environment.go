package config

import (
	"os"
	"strconv"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

const (
	// EnvironmentDevelopment exposes the canonical development environment
	// identifier. It can be used by callers outside the config package when
	// environment specific behaviour is required.
	EnvironmentDevelopment = environmentDevelopment
	// EnvironmentProduction exposes the canonical production environment
	// identifier.
	EnvironmentProduction = environmentProduction
	// EnvironmentStaging exposes the canonical staging environment
	// identifier.
	EnvironmentStaging = environmentStaging
)

var environmentAliases = map[string]string{
	"prod":        environmentProduction,
	"producation": environmentProduction,
	"stag":        environmentStaging,
	"stagging":    environmentStaging,
}

// getAppEnvironment reads the application environment from APP_ENV and
// defaults to development when no value is provided.
func getAppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// AppEnvironment exposes the current application environment as configured
// through the APP_ENV environment variable.
func AppEnvironment() string {
	return getAppEnvironment()
}

// IsProductionLike reports whether the provided environment should behave like
// a production deployment.
func IsProductionLike(env string) bool {
	switch env {
	case environmentProduction, environmentStaging:
		return true
	default:
		return false
	}
}

// applyEnvironment layers recognized environment variables over the parsed
// configuration file. File values survive when the variable is unset.
func applyEnvironment(c *Config) {
	if n, ok := envInt("WORKER_COUNT"); ok {
		c.Detector.Workers = n
	}
	if n, ok := envInt("MAX_CONNECTIONS"); ok {
		c.Source.Bingx.MaxSockets = n
		c.Source.Wallex.MaxSockets = n
		c.Source.Ramzinex.MaxSockets = n
		c.Source.Lbank.MaxSockets = n
	}

	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
		c.Redis.Enabled = true
	}
	if n, ok := envInt("REDIS_PORT"); ok {
		c.Redis.Port = n
	}
	if n, ok := envInt("REDIS_DB"); ok {
		c.Redis.DB = n
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	if v := os.Getenv("BINGX_API_KEY"); v != "" {
		c.Source.Bingx.APIKey = v
	}
	if v := os.Getenv("WALLEX_API_KEY"); v != "" {
		c.Source.Wallex.APIKey = v
	}
	if v := os.Getenv("RAMZINEX_API_KEY"); v != "" {
		c.Source.Ramzinex.APIKey = v
	}
	if v := os.Getenv("LBANK_API_KEY"); v != "" {
		c.Source.Lbank.APIKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
