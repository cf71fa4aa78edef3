// Package config loads server configuration from defaults, a YAML file,
// environment variables, and CLI flags, in increasing precedence.
package config

// Config holds all runtime configuration options.
type Config struct {
	// Notebook is the notebook file to serve or run.
	Notebook string `koanf:"notebook"`

	// Host is the address the HTTP server binds to.
	Host string `koanf:"host"`

	// Port is the HTTP server port.
	Port int `koanf:"port"`

	// LogLevel is the minimum slog level (debug|info|warn|error).
	LogLevel string `koanf:"log_level"`

	// Verbose enables debug logging regardless of LogLevel.
	Verbose bool `koanf:"verbose"`

	// Watch reloads the notebook definition when the file changes on disk.
	Watch bool `koanf:"watch"`

	// TokenFile overrides where the session token is persisted. Empty means
	// the default location under the user config directory.
	TokenFile string `koanf:"token_file"`
}

// Default configuration values.
const (
	DefaultHost     = "127.0.0.1"
	DefaultPort     = 7400
	DefaultLogLevel = "info"
)
