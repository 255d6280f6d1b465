package app

import (
	"strings"

	"github.com/charlesng35/unlockd/pkg/logger"
)

// ConfigureLogging initialises the global logger, defaulting to info level
// and JSON output. Development environments get console output.
func ConfigureLogging(cfg LoggingConfig, environment string) error {
	level := strings.TrimSpace(cfg.Level)
	if level == "" {
		level = "info"
	}
	env := strings.ToLower(strings.TrimSpace(environment))
	return logger.Init(logger.Config{
		Level:       level,
		Format:      strings.ToLower(strings.TrimSpace(cfg.Format)),
		Development: env == "development" || env == "dev",
	})
}
