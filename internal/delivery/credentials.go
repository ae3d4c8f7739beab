package delivery

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"riskguard/internal/platform"
)

// ConfigCredentials reads the recipient from configuration. When a sealed
// credentials file is configured it must unseal to a non-empty secret.
type ConfigCredentials struct {
	recipient string
	file      string
	host      platform.Capabilities
	logger    *slog.Logger
}

func NewConfigCredentials(recipient, file string, host platform.Capabilities, logger *slog.Logger) *ConfigCredentials {
	return &ConfigCredentials{recipient: strings.TrimSpace(recipient), file: file, host: host, logger: logger}
}

func (c *ConfigCredentials) Recipient() string { return c.recipient }

func (c *ConfigCredentials) Available(context.Context) bool {
	if c.file == "" {
		return true
	}
	if c.host == nil {
		c.warn("credentials file configured without a sealing host")
		return false
	}
	sealed, err := os.ReadFile(c.file)
	if err != nil {
		c.warn("credentials unreadable", "error", err)
		return false
	}
	secret, err := c.host.UnsealBytes(sealed)
	if err != nil {
		c.warn("credentials cannot be unsealed", "error", err)
		return false
	}
	return len(strings.TrimSpace(string(secret))) > 0
}

func (c *ConfigCredentials) warn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, append([]any{"file", c.file}, args...)...)
	}
}
