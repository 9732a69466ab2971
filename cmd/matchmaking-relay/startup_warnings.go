package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/matchmaking-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnections <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_connections_unlimited_in_prod",
			"max_connections", cfg.MaxConnections,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is 0 (no inbound rate limit) while --mode=prod",
			"warning_code", "signaling_rate_limit_disabled_in_prod",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	// Tokens signed with a per-process secret stop verifying after a restart
	// and differ across replicas.
	if cfg.VerifyEnabled && cfg.VerifyTokenSecretEphemeral && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: VERIFY_TOKEN_SECRET is unset; verification tokens use an ephemeral per-process secret",
			"warning_code", "verify_token_secret_ephemeral",
			"mode", cfg.Mode,
		)
	}
}
