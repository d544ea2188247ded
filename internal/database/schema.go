package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema lists the tables in creation order.  Unique keys carry the
// uniqueness rules the repositories rely on (username, email, token and the
// chat composite key); duplicate inserts fail with MySQL error 1062.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		username              VARCHAR(64)  NOT NULL,
		email                 VARCHAR(255) NOT NULL,
		password_hash         VARCHAR(255) NOT NULL,
		active_token          CHAR(64)     NULL,
		remaining_generations INT          NOT NULL DEFAULT 0,
		is_admin              BOOLEAN      NOT NULL DEFAULT FALSE,
		token_activated_at    DATETIME     NULL,
		token_deactivated_at  DATETIME     NULL,
		created_at            DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at            DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		PRIMARY KEY (username),
		UNIQUE KEY uq_users_email (email),
		KEY ix_users_active_token (active_token)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS access_tokens (
		token                 CHAR(64)    NOT NULL,
		total_generations     INT         NOT NULL,
		remaining_generations INT         NOT NULL,
		used                  BOOLEAN     NOT NULL DEFAULT FALSE,
		has_time_limit        BOOLEAN     NOT NULL DEFAULT FALSE,
		expires_at            DATETIME    NULL,
		created_at            DATETIME    NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_by            VARCHAR(64) NOT NULL,
		activated_at          DATETIME    NULL,
		activated_by          VARCHAR(64) NULL,
		PRIMARY KEY (token),
		KEY ix_access_tokens_expiry (has_time_limit, expires_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS chat_sessions (
		id         BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		username   VARCHAR(64)  NOT NULL,
		flow_id    VARCHAR(64)  NOT NULL,
		session_id VARCHAR(64)  NOT NULL,
		name       VARCHAR(128) NOT NULL,
		created_at DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		updated_at DATETIME(6)  NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
		PRIMARY KEY (id),
		UNIQUE KEY uq_chat_sessions (username, flow_id, session_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS chat_history (
		username   VARCHAR(64) NOT NULL,
		flow_id    VARCHAR(64) NOT NULL,
		session_id VARCHAR(64) NOT NULL,
		messages   MEDIUMTEXT  NOT NULL,
		updated_at DATETIME    NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		PRIMARY KEY (username, flow_id, session_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id         BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		username   VARCHAR(64) NOT NULL,
		token_hash CHAR(64)    NOT NULL,
		expires_at DATETIME    NOT NULL,
		revoked_at DATETIME    NULL,
		created_at DATETIME    NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		UNIQUE KEY uq_refresh_tokens_hash (token_hash),
		KEY ix_refresh_tokens_user (username)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// EnsureSchema creates any missing tables.  It is idempotent and safe to run
// on every start.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
