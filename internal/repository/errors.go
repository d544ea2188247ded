// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as
// services and handlers to distinguish between different failure
// scenarios without knowing about the MySQL driver.  For example,
// ErrUsernameExists signals a unique key violation on users.username,
// while ErrStoreUnavailable means the database kept failing at the
// connection level after every retry.
package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/genchat/internal/retry"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrUsernameExists is returned when users.username is already taken.
var ErrUsernameExists = errors.New("username already exists")

// ErrEmailExists is returned when users.email is already taken.
var ErrEmailExists = errors.New("email already exists")

// ErrTokenExists is returned when an access token value collides.
var ErrTokenExists = errors.New("token already exists")

// ErrSessionExists is returned when a chat session id is reused.
var ErrSessionExists = errors.New("session already exists")

// ErrStoreUnavailable wraps connection-level failures that survived every
// retry.  Handlers should translate this into an HTTP 503 response.
var ErrStoreUnavailable = errors.New("store unavailable")

// MySQL server error numbers the repositories care about.
const (
	errDupEntry        = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// isDuplicate reports a unique key violation.
func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errDupEntry
}

// duplicateKey returns the key name from "Duplicate entry 'x' for key 'k'".
func duplicateKey(err error) string {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return ""
	}
	i := strings.LastIndex(me.Message, "for key ")
	if i < 0 {
		return ""
	}
	return strings.Trim(me.Message[i+len("for key "):], "'`")
}

// isTransient reports failures where trying again may succeed: dropped
// connections, network errors, lock wait timeouts and deadlocks.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == errLockWaitTimeout || me.Number == errDeadlock
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// run executes fn under the retry policy.  A transient failure that outlives
// the policy is reported as ErrStoreUnavailable.
func run(ctx context.Context, p retry.Policy, fn func(ctx context.Context) error) error {
	err := p.Do(ctx, isTransient, fn)
	if err != nil && isTransient(err) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

// inTx runs fn inside a transaction under the retry policy.  The whole
// transaction is retried, never a single statement of it.
func inTx(ctx context.Context, db *sql.DB, p retry.Policy, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return run(ctx, p, func(ctx context.Context) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// notFound maps sql.ErrNoRows to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// placeholders returns "?,?,?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
