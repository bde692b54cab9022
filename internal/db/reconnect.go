package db

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/unklstewy/tptool/pkg/config"
)

// ReconnectWithRetry attempts to reconnect to the database with exponential backoff.
//
// Parameters:
//   - cfg: Database configuration
//   - maxRetries: Maximum number of reconnection attempts (0 = infinite)
//   - initialDelay: Initial wait time between retries
//   - logger: Destination for progress messages (nil = log.Default())
//
// Returns: Connected database or error if all retries exhausted
func ReconnectWithRetry(cfg config.DatabaseConfig, maxRetries int, initialDelay time.Duration, logger *log.Logger) (*DB, error) {
	logger = orDefault(logger)
	delay := initialDelay
	attempt := 0

	for {
		attempt++
		logger.Printf("Database connection attempt %d...", attempt)

		db, err := Connect(cfg)
		if err == nil {
			logger.Println("Database reconnected")
			return db, nil
		}

		if maxRetries > 0 && attempt >= maxRetries {
			logger.Printf("Failed to reconnect after %d attempts", attempt)
			return nil, err
		}

		logger.Printf("Connection failed: %v (retry in %v)", err, delay)
		time.Sleep(delay)

		// Exponential backoff with cap at 60 seconds
		delay *= 2
		if delay > 60*time.Second {
			delay = 60 * time.Second
		}
	}
}

// EnsureConnection checks if the database connection is alive and reconnects if needed.
// Reconnection makes up to three attempts, starting retryDelay apart.
//
// Returns: Active database connection (either original or new) and error
func EnsureConnection(db *DB, cfg config.DatabaseConfig, retryDelay time.Duration, logger *log.Logger) (*DB, error) {
	logger = orDefault(logger)
	if db == nil {
		logger.Println("Database connection is nil, attempting to reconnect...")
		return ReconnectWithRetry(cfg, 3, retryDelay, logger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Printf("Database connection lost: %v", err)
		db.Close()
		return ReconnectWithRetry(cfg, 3, retryDelay, logger)
	}

	return db, nil
}

// WithRetry executes a database operation, retrying it when it fails with a
// connection error.
//
// Parameters:
//   - operation: Function to execute that may fail due to connection issues
//   - maxRetries: Maximum number of retry attempts
//   - backoff: Wait before the first retry, growing linearly
//   - logger: Destination for retry messages (nil = log.Default())
//
// Returns: Error from operation or nil on success
func WithRetry(operation func() error, maxRetries int, backoff time.Duration, logger *log.Logger) error {
	logger = orDefault(logger)
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsConnectionError(err) {
			return err
		}

		if attempt < maxRetries {
			wait := time.Duration(attempt+1) * backoff
			logger.Printf("Database operation failed (attempt %d/%d): %v (retry in %v)",
				attempt+1, maxRetries+1, err, wait)
			time.Sleep(wait)
		}
	}

	return lastErr
}

func orDefault(logger *log.Logger) *log.Logger {
	if logger == nil {
		return log.Default()
	}
	return logger
}

var connErrors = []string{
	"connection refused",
	"broken pipe",
	"no connection",
	"connection reset",
	"bad connection",
	"database is closed",
	"eof",
	"timeout",
}

// IsConnectionError reports whether err looks like a lost connection rather
// than a bad statement.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range connErrors {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
