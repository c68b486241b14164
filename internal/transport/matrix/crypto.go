// ABOUTME: End-to-end encryption setup for the Matrix client using the mautrix crypto helper
// ABOUTME: Keeps the olm store in SQLite under the data directory and resets it on device changes

package matrix

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// Crypto owns the encryption state of a Client.
type Crypto struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// EnableCrypto turns on E2EE for c. The recovery key, when set, verifies the
// device for cross-signing; failure to verify is logged, not fatal.
func EnableCrypto(ctx context.Context, c *Client, recoveryKey, dataDir string) (*Crypto, error) {
	logger := c.logger
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	userSlug := slugify(c.userID.String())
	dbPath := filepath.Join(dataDir, fmt.Sprintf("matrix-crypto-%s.db", userSlug))
	logger.Info("setting up encryption", "db", dbPath)

	if stale, err := deviceChanged(dbPath, c.matrix.DeviceID.String()); err != nil {
		logger.Debug("could not check device ID", "error", err)
	} else if stale {
		logger.Warn("device ID changed, resetting crypto database")
		if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing old crypto database: %w", err)
		}
		_ = os.Remove(dbPath + "-wal")
		_ = os.Remove(dbPath + "-shm")
	}

	helper, err := cryptohelper.NewCryptoHelper(c.matrix, storeKey(c.userID.String()), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	c.matrix.Crypto = helper

	if recoveryKey != "" {
		if machine := helper.Machine(); machine == nil {
			logger.Warn("crypto machine not initialized, skipping recovery key")
		} else if err := machine.VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
			logger.Warn("failed to verify with recovery key", "error", err)
		} else {
			logger.Info("device verified with recovery key")
		}
	}

	return &Crypto{helper: helper, logger: logger}, nil
}

// Close releases the crypto store.
func (cr *Crypto) Close() error {
	if cr == nil || cr.helper == nil {
		return nil
	}
	return cr.helper.Close()
}

// slugify converts a Matrix user ID to a filesystem-safe string.
// Example: @duck:matrix.org -> duck_matrix.org
func slugify(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_' {
			result = append(result, c)
		} else if c == ':' {
			result = append(result, '_')
		}
	}
	return string(result)
}

// storeKey derives a per-user pickle key for the crypto store.
func storeKey(userID string) []byte {
	h := sha256.Sum256([]byte("rubber-duck-crypto:" + userID))
	return h[:]
}

// deviceChanged reports whether an existing crypto store belongs to a
// different device than currentDeviceID.
func deviceChanged(dbPath, currentDeviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored != currentDeviceID, nil
}
