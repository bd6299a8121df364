// Package devicestore is the bridge's read-only view of device records:
// given an endpoint-id, look up the EchoKit URL template it is bound to.
// The only write path is the idempotent auto-provision insert for
// endpoints that arrive on the identified-accept path without a
// canonical identifier (§6). Grounded on call-initiator.go's
// pgxpool.Pool-backed SQL style (insertCallSession / getCallSessionBySID).
package devicestore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDeviceNotFound is returned when no device row exists for the given
// endpoint-id (§6 failure mode: "not-found (refuse chat)").
var ErrDeviceNotFound = errors.New("devicestore: device not found")

// ErrNoURLTemplate is returned when a device row exists but its URL
// template column is NULL (§6 failure mode: "NULL template (refuse
// chat)").
var ErrNoURLTemplate = errors.New("devicestore: device has no URL template")

// DefaultURLTemplate is inserted for auto-provisioned devices (§6). A
// real deployment is expected to override this per-device afterward
// through the out-of-scope admin CRUD surface.
const DefaultURLTemplate = "wss://echokit.local/ws/{device_id}"

// Store is the bridge's device→URL-template lookup, backed by the
// relational store §1 calls out as an external collaborator.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// EchoKitURLForDevice returns the raw URL template (still containing the
// literal "{device_id}" placeholder) configured for deviceID. Callers
// that need the substituted URL use internal/pool's ResolveURL, which
// calls this and then substitutes.
func (s *Store) EchoKitURLForDevice(ctx context.Context, deviceID string) (string, error) {
	var template *string
	err := s.db.QueryRow(ctx,
		`SELECT echokit_url_template FROM devices WHERE id = $1`,
		deviceID,
	).Scan(&template)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		return "", fmt.Errorf("devicestore: query failed for device %s: %w", deviceID, err)
	}
	if template == nil || *template == "" {
		return "", fmt.Errorf("%w: %s", ErrNoURLTemplate, deviceID)
	}
	return *template, nil
}

// DigestVisitorID reduces an arbitrary visitor-fingerprint string to a
// stable 128-bit hex identifier, for endpoints that arrive on the
// identified-accept path without a canonical device-id (§6 "Auto-
// provision of unknown endpoints"). Grounded on
// session_service.rs::ensure_device_exists's md5-digest approach.
func DigestVisitorID(raw string) string {
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// EnsureDevice idempotently inserts a device row for deviceID if one
// does not already exist, with a default display name and the default
// URL template, so identified-accept endpoints are usable without
// out-of-band registration. The insert is a no-op on conflict, matching
// the original's "ON CONFLICT (id) DO NOTHING" idempotency.
func (s *Store) EnsureDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO devices (id, display_name, echokit_url_template, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		deviceID, "Auto-provisioned device", DefaultURLTemplate, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("devicestore: failed to auto-provision device %s: %w", deviceID, err)
	}
	return nil
}
