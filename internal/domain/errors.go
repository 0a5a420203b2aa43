package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.

var (
	// Aggregation errors
	ErrNoContributions   = errors.New("no admissible contributions for round")
	ErrDimensionMismatch = errors.New("update vector dimension mismatch")
	ErrUnknownStrategy   = errors.New("unknown aggregation strategy")

	// Reputation errors
	ErrNodeNotRegistered = errors.New("node not registered")
	ErrNodeBanned        = errors.New("node is permanently banned")

	// Energy errors
	ErrEnergyRefused = errors.New("insufficient energy for operation")

	// Topology errors
	ErrUnknownZone      = errors.New("unknown zone")
	ErrBridgeRateCapped = errors.New("bridge rate cap reached for zone")
	ErrBridgeIneligible = errors.New("sender not eligible to bridge zones")

	// Wire errors
	ErrMalformedFrame = errors.New("malformed gossip frame")
	ErrBadSignature   = errors.New("frame signature verification failed")

	// Transport errors
	ErrUnknownPeer     = errors.New("unknown peer")
	ErrTransportClosed = errors.New("transport is closed")

	// Persistence errors
	ErrNoSnapshot      = errors.New("no valid snapshot available")
	ErrSnapshotCorrupt = errors.New("snapshot failed integrity check")
	ErrSummaryMismatch = errors.New("onboarding summary does not match configured dimension")

	// Codec errors
	ErrCodecUnavailable = errors.New("codec service is unreachable")
)
