package audit

import (
	"context"
	"fmt"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// RecomputeFunc reproduces the update a node should have produced in round.
type RecomputeFunc func(ctx context.Context, nodeID string, round uint64) (domain.Vector, error)

// RecomputeVerifier passes an update when it lies within Tolerance (RMS) of
// an independent recomputation.
type RecomputeVerifier struct {
	Recompute RecomputeFunc
	Tolerance domain.Fixed
}

// Verify implements domain.Verifier.
func (v RecomputeVerifier) Verify(ctx context.Context, nodeID string, round uint64, update domain.Vector) (bool, error) {
	want, err := v.Recompute(ctx, nodeID, round)
	if err != nil {
		return false, fmt.Errorf("recompute %s: %w", nodeID, err)
	}
	if len(want) != len(update) {
		return false, nil
	}
	return update.RMSDistance(want) <= v.Tolerance, nil
}

// VerifierFunc adapts a function to domain.Verifier.
type VerifierFunc func(ctx context.Context, nodeID string, round uint64, update domain.Vector) (bool, error)

// Verify implements domain.Verifier.
func (f VerifierFunc) Verify(ctx context.Context, nodeID string, round uint64, update domain.Vector) (bool, error) {
	return f(ctx, nodeID, round, update)
}
