// Package codec is the boundary to the payload compressor. The swarm core
// treats its output as opaque bytes; prediction models live behind it.
package codec

import (
	"context"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// Codec is re-exported so callers only import this package.
type Codec = domain.Codec

// Identity passes payloads through unchanged.
type Identity struct{}

// Encode returns a copy of payload.
func (Identity) Encode(ctx context.Context, payload []byte, _ string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]byte(nil), payload...), nil
}

// Decode returns a copy of payload.
func (Identity) Decode(ctx context.Context, payload []byte, _ string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]byte(nil), payload...), nil
}
