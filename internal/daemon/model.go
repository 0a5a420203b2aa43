package daemon

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// FileModel reads the local update from a text file of numbers separated
// by commas or whitespace. The sensing process that owns the file rewrites
// it between rounds; a missing file means the node has nothing to add.
type FileModel struct {
	Path string
}

// Update implements node.LocalModel.
func (m FileModel) Update(_ context.Context, _ uint64, weights domain.Vector) (domain.Vector, error) {
	b, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, fmt.Errorf("read update: %w", err)
	}
	v, err := ParseVector(string(b))
	if err != nil {
		return nil, err
	}
	if len(v) != len(weights) {
		return nil, fmt.Errorf("update has %d values, want %d: %w", len(v), len(weights), domain.ErrDimensionMismatch)
	}
	return v, nil
}

// ParseVector reads "0.1, 0.2 0.3" into a vector.
func ParseVector(s string) (domain.Vector, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty vector")
	}
	vals := make([]float64, len(fields))
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		vals[i] = x
	}
	return domain.VectorFromFloats(vals), nil
}

// WriteVector stores v where a FileModel will pick it up.
func WriteVector(path string, v domain.Vector) error {
	parts := make([]string, len(v))
	for i, x := range v.Floats() {
		parts[i] = strconv.FormatFloat(x, 'f', -1, 64)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(parts, ",")+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
