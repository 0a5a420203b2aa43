package aggregate

import (
	"sort"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// Drifts returns each contribution's RMS distance from the consensus.
func Drifts(in []Weighted, consensus domain.Vector) map[string]domain.Fixed {
	out := make(map[string]domain.Fixed, len(in))
	for _, w := range in {
		if len(w.Vector) != len(consensus) {
			out[w.NodeID] = domain.MaxFixed
			continue
		}
		out[w.NodeID] = w.Vector.RMSDistance(consensus)
	}
	return out
}

// MeanDrift is the average of the drifts, summed in node-id order.
func MeanDrift(drifts map[string]domain.Fixed) domain.Fixed {
	if len(drifts) == 0 {
		return 0
	}
	keys := make([]string, 0, len(drifts))
	for k := range drifts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sum int64
	for _, k := range keys {
		sum += int64(drifts[k])
	}
	return domain.WideToFixed(sum / int64(len(keys)))
}
