package core

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"RiskCore/internal/hierarchy"
)

const GenesisHashSeed = "RiskCore:runs:genesis:v1"

// RunHasher chains the digests of published runs of one tenant:
// hash[N] = SHA-256(prev_hash || as_of || result_digest). Two runs over the
// same snapshot have the same ResultDigest, so replaying history yields the
// same chain.
type RunHasher struct {
	mu       sync.Mutex
	prevHash [32]byte
}

func NewRunHasher() *RunHasher {
	return &RunHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// Chain extends the chain with res and returns the new tip.
func (h *RunHasher) Chain(res *RunResult) [32]byte {
	digest := ResultDigest(res)

	h.mu.Lock()
	defer h.mu.Unlock()
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(res.AsOf.UnixNano()))
	hasher.Write(ts[:])
	hasher.Write(digest[:])

	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	h.prevHash = out
	return out
}

// Tip returns current chain tip
func (h *RunHasher) Tip() [32]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.prevHash
}

// ResultDigest hashes the computed content of a run: exposures, findings
// and metric values, in canonical order. Run ids and wall-clock stamps are
// excluded.
func ResultDigest(res *RunResult) [32]byte {
	h := sha256.New()
	str := func(s string) {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	f64 := func(v float64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
		h.Write(b[:])
	}

	str(string(res.Node))
	nodes := make([]hierarchy.NodeID, 0, len(res.Exposures))
	for id := range res.Exposures {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	for _, id := range nodes {
		exp := res.Exposures[id]
		str(string(id))
		str(exp.NetMarketValue.String())
		str(exp.GrossMarketValue.String())
		for _, se := range exp.Securities {
			str(se.Security.String())
			str(se.NetQuantity.String())
			str(se.GrossQuantity.String())
			str(se.NetMarketValue.String())
		}
		for _, m := range res.Metrics[id] {
			str(m.Kind.String())
			f64(m.Value)
			f64(m.StressedValue)
		}
	}
	for _, f := range res.Findings {
		str(f.Key())
		f64(f.OffsetRatio)
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Reset continues the chain from a persisted tip.
func (h *RunHasher) Reset(tip [32]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prevHash = tip
}
