package network

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"strconv"
)

// linkKey identifies a directed link for RNG-stream lookup purposes.
type linkKey struct {
	src string
	dst string
}

// linkRNGPool hands out a deterministic, independent RNG stream per
// configured link plus one fallback stream for unconfigured links, the way
// the teacher's PartitionedRNG hands out one *rand.Rand per named subsystem
// (sim/rng.go). Where PartitionedRNG derives a subsystem's seed by XORing an
// FNV-1a hash of its name into the master seed, spec §4.1 mandates SHA-256
// of "src_dst_seed" (and "default_seed" for the fallback stream) truncated
// to 64 bits — so the derivation here is spec-exact rather than the
// teacher's FNV scheme, but the pool shape (map of cached *rand.Rand,
// reset-to-origin) is the same pattern. Unlike PartitionedRNG, every stream
// is built eagerly when the pool is constructed or reset.
//
// Not thread-safe: intended for single-goroutine use within one
// LatencyNetworkModel, matching the teacher's PartitionedRNG contract.
type linkRNGPool struct {
	seed     int64
	streams  map[linkKey]*rand.Rand
	fallback *rand.Rand
	keyOrder []linkKey // insertion order, for deterministic Reset rebuild
}

func newLinkRNGPool(seed int64, links []linkKey) *linkRNGPool {
	p := &linkRNGPool{seed: seed}
	p.rebuild(links)
	return p
}

func (p *linkRNGPool) rebuild(links []linkKey) {
	p.streams = make(map[linkKey]*rand.Rand, len(links))
	p.keyOrder = append([]linkKey(nil), links...)
	for _, k := range links {
		p.streams[k] = rand.New(rand.NewSource(derivedSeed(k.src+"_"+k.dst, p.seed)))
	}
	p.fallback = rand.New(rand.NewSource(derivedSeed("default", p.seed)))
}

// forLink returns the stream for (src, dst), or the fallback stream if no
// link was configured for that pair.
func (p *linkRNGPool) forLink(src, dst string) *rand.Rand {
	if rng, ok := p.streams[linkKey{src: src, dst: dst}]; ok {
		return rng
	}
	return p.fallback
}

// reset restores every stream to its original seeded state, reproducing the
// exact sequence a fresh pool with the same seed and link set would produce.
func (p *linkRNGPool) reset() {
	p.rebuild(p.keyOrder)
}

// derivedSeed computes H(linkID || "_" || seed) truncated to 64 bits, per
// spec §4.1. H is SHA-256. The fallback stream uses linkID "default".
func derivedSeed(linkID string, seed int64) int64 {
	h := sha256.Sum256([]byte(linkID + "_" + strconv.FormatInt(seed, 10)))
	return int64(binary.BigEndian.Uint64(h[:8]))
}
