package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"math/bits"
)

// Tree hashing follows RFC 6962: leaves and interior nodes carry distinct
// prefixes, and a tree of n leaves splits at the largest power of two below
// n. That shape is what lets Accumulator produce the same root online.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

func leafHash(leaf string) string {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write([]byte(leaf))
	return hex.EncodeToString(h.Sum(nil))
}

func nodeHash(left, right string) string {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write([]byte(left))
	h.Write([]byte(right))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot returns the root over leaves in the order given, or ""
// for no leaves.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	return subtreeRoot(leaves)
}

func subtreeRoot(leaves []string) string {
	if len(leaves) == 1 {
		return leafHash(leaves[0])
	}
	k := 1 << (bits.Len(uint(len(leaves)-1)) - 1)
	return nodeHash(subtreeRoot(leaves[:k]), subtreeRoot(leaves[k:]))
}

// Accumulator computes the same root as BuildMerkleRoot one leaf at a time,
// keeping O(log n) state. The zero value is an empty tree. It is not safe
// for concurrent use.
type Accumulator struct {
	// peaks are roots of perfect subtrees, largest first; peak i covers
	// 1<<sizes[i] leaves.
	peaks []string
	sizes []int
	n     int
}

// Add appends a leaf.
func (a *Accumulator) Add(leaf string) {
	a.peaks = append(a.peaks, leafHash(leaf))
	a.sizes = append(a.sizes, 0)
	a.n++
	for l := len(a.peaks); l >= 2 && a.sizes[l-1] == a.sizes[l-2]; l = len(a.peaks) {
		merged := nodeHash(a.peaks[l-2], a.peaks[l-1])
		a.peaks = append(a.peaks[:l-2], merged)
		a.sizes = append(a.sizes[:l-2], a.sizes[l-2]+1)
	}
}

// Len returns the number of leaves added.
func (a *Accumulator) Len() int { return a.n }

// Root returns the current root, or "" before the first Add.
func (a *Accumulator) Root() string {
	if len(a.peaks) == 0 {
		return ""
	}
	root := a.peaks[len(a.peaks)-1]
	for i := len(a.peaks) - 2; i >= 0; i-- {
		root = nodeHash(a.peaks[i], root)
	}
	return root
}
