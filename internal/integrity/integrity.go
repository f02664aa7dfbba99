// Package integrity provides tamper-evident hashing for stored patterns and
// Merkle roots over a pattern's history. All functions are pure and
// deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// hashPrefix versions the pattern hash encoding.
const hashPrefix = "p1:"

// ComputePatternHash produces a versioned SHA-256 hex digest over the canonical
// fields of a pattern row. payload must be the encoded envelope as stored.
func ComputePatternHash(tenantID uuid.UUID, patternType string, payload []byte, sampleSize int, confidence float64, computedAt time.Time) string {
	h := sha256.New()
	writeField := func(b []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b))) //nolint:gosec // payloads are bounded documents
		h.Write(lenBuf[:])
		h.Write(b)
	}
	writeField([]byte(tenantID.String()))
	writeField([]byte(patternType))
	writeField(payload)
	writeField([]byte(strconv.Itoa(sampleSize)))
	writeField([]byte(strconv.FormatFloat(confidence, 'g', -1, 64)))
	writeField([]byte(computedAt.UTC().Format(time.RFC3339Nano)))
	return hashPrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyPatternHash checks a stored hash against the recomputed one.
func VerifyPatternHash(stored string, tenantID uuid.UUID, patternType string, payload []byte, sampleSize int, confidence float64, computedAt time.Time) bool {
	if !strings.HasPrefix(stored, hashPrefix) {
		return false
	}
	return stored == ComputePatternHash(tenantID, patternType, payload, sampleSize, confidence, computedAt)
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix separates internal nodes from leaves (RFC 6962).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot returns the Merkle root of leaves, in the order given.
// Empty input yields "", a single leaf is its own root, and odd levels hash
// the last node with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
