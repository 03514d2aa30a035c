// Package integrity computes the content hashes and Merkle roots that make
// stored turn traces tamper-evident. Everything here is pure and
// deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Hash version prefix. The version is carried in the stored hash so the
// encoding can evolve without invalidating existing traces.
const hashV2Prefix = "v2:"

// TurnContent holds the canonical fields bound by a trace content hash.
// Any mutation of the persisted turn after the fact changes the recomputed
// hash and is detectable.
type TurnContent struct {
	TraceID          uuid.UUID
	ConversationID   uuid.UUID
	UserContent      string
	AssistantContent string
	FinalState       string
	Decision         string
	CreatedAt        time.Time
}

// ComputeContentHash produces a versioned SHA-256 hex digest from the
// canonical turn fields, using length-prefixed binary encoding.
func ComputeContentHash(c TurnContent) string {
	return hashV2Prefix + computeV2Hash(c)
}

// VerifyContentHash recomputes the hash and compares it to the stored one.
// An unknown version prefix never verifies.
func VerifyContentHash(stored string, c TurnContent) bool {
	if !strings.HasPrefix(stored, hashV2Prefix) {
		return false
	}
	return stored == hashV2Prefix+computeV2Hash(c)
}

// computeV2Hash hashes each field as a 4-byte big-endian length followed by
// the field bytes. Freeform text can then contain anything without colliding
// across field boundaries.
func computeV2Hash(c TurnContent) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by the request body limit
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(c.TraceID.String())
	writeField(c.ConversationID.String())
	writeField(c.UserContent)
	writeField(c.AssistantContent)
	writeField(c.FinalState)
	writeField(c.Decision)
	writeField(c.CreatedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// hashPair returns hex(SHA-256(0x01 || a || b)). The 0x01 byte separates the
// internal-node domain from leaf hashes, RFC 6962 style.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot folds leaf hashes into a Merkle root. Callers sort the
// leaves lexicographically first so the root is deterministic. An empty input
// yields "", a single leaf is its own root, and a node left without a sibling
// is paired with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) <= 1 {
		if len(leaves) == 0 {
			return ""
		}
		return leaves[0]
	}

	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level)-1; i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			last := level[len(level)-1]
			next = append(next, hashPair(last, last))
		}
		level = next
	}
	return level[0]
}
