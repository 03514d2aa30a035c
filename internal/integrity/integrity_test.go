package integrity

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testContent() TurnContent {
	return TurnContent{
		TraceID:          uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		ConversationID:   uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		UserContent:      "what are your office hours?",
		AssistantContent: "We're open 9-5 on weekdays.",
		FinalState:       "finalized",
		Decision:         "answer",
		CreatedAt:        time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
	}
}

func TestComputeContentHash_Deterministic(t *testing.T) {
	c := testContent()

	h1 := ComputeContentHash(c)
	h2 := ComputeContentHash(c)

	if h1 != h2 {
		t.Fatalf("hash not deterministic: %q != %q", h1, h2)
	}
	if !strings.HasPrefix(h1, "v2:") {
		t.Fatalf("expected v2 prefix, got %q", h1)
	}
	if len(h1) != len("v2:")+64 {
		t.Fatalf("expected prefixed 64-char hex SHA-256, got %d chars", len(h1))
	}
}

func TestComputeContentHash_DifferentInputs(t *testing.T) {
	c1 := testContent()
	c2 := testContent()
	c2.AssistantContent = "We're open 24/7."

	if ComputeContentHash(c1) == ComputeContentHash(c2) {
		t.Fatal("different assistant content should produce different hashes")
	}
}

func TestComputeContentHash_NoDelimiterCollision(t *testing.T) {
	// Length-prefixed encoding must distinguish field boundaries even when
	// content could be re-split at a different point.
	c1 := testContent()
	c1.UserContent = "ab"
	c1.AssistantContent = "c"

	c2 := testContent()
	c2.UserContent = "a"
	c2.AssistantContent = "bc"

	if ComputeContentHash(c1) == ComputeContentHash(c2) {
		t.Fatal("shifted field boundaries should produce different hashes")
	}
}

func TestVerifyContentHash(t *testing.T) {
	c := testContent()
	hash := ComputeContentHash(c)

	if !VerifyContentHash(hash, c) {
		t.Fatal("verification should succeed for matching content")
	}

	tampered := c
	tampered.AssistantContent = "We never close."
	if VerifyContentHash(hash, tampered) {
		t.Fatal("verification should fail for altered content")
	}

	if VerifyContentHash("tampered_hash", c) {
		t.Fatal("verification should fail for a hash with no version prefix")
	}

	if VerifyContentHash("v9:"+hash, c) {
		t.Fatal("verification should fail for an unknown version prefix")
	}
}

func TestBuildMerkleRoot(t *testing.T) {
	t.Run("degenerate inputs", func(t *testing.T) {
		if root := BuildMerkleRoot(nil); root != "" {
			t.Fatalf("nil leaves: got %q, want empty root", root)
		}
		if root := BuildMerkleRoot([]string{"abc123"}); root != "abc123" {
			t.Fatalf("single leaf is its own root: got %q", root)
		}
	})

	// Even and odd leaf counts (the odd case pairs the trailing node with
	// itself) both fold to a 64-char hex root, stable across calls.
	for name, leaves := range map[string][]string{
		"even": {"hash_a", "hash_b", "hash_c", "hash_d"},
		"odd":  {"x", "y", "z"},
	} {
		t.Run(name+" leaf count", func(t *testing.T) {
			root := BuildMerkleRoot(leaves)
			if len(root) != 64 {
				t.Fatalf("want 64-char hex root, got %d chars", len(root))
			}
			if again := BuildMerkleRoot(leaves); again != root {
				t.Fatalf("root unstable: %q != %q", root, again)
			}
		})
	}

	t.Run("leaf order is significant", func(t *testing.T) {
		if BuildMerkleRoot([]string{"a", "b", "c"}) == BuildMerkleRoot([]string{"b", "a", "c"}) {
			t.Fatal("reordered leaves must change the root")
		}
	})
}
