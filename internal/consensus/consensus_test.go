package consensus

import (
	"math"
	"strings"
	"testing"

	"github.com/wallbounce/wallbounce/pkg/types"
)

func ok(id, content string, confidence float64, latency int64) types.ProviderResponse {
	return types.ProviderResponse{
		ProviderID:    id,
		Content:       content,
		Confidence:    confidence,
		LatencyMillis: latency,
	}
}

func failed(id string) types.ProviderResponse {
	return types.ProviderResponse{
		ProviderID: id,
		Err:        types.AdapterFault(types.ReasonTimeout, "timed out", nil),
	}
}

func approxEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// ── similarity ───────────────────────────────────────────────────────────────

func TestJaccard(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "the quick brown fox", "the quick brown fox", 1},
		{"disjoint", "alpha beta gamma", "delta epsilon zeta", 0},
		{"half overlap", "a b c d", "c d e f", 1.0 / 3},
		{"case insensitive", "Hello World", "hello world", 1},
		{"both empty", "", "", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jaccard(tokenize(tt.a), tokenize(tt.b)); !approxEqual(got, tt.want) {
				t.Fatalf("jaccard(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSimilarityShortResponsesUseBlend(t *testing.T) {
	t.Parallel()
	// Token-disjoint but near-identical strings: pure Jaccard would be 0.
	got := similarity("42.", "42")
	if got <= 0 {
		t.Fatalf("blend should rescue near-identical short answers, got %v", got)
	}

	long := strings.Repeat("completely different content here ", 5)
	if sim := similarity(long, strings.Repeat("other unrelated words now ", 5)); sim != 0 {
		t.Fatalf("long disjoint responses should score 0, got %v", sim)
	}
}

func TestSimilarityIsSymmetric(t *testing.T) {
	t.Parallel()
	a, b := "use a mutex around the map", "guard the map with a mutex"
	if similarity(a, b) != similarity(b, a) {
		t.Fatal("similarity must be symmetric")
	}
}

// ── evaluation ───────────────────────────────────────────────────────────────

func TestEvaluateWinnerByConfidence(t *testing.T) {
	t.Parallel()
	e := New(map[string]int{"p1": 1, "p2": 2, "p3": 3})

	c, err := e.Evaluate([]types.ProviderResponse{
		ok("p1", "the answer is forty two", 0.6, 100),
		ok("p2", "the answer is forty two", 0.9, 200),
		ok("p3", "the answer is forty two", 0.7, 50),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if c.WinnerProviderID != "p2" {
		t.Fatalf("winner = %s, want p2 (highest confidence)", c.WinnerProviderID)
	}

	// Identical content means perfect agreement: combined = (0.9 + 1.0)/2.
	if !approxEqual(c.Confidence, 0.95) {
		t.Fatalf("combined confidence = %v, want 0.95", c.Confidence)
	}
}

func TestEvaluateTieBreakOrder(t *testing.T) {
	t.Parallel()
	e := New(map[string]int{"fast": 2, "slow": 2})

	// Same confidence, same content (so same agreement): latency decides.
	c, err := e.Evaluate([]types.ProviderResponse{
		ok("slow", "same answer text here", 0.8, 500),
		ok("fast", "same answer text here", 0.8, 100),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if c.WinnerProviderID != "fast" {
		t.Fatalf("winner = %s, want fast (lower latency)", c.WinnerProviderID)
	}
}

func TestEvaluateTieBreakTierThenID(t *testing.T) {
	t.Parallel()
	e := New(map[string]int{"b-cheap": 1, "a-mid": 3})

	// Everything equal except tier: the cheaper tier wins.
	c, err := e.Evaluate([]types.ProviderResponse{
		ok("a-mid", "same answer", 0.8, 100),
		ok("b-cheap", "same answer", 0.8, 100),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if c.WinnerProviderID != "b-cheap" {
		t.Fatalf("winner = %s, want b-cheap (lower tier)", c.WinnerProviderID)
	}

	// Fully identical metadata: lexicographic id is the last resort.
	e2 := New(map[string]int{"aa": 2, "bb": 2})
	c2, err := e2.Evaluate([]types.ProviderResponse{
		ok("bb", "same answer", 0.8, 100),
		ok("aa", "same answer", 0.8, 100),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if c2.WinnerProviderID != "aa" {
		t.Fatalf("winner = %s, want aa (lexicographic)", c2.WinnerProviderID)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	t.Parallel()
	e := New(map[string]int{"p1": 1, "p2": 2})
	responses := []types.ProviderResponse{
		ok("p1", "answer variant one", 0.7, 100),
		ok("p2", "answer variant two", 0.7, 100),
	}

	first, err := e.Evaluate(responses)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := e.Evaluate(responses)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if again.WinnerProviderID != first.WinnerProviderID || again.Confidence != first.Confidence {
			t.Fatalf("nondeterministic result: %+v vs %+v", again, first)
		}
	}
}

func TestEvaluateErroredVotesIncludedButNeverWin(t *testing.T) {
	t.Parallel()
	e := New(map[string]int{"p1": 1, "p2": 2})

	c, err := e.Evaluate([]types.ProviderResponse{
		ok("p1", "an actual answer", 0.3, 100),
		failed("p2"),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if c.WinnerProviderID != "p1" {
		t.Fatalf("winner = %s, want p1", c.WinnerProviderID)
	}
	if len(c.Votes) != 2 {
		t.Fatalf("votes = %d, want 2 (errored vote retained)", len(c.Votes))
	}
	for _, v := range c.Votes {
		if !v.Response.OK() && v.AgreementScore != 0 {
			t.Fatalf("errored vote agreement = %v, want 0", v.AgreementScore)
		}
	}
	if !strings.Contains(c.Reasoning, "errored") {
		t.Fatalf("reasoning should mention errored providers: %q", c.Reasoning)
	}
}

func TestEvaluateAllErroredFails(t *testing.T) {
	t.Parallel()
	e := New(nil)
	_, err := e.Evaluate([]types.ProviderResponse{failed("p1"), failed("p2")})
	f, ok := types.AsFault(err)
	if !ok || f.Kind != types.FaultInsufficientProviders {
		t.Fatalf("want insufficient_providers, got %v", err)
	}
}

func TestEvaluateSingleSuccessfulVote(t *testing.T) {
	t.Parallel()
	e := New(map[string]int{"p1": 1})
	c, err := e.Evaluate([]types.ProviderResponse{
		ok("p1", "only answer standing", 0.8, 100),
		failed("p2"),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// No peers to disagree with: agreement 1, combined = (0.8+1)/2.
	if !approxEqual(c.Confidence, 0.9) {
		t.Fatalf("combined confidence = %v, want 0.9", c.Confidence)
	}
}

// ── quality tiers ────────────────────────────────────────────────────────────

func TestQualityTiers(t *testing.T) {
	t.Parallel()
	e := New(nil)

	t.Run("high", func(t *testing.T) {
		c, err := e.Evaluate([]types.ProviderResponse{
			ok("p1", "identical answer text", 0.9, 100),
			ok("p2", "identical answer text", 0.85, 100),
		})
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if c.QualityTier != types.QualityHigh {
			t.Fatalf("tier = %s, want high", c.QualityTier)
		}
	})

	t.Run("medium", func(t *testing.T) {
		c, err := e.Evaluate([]types.ProviderResponse{
			ok("p1", "identical answer text", 0.7, 100),
			ok("p2", "identical answer text", 0.65, 100),
		})
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if c.QualityTier != types.QualityMedium {
			t.Fatalf("tier = %s, want medium", c.QualityTier)
		}
	})

	t.Run("low", func(t *testing.T) {
		c, err := e.Evaluate([]types.ProviderResponse{
			ok("p1", "one answer entirely", 0.4, 100),
			ok("p2", "different text altogether instead", 0.5, 100),
		})
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if c.QualityTier != types.QualityLow {
			t.Fatalf("tier = %s, want low", c.QualityTier)
		}
	})
}

// ── statistics helpers ───────────────────────────────────────────────────────

func TestVariance(t *testing.T) {
	t.Parallel()
	if got := variance([]float64{1, 1, 1}); got != 0 {
		t.Fatalf("variance of constants = %v, want 0", got)
	}
	if got := variance([]float64{0, 1}); !approxEqual(got, 0.25) {
		t.Fatalf("variance([0,1]) = %v, want 0.25", got)
	}
	if got := variance(nil); got != 0 {
		t.Fatalf("variance(nil) = %v, want 0", got)
	}
}
