// Package consensus scores agreement between provider responses and selects
// a winner.
//
// Agreement is symmetric text similarity: each successful response is scored
// against every other successful response and carries the mean as its
// agreement score. Errored responses stay in the vote list with agreement 0
// so callers can see exactly who failed, but they never win.
//
// Winner selection is a total order, so the same votes always produce the
// same winner: self-confidence first, then agreement, then latency, then
// provider tier, then provider id.
package consensus

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wallbounce/wallbounce/pkg/types"
)

// Quality tier thresholds over mean self-confidence and agreement variance.
const (
	highConfidence   = 0.8
	highMaxVariance  = 0.2
	mediumConfidence = 0.6
	mediumMaxVar     = 0.4
)

// Engine evaluates votes. It is stateless apart from the tier table and safe
// for concurrent use.
type Engine struct {
	tiers map[string]int
}

// New creates an Engine. tiers maps provider id to tier for tie-breaking;
// unknown providers rank last.
func New(tiers map[string]int) *Engine {
	copied := make(map[string]int, len(tiers))
	for id, tier := range tiers {
		copied[id] = tier
	}
	return &Engine{tiers: copied}
}

// Evaluate scores the responses and returns the consensus. At least one
// response must be successful; the dispatcher enforces the minProviders floor
// before calling.
func (e *Engine) Evaluate(responses []types.ProviderResponse) (types.Consensus, error) {
	successful := make([]int, 0, len(responses))
	for i, r := range responses {
		if r.OK() {
			successful = append(successful, i)
		}
	}
	if len(successful) == 0 {
		return types.Consensus{}, types.InsufficientProviders(0, 1)
	}

	votes := make([]types.Vote, len(responses))
	for i, r := range responses {
		votes[i] = types.Vote{Response: r}
	}

	// Mean pairwise agreement across the successful votes. A lone successful
	// vote has no peers to disagree with and scores 1.
	for _, i := range successful {
		if len(successful) == 1 {
			votes[i].AgreementScore = 1
			continue
		}
		var sum float64
		for _, j := range successful {
			if i == j {
				continue
			}
			sum += similarity(responses[i].Content, responses[j].Content)
		}
		votes[i].AgreementScore = sum / float64(len(successful)-1)
	}

	winner := e.selectWinner(votes, successful)
	w := votes[winner]

	meanAgreement := mean(agreements(votes, successful))
	combined := (w.Response.Confidence + meanAgreement) / 2

	c := types.Consensus{
		WinnerProviderID: w.Response.ProviderID,
		Content:          w.Response.Content,
		Confidence:       combined,
		Votes:            votes,
		QualityTier:      e.quality(votes, successful),
	}
	c.Reasoning = e.reasoning(w, len(successful), len(responses), meanAgreement)
	return c, nil
}

// selectWinner applies the total order over the successful votes.
func (e *Engine) selectWinner(votes []types.Vote, successful []int) int {
	idx := make([]int, len(successful))
	copy(idx, successful)

	sort.Slice(idx, func(a, b int) bool {
		va, vb := votes[idx[a]], votes[idx[b]]
		if va.Response.Confidence != vb.Response.Confidence {
			return va.Response.Confidence > vb.Response.Confidence
		}
		if va.AgreementScore != vb.AgreementScore {
			return va.AgreementScore > vb.AgreementScore
		}
		if va.Response.LatencyMillis != vb.Response.LatencyMillis {
			return va.Response.LatencyMillis < vb.Response.LatencyMillis
		}
		ta, tb := e.tierOf(va.Response.ProviderID), e.tierOf(vb.Response.ProviderID)
		if ta != tb {
			return ta < tb
		}
		return va.Response.ProviderID < vb.Response.ProviderID
	})
	return idx[0]
}

// tierOf looks up a provider tier; unknown providers rank after everything.
func (e *Engine) tierOf(providerID string) int {
	if tier, ok := e.tiers[providerID]; ok {
		return tier
	}
	return 1 << 10
}

// quality grades the result from the successful votes' self-confidence and
// the spread of their agreement scores.
func (e *Engine) quality(votes []types.Vote, successful []int) types.QualityTier {
	confidences := make([]float64, 0, len(successful))
	for _, i := range successful {
		confidences = append(confidences, votes[i].Response.Confidence)
	}
	meanConf := mean(confidences)
	agreeVar := variance(agreements(votes, successful))

	switch {
	case meanConf > highConfidence && agreeVar < highMaxVariance:
		return types.QualityHigh
	case meanConf > mediumConfidence && agreeVar < mediumMaxVar:
		return types.QualityMedium
	default:
		return types.QualityLow
	}
}

// reasoning renders the stable human-readable selection summary.
func (e *Engine) reasoning(w types.Vote, successful, total int, meanAgreement float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "selected %s (confidence %.2f, agreement %.2f) from %d/%d successful responses; mean agreement %.2f",
		w.Response.ProviderID, w.Response.Confidence, w.AgreementScore, successful, total, meanAgreement)
	if failed := total - successful; failed > 0 {
		fmt.Fprintf(&b, "; %d provider(s) errored", failed)
	}
	return b.String()
}

func agreements(votes []types.Vote, successful []int) []float64 {
	out := make([]float64, 0, len(successful))
	for _, i := range successful {
		out = append(out, votes[i].AgreementScore)
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// variance is the population variance.
func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}
