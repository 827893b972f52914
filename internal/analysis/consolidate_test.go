package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/in-the-loop-labs/pair-review/internal/domain"
)

func line(n int) *int { return &n }

func voiced(voice, file string, start int, typ domain.SuggestionType, conf float64) domain.Suggestion {
	return domain.Suggestion{
		ID: voice + "-" + file, Voice: voice, File: file,
		LineStart: line(start), LineEnd: line(start),
		Type: typ, Title: "finding", Confidence: conf,
	}
}

func TestApplyAgreementBoost(t *testing.T) {
	a := voiced("a", "x.go", 10, domain.SuggestionBug, 0.6)
	b := voiced("b", "x.go", 10, domain.SuggestionBug, 0.5)
	c := voiced("c", "x.go", 10, domain.SuggestionBug, 0.7)
	lone := voiced("a", "y.go", 3, domain.SuggestionImprovement, 0.4)

	index := measureAgreement([][]domain.Suggestion{{a, lone}, {b}, {c}})

	merged := []domain.Suggestion{
		voiced("consolidation", "x.go", 10, domain.SuggestionBug, 0.7),
		voiced("consolidation", "y.go", 3, domain.SuggestionImprovement, 0.4),
	}
	boosted := applyAgreementBoost(merged, index)

	// Three agreeing voices add 0.2; a single voice is unchanged.
	assert.InDelta(t, 0.9, boosted[0].Confidence, 1e-9)
	assert.InDelta(t, 0.4, boosted[1].Confidence, 1e-9)
}

func TestApplyAgreementBoost_TwoVoices(t *testing.T) {
	a := voiced("a", "x.go", 10, domain.SuggestionBug, 0.6)
	b := voiced("b", "x.go", 10, domain.SuggestionBug, 0.6)

	index := measureAgreement([][]domain.Suggestion{{a}, {b}})
	boosted := applyAgreementBoost([]domain.Suggestion{voiced("m", "x.go", 10, domain.SuggestionBug, 0.6)}, index)
	assert.InDelta(t, 0.7, boosted[0].Confidence, 1e-9)
}

func TestApplyAgreementBoost_Contradiction(t *testing.T) {
	bug := voiced("a", "x.go", 10, domain.SuggestionBug, 0.8)
	praise := voiced("b", "x.go", 10, domain.SuggestionPraise, 0.5)

	index := measureAgreement([][]domain.Suggestion{{bug}, {praise}})
	boosted := applyAgreementBoost([]domain.Suggestion{voiced("m", "x.go", 10, domain.SuggestionBug, 0.8)}, index)

	// Contradicted findings pin to the minimum confidence less 0.1.
	assert.InDelta(t, 0.4, boosted[0].Confidence, 1e-9)
}

func TestApplyAgreementBoost_CapsAtOne(t *testing.T) {
	voices := [][]domain.Suggestion{
		{voiced("a", "x.go", 10, domain.SuggestionBug, 0.95)},
		{voiced("b", "x.go", 10, domain.SuggestionBug, 0.95)},
		{voiced("c", "x.go", 10, domain.SuggestionBug, 0.95)},
	}
	index := measureAgreement(voices)
	boosted := applyAgreementBoost([]domain.Suggestion{voiced("m", "x.go", 10, domain.SuggestionBug, 0.95)}, index)
	assert.Equal(t, 1.0, boosted[0].Confidence)
}

const orderingDiff = `diff --git a/zebra.go b/zebra.go
index 1111111..2222222 100644
--- a/zebra.go
+++ b/zebra.go
@@ -1,1 +1,2 @@
 package zebra
+// touched
diff --git a/alpha.go b/alpha.go
index 3333333..4444444 100644
--- a/alpha.go
+++ b/alpha.go
@@ -1,1 +1,2 @@
 package alpha
+// touched
`

func TestOrderFinal(t *testing.T) {
	fileLevel := domain.Suggestion{ID: "fl", File: "alpha.go", IsFileLevel: true, Title: "b", Confidence: 0.2}
	early := voiced("v2", "alpha.go", 3, domain.SuggestionBug, 0.5)
	late := voiced("v1", "alpha.go", 9, domain.SuggestionBug, 0.9)
	zebra := voiced("v1", "zebra.go", 1, domain.SuggestionBug, 0.9)
	outside := voiced("v1", "not-in-diff.go", 1, domain.SuggestionBug, 0.9)

	got := orderFinal([]domain.Suggestion{outside, late, zebra, early, fileLevel}, orderingDiff)

	// Diff order puts zebra.go first; file-level sorts before lines;
	// files outside the diff sort last.
	ids := make([]string, len(got))
	for i, s := range got {
		ids[i] = s.File + "/" + s.ID
	}
	assert.Equal(t, []string{
		"zebra.go/v1-zebra.go",
		"alpha.go/fl",
		"alpha.go/v2-alpha.go",
		"alpha.go/v1-alpha.go",
		"not-in-diff.go/v1-not-in-diff.go",
	}, ids)
}

func TestOrderFinal_TieBreaks(t *testing.T) {
	a := voiced("v1", "x.go", 5, domain.SuggestionBug, 0.5)
	a.Title = "beta"
	b := voiced("v1", "x.go", 5, domain.SuggestionBug, 0.5)
	b.ID = "other"
	b.Title = "alpha"
	c := voiced("v0", "x.go", 5, domain.SuggestionBug, 0.5)
	d := voiced("v2", "x.go", 5, domain.SuggestionBug, 0.8)

	got := orderFinal([]domain.Suggestion{a, b, c, d}, "")

	// Confidence first, then voice id, then title.
	assert.Equal(t, 0.8, got[0].Confidence)
	assert.Equal(t, "v0", got[1].Voice)
	assert.Equal(t, "alpha", got[2].Title)
	assert.Equal(t, "beta", got[3].Title)
}

func TestDedupeByLocation(t *testing.T) {
	low := voiced("a", "x.go", 10, domain.SuggestionBug, 0.3)
	high := voiced("b", "x.go", 10, domain.SuggestionBug, 0.9)
	other := voiced("a", "x.go", 20, domain.SuggestionBug, 0.5)

	got := dedupeByLocation([]domain.Suggestion{low, high, other})
	assert.Len(t, got, 2)
	assert.Equal(t, 0.9, got[0].Confidence)
}
