package scoring

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quickex/internal/alerts/models"
)

func reportsOf(rs ...models.Report) iter.Seq2[models.Report, error] {
	return func(yield func(models.Report, error) bool) {
		for _, r := range rs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func report(reporter string, reason models.ReasonCode) models.Report {
	return models.Report{ReporterID: reporter, Reason: reason, CreatedAt: time.Unix(0, 0)}
}

func distinct(n int, reason models.ReasonCode) []models.Report {
	out := make([]models.Report, 0, n)
	for i := range n {
		out = append(out, report(fmt.Sprintf("reporter-%d", i), reason))
	}
	return out
}

func TestScore(t *testing.T) {
	p := DefaultPolicy()

	t.Run("no reports is clean", func(t *testing.T) {
		res, err := p.Score(reportsOf())
		require.NoError(t, err)
		assert.True(t, res.Score.IsZero())
		assert.Equal(t, models.TierClean, res.Tier)
	})

	t.Run("three impersonation reports is warn at 0.6", func(t *testing.T) {
		res, err := p.Score(reportsOf(distinct(3, models.ReasonImpersonation)...))
		require.NoError(t, err)
		assert.True(t, res.Score.Equal(decimal.RequireFromString("0.6")), res.Score.String())
		assert.Equal(t, models.TierWarn, res.Tier)
		assert.Equal(t, 3, res.ReportCount)
		assert.Equal(t, 3, res.ReasonCounts[models.ReasonImpersonation])
	})

	t.Run("four impersonation reports reach block exactly", func(t *testing.T) {
		res, err := p.Score(reportsOf(distinct(4, models.ReasonImpersonation)...))
		require.NoError(t, err)
		assert.True(t, res.Score.Equal(decimal.RequireFromString("0.8")))
		assert.Equal(t, models.TierBlock, res.Tier)
	})

	t.Run("score is capped at one", func(t *testing.T) {
		res, err := p.Score(reportsOf(distinct(9, models.ReasonPhishingLink)...))
		require.NoError(t, err)
		assert.True(t, res.Score.Equal(decimal.NewFromInt(1)))
	})

	t.Run("only the first report per reporter counts", func(t *testing.T) {
		res, err := p.Score(reportsOf(
			report("r1", models.ReasonOther),
			report("r1", models.ReasonImpersonation),
		))
		require.NoError(t, err)
		assert.Equal(t, 1, res.ReportCount)
		assert.True(t, res.Score.Equal(decimal.RequireFromString("0.08")))
	})

	t.Run("mixed reasons are exact", func(t *testing.T) {
		// 1.0 + 0.8 + 0.4 + 0.8 = 3.0 -> 0.6
		res, err := p.Score(reportsOf(
			report("a", models.ReasonImpersonation),
			report("b", models.ReasonFakeRefund),
			report("c", models.ReasonOther),
			report("d", models.ReasonFakeRefund),
		))
		require.NoError(t, err)
		assert.True(t, res.Score.Equal(decimal.RequireFromString("0.6")))
	})

	t.Run("order does not matter", func(t *testing.T) {
		rs := []models.Report{
			report("a", models.ReasonImpersonation),
			report("b", models.ReasonFakeRefund),
			report("c", models.ReasonOther),
		}
		forward, err := p.Score(reportsOf(rs...))
		require.NoError(t, err)
		slices.Reverse(rs)
		backward, err := p.Score(reportsOf(rs...))
		require.NoError(t, err)
		assert.True(t, forward.Score.Equal(backward.Score))
	})
}

func TestScoreIsMonotonic(t *testing.T) {
	p := DefaultPolicy()
	prevScore := decimal.Zero
	prevTier := models.TierClean
	for n := 1; n <= 8; n++ {
		res, err := p.Score(reportsOf(distinct(n, models.ReasonImpersonation)...))
		require.NoError(t, err)
		assert.True(t, res.Score.GreaterThanOrEqual(prevScore), "n=%d", n)
		assert.GreaterOrEqual(t, res.Tier.Severity(), prevTier.Severity(), "n=%d", n)
		prevScore, prevTier = res.Score, res.Tier
	}
}

func TestTierFor(t *testing.T) {
	p := DefaultPolicy()
	cases := []struct {
		score     string
		reporters int
		want      models.Tier
	}{
		{"0", 0, models.TierClean},
		{"0.9", 0, models.TierClean},
		{"0.19", 3, models.TierClean},
		{"0.2", 1, models.TierCaution},
		{"0.5", 3, models.TierWarn},
		{"0.8", 3, models.TierBlock},
		{"0.8", 1, models.TierWarn},
		{"1", 2, models.TierBlock},
	}
	for _, tc := range cases {
		got := p.TierFor(decimal.RequireFromString(tc.score), tc.reporters)
		assert.Equal(t, tc.want, got, "score=%s reporters=%d", tc.score, tc.reporters)
	}
}

func TestParsePolicy(t *testing.T) {
	t.Run("overrides selected fields", func(t *testing.T) {
		p, err := ParsePolicy([]byte(`
weights:
  other: 0.1
normalization: 4
block_min_reporters: 3
`))
		require.NoError(t, err)
		assert.True(t, p.Weights[models.ReasonOther].Equal(decimal.RequireFromString("0.1")))
		assert.True(t, p.Weights[models.ReasonImpersonation].Equal(decimal.NewFromInt(1)))
		assert.True(t, p.Normalization.Equal(decimal.NewFromInt(4)))
		assert.Equal(t, 3, p.BlockMinReporters)
	})

	for name, raw := range map[string]string{
		"unknown reason":       "weights:\n  spam: 1\n",
		"negative weight":      "weights:\n  other: -1\n",
		"zero normalization":   "normalization: 0\n",
		"unordered thresholds": "thresholds:\n  warn: 0.9\n",
		"unknown key":          "bogus: true\n",
	} {
		t.Run("rejects "+name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(raw))
			assert.Error(t, err)
		})
	}

	t.Run("loads from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte("thresholds:\n  block: 0.9\n"), 0o600))
		p, err := LoadPolicy(path)
		require.NoError(t, err)
		assert.True(t, p.Thresholds.Block.Equal(decimal.RequireFromString("0.9")))
	})
}

func TestShippedPolicyMatchesDefaults(t *testing.T) {
	p, err := LoadPolicy(filepath.Join("..", "..", "..", "configs", "scoring-policy.yaml"))
	require.NoError(t, err)

	def := DefaultPolicy()
	for reason, w := range def.Weights {
		assert.True(t, w.Equal(p.Weights[reason]), "weight for %s", reason)
	}
	assert.True(t, def.Normalization.Equal(p.Normalization))
	assert.True(t, def.Thresholds.Caution.Equal(p.Thresholds.Caution))
	assert.True(t, def.Thresholds.Warn.Equal(p.Thresholds.Warn))
	assert.True(t, def.Thresholds.Block.Equal(p.Thresholds.Block))
	assert.Equal(t, def.BlockMinReporters, p.BlockMinReporters)
}
