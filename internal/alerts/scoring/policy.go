// Package scoring turns a subject's reports into a score and tier.
//
// Scoring is deterministic and order independent: each distinct reporter
// contributes the weight of their latest report's reason, the sum is divided by
// the normalization constant and capped at 1. Arithmetic uses decimals so tier
// boundaries are never missed by float rounding.
package scoring

import (
	"fmt"
	"iter"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"quickex/internal/alerts/models"
)

// Thresholds are closed lower bounds for each non-clean tier.
type Thresholds struct {
	Caution decimal.Decimal
	Warn    decimal.Decimal
	Block   decimal.Decimal
}

// Policy configures scoring.
type Policy struct {
	Weights       map[models.ReasonCode]decimal.Decimal
	Normalization decimal.Decimal
	Thresholds    Thresholds
	// BlockMinReporters caps a would-be block at warn when fewer distinct reporters contributed.
	BlockMinReporters int
}

func DefaultPolicy() Policy {
	return Policy{
		Weights: map[models.ReasonCode]decimal.Decimal{
			models.ReasonImpersonation: decimal.NewFromInt(1),
			models.ReasonPhishingLink:  decimal.NewFromInt(1),
			models.ReasonFakeRefund:    decimal.RequireFromString("0.8"),
			models.ReasonOther:         decimal.RequireFromString("0.4"),
		},
		Normalization: decimal.NewFromInt(5),
		Thresholds: Thresholds{
			Caution: decimal.RequireFromString("0.2"),
			Warn:    decimal.RequireFromString("0.5"),
			Block:   decimal.RequireFromString("0.8"),
		},
		BlockMinReporters: 2,
	}
}

// policyFile is the YAML shape. Omitted fields keep their defaults.
type policyFile struct {
	Weights       map[string]float64 `yaml:"weights"`
	Normalization *float64           `yaml:"normalization"`
	Thresholds    struct {
		Caution *float64 `yaml:"caution"`
		Warn    *float64 `yaml:"warn"`
		Block   *float64 `yaml:"block"`
	} `yaml:"thresholds"`
	BlockMinReporters *int `yaml:"block_min_reporters"`
}

// LoadPolicy reads a YAML policy file over the defaults and validates the result.
func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read scoring policy: %w", err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy decodes YAML policy bytes over the defaults. Unknown keys are rejected.
func ParsePolicy(raw []byte) (Policy, error) {
	var f policyFile
	if err := yaml.UnmarshalStrict(raw, &f); err != nil {
		return Policy{}, fmt.Errorf("decode scoring policy: %w", err)
	}

	p := DefaultPolicy()
	for name, w := range f.Weights {
		reason := models.ReasonCode(name)
		if !reason.IsValid() {
			return Policy{}, fmt.Errorf("scoring policy: unknown reason %q", name)
		}
		p.Weights[reason] = decimal.NewFromFloat(w)
	}
	if f.Normalization != nil {
		p.Normalization = decimal.NewFromFloat(*f.Normalization)
	}
	if f.Thresholds.Caution != nil {
		p.Thresholds.Caution = decimal.NewFromFloat(*f.Thresholds.Caution)
	}
	if f.Thresholds.Warn != nil {
		p.Thresholds.Warn = decimal.NewFromFloat(*f.Thresholds.Warn)
	}
	if f.Thresholds.Block != nil {
		p.Thresholds.Block = decimal.NewFromFloat(*f.Thresholds.Block)
	}
	if f.BlockMinReporters != nil {
		p.BlockMinReporters = *f.BlockMinReporters
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks weights are non-negative, normalization is positive and
// thresholds ascend strictly within (0, 1].
func (p Policy) Validate() error {
	for _, reason := range models.Reasons {
		w, ok := p.Weights[reason]
		if !ok {
			return fmt.Errorf("scoring policy: missing weight for %s", reason)
		}
		if w.IsNegative() {
			return fmt.Errorf("scoring policy: weight for %s must not be negative", reason)
		}
	}
	if !p.Normalization.IsPositive() {
		return fmt.Errorf("scoring policy: normalization must be positive")
	}
	one := decimal.NewFromInt(1)
	t := p.Thresholds
	if !t.Caution.IsPositive() || !t.Caution.LessThan(t.Warn) || !t.Warn.LessThan(t.Block) || t.Block.GreaterThan(one) {
		return fmt.Errorf("scoring policy: thresholds must satisfy 0 < caution < warn < block <= 1")
	}
	if p.BlockMinReporters < 1 {
		return fmt.Errorf("scoring policy: block_min_reporters must be at least 1")
	}
	return nil
}

// Result is the outcome of scoring one subject's reports.
type Result struct {
	Score        decimal.Decimal
	Tier         models.Tier
	ReportCount  int
	ReasonCounts map[models.ReasonCode]int
}

// Score consumes reports and scores them. Reports should arrive newest first;
// only the first report seen per reporter counts.
func (p Policy) Score(reports iter.Seq2[models.Report, error]) (Result, error) {
	seen := make(map[string]struct{})
	counts := make(map[models.ReasonCode]int)
	sum := decimal.Zero
	for r, err := range reports {
		if err != nil {
			return Result{}, err
		}
		if _, dup := seen[r.ReporterID]; dup {
			continue
		}
		seen[r.ReporterID] = struct{}{}
		counts[r.Reason]++
		sum = sum.Add(p.Weights[r.Reason])
	}

	score := sum.Div(p.Normalization)
	if one := decimal.NewFromInt(1); score.GreaterThan(one) {
		score = one
	}
	return Result{
		Score:        score,
		Tier:         p.TierFor(score, len(seen)),
		ReportCount:  len(seen),
		ReasonCounts: counts,
	}, nil
}

// TierFor maps a score and distinct reporter count to a tier. Zero reporters is always clean.
func (p Policy) TierFor(score decimal.Decimal, reporters int) models.Tier {
	t := p.Thresholds
	switch {
	case reporters == 0:
		return models.TierClean
	case score.GreaterThanOrEqual(t.Block):
		if reporters < p.BlockMinReporters {
			return models.TierWarn
		}
		return models.TierBlock
	case score.GreaterThanOrEqual(t.Warn):
		return models.TierWarn
	case score.GreaterThanOrEqual(t.Caution):
		return models.TierCaution
	default:
		return models.TierClean
	}
}
