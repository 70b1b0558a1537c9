// Package quality evaluates configured data-quality rules against a batch
// before it is committed to its destination zone. Blocking violations send
// the batch to quarantine; warning violations are recorded on the run and
// the batch commits anyway.
package quality

import (
	"fmt"
	"math"

	"github.com/baanu007/aws-serverless-etl/pkg/config"
	"github.com/baanu007/aws-serverless-etl/pkg/errors"
	"github.com/baanu007/aws-serverless-etl/pkg/models"
)

// Severity of a rule violation.
const (
	SeverityBlocking = "blocking"
	SeverityWarning  = "warning"
)

// Violation is one failed rule with a human-readable reason.
type Violation struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s [%s]: %s", v.Rule, v.Severity, v.Reason)
}

// Decision is the gate's verdict on a batch. Every configured rule is
// evaluated even after a blocking failure so the decision lists all
// violations at once.
type Decision struct {
	Violations []Violation `json:"violations"`
}

// Blocking reports whether any violation quarantines the batch.
func (d Decision) Blocking() bool {
	for _, v := range d.Violations {
		if v.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

// Warnings returns the warning-severity violations as strings.
func (d Decision) Warnings() []string {
	var out []string
	for _, v := range d.Violations {
		if v.Severity == SeverityWarning {
			out = append(out, v.String())
		}
	}
	return out
}

// Gate evaluates a fixed rule list in declaration order.
type Gate struct {
	rules []config.QualityRule
}

func NewGate(rules []config.QualityRule) *Gate {
	return &Gate{rules: rules}
}

// Evaluate checks every rule against the batch. prior is the immediately
// preceding committed batch for the same stage, or nil when there is none;
// only row_count_delta_pct consults it. Evaluation is pure: the same batch
// and prior always yield the same decision.
func (g *Gate) Evaluate(batch *models.Batch, prior *models.Batch) (Decision, error) {
	var d Decision
	for _, rule := range g.rules {
		reason, err := evaluateRule(rule, batch, prior)
		if err != nil {
			return Decision{}, err
		}
		if reason != "" {
			d.Violations = append(d.Violations, Violation{
				Rule:     rule.Name,
				Severity: rule.Severity,
				Reason:   reason,
			})
		}
	}
	return d, nil
}

// evaluateRule returns a non-empty reason when the rule fails.
func evaluateRule(rule config.QualityRule, batch, prior *models.Batch) (string, error) {
	switch rule.Predicate {
	case "no_null_field":
		nulls := 0
		for _, rec := range batch.Records {
			if v, ok := rec.Data[rule.Field]; !ok || v == nil {
				nulls++
			}
		}
		if nulls > 0 {
			return fmt.Sprintf("%d of %d records have null %q", nulls, len(batch.Records), rule.Field), nil
		}
	case "row_count_min":
		if n := len(batch.Records); float64(n) < rule.Threshold {
			return fmt.Sprintf("row count %d below minimum %g", n, rule.Threshold), nil
		}
	case "row_count_max":
		if n := len(batch.Records); float64(n) > rule.Threshold {
			return fmt.Sprintf("row count %d above maximum %g", n, rule.Threshold), nil
		}
	case "row_count_delta_pct":
		if prior == nil || len(prior.Records) == 0 {
			return "", nil
		}
		cur, prev := float64(len(batch.Records)), float64(len(prior.Records))
		delta := math.Abs(cur-prev) / prev * 100
		if delta > rule.Threshold {
			return fmt.Sprintf("row count moved %.1f%% against previous batch (%d vs %d), limit %g%%",
				delta, len(batch.Records), len(prior.Records), rule.Threshold), nil
		}
	case "field_in_set":
		allowed := make(map[string]struct{}, len(rule.Allowed))
		for _, v := range rule.Allowed {
			allowed[v] = struct{}{}
		}
		bad := 0
		for _, rec := range batch.Records {
			v, ok := rec.Data[rule.Field]
			if !ok || v == nil {
				continue
			}
			if _, in := allowed[fmt.Sprint(v)]; !in {
				bad++
			}
		}
		if bad > 0 {
			return fmt.Sprintf("%d records have %q outside the allowed set", bad, rule.Field), nil
		}
	case "unique_field":
		seen := make(map[string]struct{}, len(batch.Records))
		dups := 0
		for _, rec := range batch.Records {
			v, ok := rec.Data[rule.Field]
			if !ok || v == nil {
				continue
			}
			key := fmt.Sprint(v)
			if _, dup := seen[key]; dup {
				dups++
				continue
			}
			seen[key] = struct{}{}
		}
		if dups > 0 {
			return fmt.Sprintf("%d duplicate values of %q", dups, rule.Field), nil
		}
	default:
		// config validation rejects unknown predicates; reaching here means
		// the gate was built from an unvalidated config
		return "", errors.Newf(errors.ErrorTypeConfig, "unknown quality predicate %q", rule.Predicate)
	}
	return "", nil
}
