package collaborator

import (
	"context"
	"fmt"
	"strings"

	"github.com/driftline/exceptionflow/internal/exception"
)

// ClassificationRule maps exception attributes to a triage classification.
// Zero-valued match fields are wildcards.
type ClassificationRule struct {
	Domain         string
	ExceptionType  string
	MinSeverity    exception.Severity
	Classification string
	Confidence     float64
	PlaybookHint   string
}

func (r ClassificationRule) matches(exc exception.Exception) bool {
	if r.Domain != "" && r.Domain != exc.Domain {
		return false
	}
	if r.ExceptionType != "" && r.ExceptionType != exc.Type {
		return false
	}
	if r.MinSeverity != 0 && exc.Severity < r.MinSeverity {
		return false
	}
	return true
}

// RulesClassifier triages exceptions with an ordered rule list. The first
// matching rule wins; exceptions no rule covers classify as "unreviewed"
// with zero confidence, which the pipeline escalates.
type RulesClassifier struct {
	name  string
	rules []ClassificationRule
}

// NewRulesClassifier builds a classifier from an ordered rule list.
func NewRulesClassifier(name string, rules []ClassificationRule) (*RulesClassifier, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("classifier name is required")
	}
	for i, rule := range rules {
		if strings.TrimSpace(rule.Classification) == "" {
			return nil, fmt.Errorf("rule %d has no classification", i)
		}
		if rule.Confidence < 0 || rule.Confidence > 1 {
			return nil, fmt.Errorf("rule %d confidence %v out of range", i, rule.Confidence)
		}
	}
	return &RulesClassifier{name: name, rules: rules}, nil
}

func (c *RulesClassifier) Name() string {
	return c.name
}

func (c *RulesClassifier) Invoke(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	for _, rule := range c.rules {
		if rule.matches(in.Exception) {
			return Output{
				Classification: rule.Classification,
				Confidence:     rule.Confidence,
				Detail:         rule.PlaybookHint,
			}, nil
		}
	}
	return Output{Classification: "unreviewed", Confidence: 0}, nil
}
