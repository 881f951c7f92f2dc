package collaborator

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/driftline/exceptionflow/internal/exception"
)

// ruleSpec is the YAML shape of one classification rule.
type ruleSpec struct {
	Domain         string  `yaml:"domain"`
	ExceptionType  string  `yaml:"exception_type"`
	MinSeverity    string  `yaml:"min_severity"`
	Classification string  `yaml:"classification"`
	Confidence     float64 `yaml:"confidence"`
	PlaybookHint   string  `yaml:"playbook_hint"`
}

type rulesFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

// ParseRules decodes an ordered YAML classification rule list. Rule order is
// match order.
func ParseRules(data []byte) ([]ClassificationRule, error) {
	var file rulesFile
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode classification rules: %w", err)
	}

	rules := make([]ClassificationRule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		rule := ClassificationRule{
			Domain:         spec.Domain,
			ExceptionType:  spec.ExceptionType,
			Classification: spec.Classification,
			Confidence:     spec.Confidence,
			PlaybookHint:   spec.PlaybookHint,
		}
		if spec.MinSeverity != "" {
			severity, ok := exception.ParseSeverity(spec.MinSeverity)
			if !ok {
				return nil, fmt.Errorf("rule %d: unknown severity %q", i, spec.MinSeverity)
			}
			rule.MinSeverity = severity
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadRulesFile reads classification rules from a YAML file. A missing file
// yields no rules, so fresh deployments triage everything as unreviewed.
func LoadRulesFile(path string) ([]ClassificationRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read classification rules: %w", err)
	}
	return ParseRules(data)
}
