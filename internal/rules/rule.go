package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kernox/kernox/internal/event"
)

// MatchMode is the closed all/any enum.
type MatchMode string

const (
	MatchAll MatchMode = "all"
	MatchAny MatchMode = "any"
)

// Condition is one clause of a rule's condition list.
type Condition struct {
	Field    string   `yaml:"field"`
	Operator Operator `yaml:"operator"`
	Value    any      `yaml:"value"`
}

// Rule is one loaded YAML rule document.
type Rule struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Severity    string      `yaml:"severity"`
	Match       MatchMode   `yaml:"match"`
	Action      string      `yaml:"action"`
	Conditions  []Condition `yaml:"conditions"`

	sourceFile string // for RuleError / logging context only
}

// RuleError is a structured rejection record for a rule file that fails
// to parse, or a rule whose match mode or an operator is unrecognized.
// A struct over a bare error string so the log carries queryable fields.
type RuleError struct {
	File   string
	Rule   string
	Field  string
	Reason string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule error in %s (rule=%q field=%q): %s", e.File, e.Rule, e.Field, e.Reason)
}

// Load reads every *.yaml file in dir as a Rule. A file that fails to
// parse, or a rule with an unrecognized match mode or operator, is
// logged via log and skipped — never fatal.
func Load(dir string, log *zap.Logger) ([]*Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading rules directory %s: %w", dir, err)
	}

	var rules []*Rule
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("failed to read rule file", zap.String("file", path), zap.Error(err))
			continue
		}
		var r Rule
		if err := yaml.Unmarshal(data, &r); err != nil {
			log.Warn("failed to parse rule file", zap.String("file", path), zap.Error(err))
			continue
		}
		r.sourceFile = path

		if rerr := validate(&r); rerr != nil {
			log.Warn("rejecting invalid rule", zap.String("file", rerr.File),
				zap.String("rule", rerr.Rule), zap.String("field", rerr.Field), zap.String("reason", rerr.Reason))
			continue
		}
		rules = append(rules, &r)
	}
	return rules, nil
}

func validate(r *Rule) *RuleError {
	if r.Match != MatchAll && r.Match != MatchAny {
		return &RuleError{File: r.sourceFile, Rule: r.Name, Field: "match", Reason: fmt.Sprintf("unrecognized match mode %q", r.Match)}
	}
	for _, c := range r.Conditions {
		if !validOperator(c.Operator) {
			return &RuleError{File: r.sourceFile, Rule: r.Name, Field: c.Field, Reason: fmt.Sprintf("unrecognized operator %q", c.Operator)}
		}
	}
	return nil
}

// Engine evaluates a loaded rule set against events in load order;
// every matching rule fires independently for the same event.
type Engine struct {
	rules   []*Rule
	emitter *event.Emitter
}

func NewEngine(rules []*Rule, em *event.Emitter) *Engine {
	return &Engine{rules: rules, emitter: em}
}

// Evaluate returns one alert_rule_match event per rule that matches ev.
func (e *Engine) Evaluate(ev *event.Event) []*event.Event {
	var matches []*event.Event
	for _, r := range e.rules {
		if !r.matches(ev) {
			continue
		}
		sev := event.Severity(r.Severity)
		alertEv, ok := e.emitter.New(event.TypeAlertRuleMatch, sev, event.Payload{
			Process: ev.Process,
			File:    ev.File,
			Network: ev.Network,
			Auth:    ev.Auth,
			Alert: &event.Alert{
				Rule:    r.Name,
				Details: r.matchedDetails(ev),
			},
		})
		if ok {
			matches = append(matches, alertEv)
		}
	}
	return matches
}

func (r *Rule) matches(ev *event.Event) bool {
	if len(r.Conditions) == 0 {
		return false
	}
	switch r.Match {
	case MatchAll:
		for _, c := range r.Conditions {
			if !conditionHolds(ev, c) {
				return false
			}
		}
		return true
	case MatchAny:
		for _, c := range r.Conditions {
			if conditionHolds(ev, c) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func conditionHolds(ev *event.Event, c Condition) bool {
	val, ok := Resolve(ev, c.Field)
	if !ok {
		return false
	}
	return evaluate(c.Operator, val, c.Value)
}

func (r *Rule) matchedDetails(ev *event.Event) map[string]string {
	details := make(map[string]string, len(r.Conditions))
	for _, c := range r.Conditions {
		if val, ok := Resolve(ev, c.Field); ok {
			if s, ok := toString(val); ok {
				details[c.Field] = s
			}
		}
	}
	return details
}
