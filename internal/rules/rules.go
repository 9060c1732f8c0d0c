package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidRule is returned when a rule cannot be evaluated, either because its
// kind is unknown or because the observed value is not numeric.
var ErrInvalidRule = errors.New("invalid rule")

// Kind enumerates the supported comparators.
type Kind string

const (
	GreaterThanOrEqual Kind = "greaterThanOrEqual"
	GreaterThan        Kind = "greaterThan"
	LessThanOrEqual    Kind = "lessThanOrEqual"
	LessThan           Kind = "lessThan"
)

// kindAliases maps accepted configuration spellings onto canonical kinds.
var kindAliases = map[string]Kind{
	"greaterthanorequal": GreaterThanOrEqual,
	"greaterthanequalto": GreaterThanOrEqual,
	"gte":                GreaterThanOrEqual,
	"greaterthan":        GreaterThan,
	"gt":                 GreaterThan,
	"lessthanorequal":    LessThanOrEqual,
	"lessthanequalto":    LessThanOrEqual,
	"lte":                LessThanOrEqual,
	"lessthan":           LessThan,
	"lt":                 LessThan,
}

// ParseKind normalises a configured rule kind.
func ParseKind(s string) (Kind, error) {
	kind, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, s)
	}
	return kind, nil
}

// ThresholdRule is a single comparator against a rate value.
type ThresholdRule struct {
	ID    string
	Kind  Kind
	Value decimal.Decimal
}

// Result is the union of every rule that matched a value.
type Result struct {
	TriggeredRuleIDs Set
	Triggered        bool
	// Errors holds per-rule evaluation failures; failing rules count as not triggered.
	Errors []error
}

// Evaluate applies a single rule to a value.
func Evaluate(rule ThresholdRule, value decimal.NullDecimal) (bool, error) {
	if !value.Valid {
		return false, fmt.Errorf("%w: rule %s: value is not numeric", ErrInvalidRule, rule.ID)
	}

	v := value.Decimal
	switch rule.Kind {
	case GreaterThanOrEqual:
		return v.GreaterThanOrEqual(rule.Value), nil
	case GreaterThan:
		return v.GreaterThan(rule.Value), nil
	case LessThanOrEqual:
		return v.LessThanOrEqual(rule.Value), nil
	case LessThan:
		return v.LessThan(rule.Value), nil
	default:
		return false, fmt.Errorf("%w: rule %s: unknown kind %q", ErrInvalidRule, rule.ID, rule.Kind)
	}
}

// EvaluateAll runs every rule independently and returns the union of matches.
// An empty rule list or a non-numeric value yields an empty, untriggered result.
func EvaluateAll(rules []ThresholdRule, value decimal.NullDecimal) Result {
	result := Result{TriggeredRuleIDs: Set{}}
	if len(rules) == 0 || !value.Valid {
		return result
	}

	for _, rule := range rules {
		ok, err := Evaluate(rule, value)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		if ok {
			result.TriggeredRuleIDs.Add(rule.ID)
			result.Triggered = true
		}
	}
	return result
}

// Set is an unordered collection of rule ids.
type Set map[string]struct{}

// NewSet builds a set from ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id.
func (s Set) Add(id string) {
	s[id] = struct{}{}
}

// Has reports membership.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Intersect returns the ids present in both sets.
func (s Set) Intersect(other Set) Set {
	out := Set{}
	for id := range s {
		if other.Has(id) {
			out.Add(id)
		}
	}
	return out
}

// Sorted returns the ids in ascending order, the form used for persistence.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
