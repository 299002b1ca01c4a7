package classify

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// MatchKind selects how a rule tests a token list.
type MatchKind string

const (
	// MatchContains: any token contains any needle.
	MatchContains MatchKind = "contains"
	// MatchFirstSuffix: the first token ends with a needle.
	MatchFirstSuffix MatchKind = "first-suffix"
	// MatchMarker: some token equals Marker and some token contains a needle.
	MatchMarker MatchKind = "marker"
	// MatchTokenAll: a single token contains every needle.
	MatchTokenAll MatchKind = "token-all"
)

// Rule is one signature. Rules are evaluated in slice order.
type Rule struct {
	Type    scans.ResourceType `yaml:"type"`
	Kind    MatchKind          `yaml:"kind"`
	Needles []string           `yaml:"needles"`
	Marker  string             `yaml:"marker,omitempty"`
	Exclude []string           `yaml:"exclude,omitempty"`
	Fold    bool               `yaml:"fold,omitempty"`
}

// Match reports whether the rule applies to tokens.
func (r Rule) Match(tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	if r.Fold {
		folded := make([]string, len(tokens))
		for i, t := range tokens {
			folded[i] = strings.ToLower(t)
		}
		tokens = folded
	}
	for _, ex := range r.Exclude {
		if anyContains(tokens, ex) {
			return false
		}
	}

	switch r.Kind {
	case MatchContains:
		for _, n := range r.Needles {
			if anyContains(tokens, n) {
				return true
			}
		}
	case MatchFirstSuffix:
		for _, n := range r.Needles {
			if strings.HasSuffix(tokens[0], n) {
				return true
			}
		}
	case MatchMarker:
		if !hasToken(tokens, r.Marker) {
			return false
		}
		for _, n := range r.Needles {
			if anyContains(tokens, n) {
				return true
			}
		}
	case MatchTokenAll:
		for _, t := range tokens {
			if containsAll(t, r.Needles) {
				return true
			}
		}
	}
	return false
}

func (r Rule) validate() error {
	if r.Type == "" {
		return errors.New("rule without type")
	}
	if len(r.Needles) == 0 {
		return fmt.Errorf("rule %s: no needles", r.Type)
	}
	switch r.Kind {
	case MatchContains, MatchFirstSuffix, MatchTokenAll:
	case MatchMarker:
		if r.Marker == "" {
			return fmt.Errorf("rule %s: marker kind without marker", r.Type)
		}
	default:
		return fmt.Errorf("rule %s: unknown kind %q", r.Type, r.Kind)
	}
	return nil
}

// Classifier returns the type of the first matching rule.
type Classifier struct {
	rules []Rule
}

func New(rules []Rule) (*Classifier, error) {
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Classifier{rules: cp}, nil
}

// Classify returns the first matching type. No match is not an error.
func (c *Classifier) Classify(tokens []string) (scans.ResourceType, bool) {
	for _, r := range c.rules {
		if r.Match(tokens) {
			return r.Type, true
		}
	}
	return "", false
}

// Rules returns a copy of the ordered rule list.
func (c *Classifier) Rules() []Rule {
	cp := make([]Rule, len(c.rules))
	copy(cp, c.rules)
	return cp
}

//go:embed rules.yaml
var defaultRules []byte

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes an ordered rule list.
func ParseRules(data []byte) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return f.Rules, nil
}

// Default builds the classifier from the embedded rule order.
func Default() *Classifier {
	rules, err := ParseRules(defaultRules)
	if err != nil {
		panic(err)
	}
	c, err := New(rules)
	if err != nil {
		panic(err)
	}
	return c
}

// Load builds a classifier from path, or the default when path is empty.
func Load(path string) (*Classifier, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, err
	}
	return New(rules)
}

func anyContains(tokens []string, needle string) bool {
	for _, t := range tokens {
		if strings.Contains(t, needle) {
			return true
		}
	}
	return false
}

func hasToken(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}

func containsAll(token string, needles []string) bool {
	for _, n := range needles {
		if !strings.Contains(token, n) {
			return false
		}
	}
	return true
}
