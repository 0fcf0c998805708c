package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudflare/ahocorasick"
	"gopkg.in/yaml.v3"
)

// Kind is how a rule pattern is compared.
type Kind string

// Rule kinds.
const (
	KindPrefix    Kind = "prefix"
	KindSubstring Kind = "substring"
	KindRegex     Kind = "regex"
	KindToken     Kind = "token"
)

// Target is the server field a rule looks at.
type Target string

// Rule targets. TargetText covers both name and keywords.
const (
	TargetMap  Target = "map"
	TargetName Target = "name"
	TargetText Target = "text"
)

// Tier tells whether a whitelist entry can override a rule.
type Tier string

// Rule tiers.
const (
	TierSuper    Tier = "super"
	TierExtended Tier = "extended"
)

// Rule is one entry of a rule table.
type Rule struct {
	Kind    Kind   `yaml:"kind"`
	Target  Target `yaml:"target"`
	Tier    Tier   `yaml:"tier,omitempty"`
	Pattern string `yaml:"pattern"`
}

func (r Rule) String() string {
	return fmt.Sprintf("%s:%s %s %q", r.Tier, r.Target, r.Kind, r.Pattern)
}

// RuleSet is the vanilla rule table.
type RuleSet struct {
	Rules   []Rule `yaml:"rules"`
	Version int    `yaml:"version"`
}

// ReasonSet is the ordered ban reason table.
type ReasonSet struct {
	Reasons []ReasonRules `yaml:"reasons"`
	Version int           `yaml:"version"`
}

// ReasonRules lists the rules that suggest one reason.
type ReasonRules struct {
	Reason Reason `yaml:"reason"`
	Rules  []Rule `yaml:"rules"`
}

// ParseRuleSet decodes a vanilla rule table.
func ParseRuleSet(data []byte) (RuleSet, error) {
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return RuleSet{}, fmt.Errorf("parse rule set: %w", err)
	}

	return set, nil
}

// ParseReasonSet decodes a ban reason table.
func ParseReasonSet(data []byte) (ReasonSet, error) {
	var set ReasonSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return ReasonSet{}, fmt.Errorf("parse reason set: %w", err)
	}

	return set, nil
}

// matcher evaluates an ordered list of rules against one server.
// Map rules always run before text rules, preserving table order inside each group.
type matcher struct {
	substrings *ahocorasick.Matcher
	subIndex   map[string]int
	mapRules   []compiledRule
	textRules  []compiledRule
}

type compiledRule struct {
	re *regexp.Regexp
	Rule
}

func compile(rules []Rule) (*matcher, error) {
	m := &matcher{subIndex: make(map[string]int)}

	var dictionary []string
	for i, rule := range rules {
		if rule.Kind != KindRegex {
			rule.Pattern = strings.ToLower(rule.Pattern)
		}
		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %d: empty pattern", i)
		}

		cr := compiledRule{Rule: rule}
		switch rule.Kind {
		case KindPrefix, KindToken:
		case KindSubstring:
			if _, ok := m.subIndex[rule.Pattern]; !ok && rule.Target != TargetMap {
				m.subIndex[rule.Pattern] = len(dictionary)
				dictionary = append(dictionary, rule.Pattern)
			}
		case KindRegex:
			re, err := regexp.Compile("(?i)" + rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			cr.re = re
		default:
			return nil, fmt.Errorf("rule %d: unknown kind %q", i, rule.Kind)
		}

		switch rule.Target {
		case TargetMap:
			m.mapRules = append(m.mapRules, cr)
		case TargetName, TargetText:
			m.textRules = append(m.textRules, cr)
		default:
			return nil, fmt.Errorf("rule %d: unknown target %q", i, rule.Target)
		}
	}

	if len(dictionary) > 0 {
		m.substrings = ahocorasick.NewStringMatcher(dictionary)
	}

	return m, nil
}

// fields are the lowercased inputs of one evaluation.
type fields struct {
	mapName  string
	name     string
	keywords string
}

// first returns the first matching rule.
func (m *matcher) first(f fields) (Rule, bool) {
	token, _, _ := strings.Cut(f.mapName, "_")

	for _, rule := range m.mapRules {
		if rule.match(f.mapName, token) {
			return rule.Rule, true
		}
	}

	if len(m.textRules) == 0 {
		return Rule{}, false
	}

	var hitsName, hitsKeywords map[int]struct{}
	if m.substrings != nil {
		hitsName = hitSet(m.substrings.MatchThreadSafe([]byte(f.name)))
		hitsKeywords = hitSet(m.substrings.MatchThreadSafe([]byte(f.keywords)))
	}

	for _, rule := range m.textRules {
		if rule.Kind == KindSubstring {
			idx := m.subIndex[rule.Pattern]
			if _, ok := hitsName[idx]; ok {
				return rule.Rule, true
			}
			if _, ok := hitsKeywords[idx]; ok && rule.Target == TargetText {
				return rule.Rule, true
			}
			continue
		}

		if rule.match(f.name, "") || (rule.Target == TargetText && rule.match(f.keywords, "")) {
			return rule.Rule, true
		}
	}

	return Rule{}, false
}

func (r compiledRule) match(value, token string) bool {
	switch r.Kind {
	case KindPrefix:
		return strings.HasPrefix(value, r.Pattern)
	case KindToken:
		return token == r.Pattern
	case KindSubstring:
		return strings.Contains(value, r.Pattern)
	case KindRegex:
		return r.re.MatchString(value)
	}

	return false
}

func hitSet(indices []int) map[int]struct{} {
	if len(indices) == 0 {
		return nil
	}
	set := make(map[int]struct{}, len(indices))
	for _, i := range indices {
		set[i] = struct{}{}
	}

	return set
}
