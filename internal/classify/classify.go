// Package classify decides which category a game server belongs to.
//
// Rules come from versioned tables embedded in the binary (assets/rules).
// Every function is pure: the same map, name and keywords always produce the
// same answer regardless of call order.
package classify

import (
	"fmt"
	"strings"

	"github.com/woozymasta/meridian/assets"
	"github.com/woozymasta/meridian/internal/models"
)

// Reason is an administrative server category.
type Reason string

// Ban reasons, in suggestion order.
const (
	ReasonSocial       Reason = "social"
	ReasonDM           Reason = "dm"
	ReasonMvM          Reason = "mvm"
	ReasonGamemode     Reason = "gamemode"
	Reason247          Reason = "24-7"
	ReasonOther        Reason = "other"
	ReasonJumpSurf     Reason = "jump-surf"
	ReasonUnclassified Reason = "unclassified"
)

// Whitelist is the blacklist reason that marks an administrative allow-list
// entry instead of a ban. Whitelisted servers skip the extended rules.
const Whitelist = "whitelist"

// Vanilla is the category of unlisted servers passing the rules.
const Vanilla = "vanilla"

// Classifier holds the compiled rule tables.
type Classifier struct {
	super         *matcher
	full          *matcher
	reasons       []reasonMatcher
	Version       int
	ReasonVersion int
}

type reasonMatcher struct {
	m      *matcher
	reason Reason
}

// New compiles rule tables into a Classifier.
func New(rules RuleSet, reasons ReasonSet) (*Classifier, error) {
	var superRules []Rule
	for i, rule := range rules.Rules {
		switch rule.Tier {
		case TierSuper:
			superRules = append(superRules, rule)
		case TierExtended:
		default:
			return nil, fmt.Errorf("rule %d: unknown tier %q", i, rule.Tier)
		}
	}

	super, err := compile(superRules)
	if err != nil {
		return nil, fmt.Errorf("compile super rules: %w", err)
	}
	full, err := compile(rules.Rules)
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}

	c := &Classifier{
		super:         super,
		full:          full,
		Version:       rules.Version,
		ReasonVersion: reasons.Version,
	}

	for _, r := range reasons.Reasons {
		m, err := compile(r.Rules)
		if err != nil {
			return nil, fmt.Errorf("compile reason %s: %w", r.Reason, err)
		}
		c.reasons = append(c.reasons, reasonMatcher{reason: r.Reason, m: m})
	}

	return c, nil
}

// Default builds a Classifier from the embedded rule tables.
func Default() (*Classifier, error) {
	data, err := assets.ReadFile("rules/vanilla.yaml")
	if err != nil {
		return nil, err
	}
	rules, err := ParseRuleSet(data)
	if err != nil {
		return nil, err
	}

	data, err = assets.ReadFile("rules/reasons.yaml")
	if err != nil {
		return nil, err
	}
	reasons, err := ParseReasonSet(data)
	if err != nil {
		return nil, err
	}

	return New(rules, reasons)
}

// IsDefaultCategory reports whether a server is vanilla. The super rules
// always apply; the extended rules apply only when whitelisted is false.
func (c *Classifier) IsDefaultCategory(s *models.Server, whitelisted bool) bool {
	tier := TierExtended
	if whitelisted {
		tier = TierSuper
	}
	_, matched := c.Match(s, tier)

	return !matched
}

// IsSuperNormal reports whether a server passes the super rules alone.
func (c *Classifier) IsSuperNormal(s *models.Server) bool {
	_, matched := c.Match(s, TierSuper)
	return !matched
}

// Match returns the first rule excluding the server from vanilla. TierSuper
// evaluates the super rules only, TierExtended evaluates every rule.
func (c *Classifier) Match(s *models.Server, tier Tier) (Rule, bool) {
	m := c.full
	if tier == TierSuper {
		m = c.super
	}

	return m.first(lowered(s))
}

// SuggestReason proposes a category for an administrator filing a server.
func (c *Classifier) SuggestReason(s *models.Server) Reason {
	f := lowered(s)
	for _, r := range c.reasons {
		if _, ok := r.m.first(f); ok {
			return r.reason
		}
	}

	return ReasonUnclassified
}

// IsAllowListed reports whether a blacklist reason is an allow-list entry.
// Both still have to pass the super tier to be listed as vanilla.
func IsAllowListed(reason string) bool {
	return reason == Whitelist || reason == Vanilla
}

// IsBanned returns the blacklist reason of an address, if any.
// Allow-list entries are not bans.
func IsBanned(address string, blacklist map[string]string) (string, bool) {
	reason, ok := blacklist[address]
	if !ok || IsAllowListed(reason) {
		return "", false
	}

	return reason, true
}

// Cleanup removes control and mis-encoded glyphs servers put in their names.
func Cleanup(s string) string {
	if s == "" {
		return s
	}

	return cleaner.Replace(s)
}

var cleaner = strings.NewReplacer("\u0001", "", "â–ˆ", "")

// CleanupServer applies Cleanup to the name and keywords of a server in place.
func CleanupServer(s *models.Server) {
	s.Name = Cleanup(s.Name)
	s.Keywords = Cleanup(s.Keywords)
}

func lowered(s *models.Server) fields {
	return fields{
		mapName:  strings.ToLower(s.Map),
		name:     strings.ToLower(s.Name),
		keywords: strings.ToLower(s.Keywords),
	}
}
