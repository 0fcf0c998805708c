package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/meridian/internal/models"
)

func defaultClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := Default()
	require.NoError(t, err)
	return c
}

func TestIsDefaultCategory(t *testing.T) {
	c := defaultClassifier(t)

	tests := []struct {
		name        string
		server      models.Server
		whitelisted bool
		want        bool
	}{
		{
			name:   "map prefix wins regardless of name",
			server: models.Server{Map: "vsh_tinyrock", Name: "Casual TF2"},
			want:   false,
		},
		{
			name:   "plain payload server",
			server: models.Server{Map: "pl_upward", Name: "Uncletopia | Chicago"},
			want:   true,
		},
		{
			name:   "map prefix is case insensitive",
			server: models.Server{Map: "MGE_Training_v8", Name: "Casual"},
			want:   false,
		},
		{
			name:   "name substring",
			server: models.Server{Map: "cp_badlands", Name: "Best ZOMBIE server"},
			want:   false,
		},
		{
			name:   "keyword substring",
			server: models.Server{Map: "cp_badlands", Name: "Casual", Keywords: "alltalk,randomizer"},
			want:   false,
		},
		{
			name:   "regex in name",
			server: models.Server{Map: "cp_badlands", Name: "Prop Hunt 24/7"},
			want:   false,
		},
		{
			name:   "regex in keywords",
			server: models.Server{Map: "ctf_2fort", Name: "Casual", Keywords: "nocrits,no-intel"},
			want:   false,
		},
		{
			name:        "whitelist overrides extended map rule",
			server:      models.Server{Map: "dm_mariokart", Name: "Community"},
			whitelisted: true,
			want:        true,
		},
		{
			name:        "whitelist overrides extended text rule",
			server:      models.Server{Map: "pl_badwater", Name: "Badwater 24/7"},
			whitelisted: true,
			want:        true,
		},
		{
			name:        "whitelist cannot override super map rule",
			server:      models.Server{Map: "vsh_military_area", Name: "Community"},
			whitelisted: true,
			want:        false,
		},
		{
			name:        "whitelist cannot override super text rule",
			server:      models.Server{Map: "cp_process_final", Name: "Saxton Hale fun"},
			whitelisted: true,
			want:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.server
			assert.Equal(t, tt.want, c.IsDefaultCategory(&s, tt.whitelisted))
		})
	}
}

func TestMatchReportsFirstRuleInTableOrder(t *testing.T) {
	c := defaultClassifier(t)

	// map rules run first even when a text rule would also match
	s := models.Server{Map: "trade_plaza", Name: "vsh trade idle"}
	rule, ok := c.Match(&s, TierExtended)
	require.True(t, ok)
	assert.Equal(t, TargetMap, rule.Target)
	assert.Equal(t, "trade", rule.Pattern)

	// among text rules the earliest table entry is reported
	s = models.Server{Map: "cp_dustbowl", Name: "idle engineer saxton"}
	rule, ok = c.Match(&s, TierExtended)
	require.True(t, ok)
	assert.Equal(t, "saxton", rule.Pattern)
	assert.Equal(t, TierSuper, rule.Tier)
}

func TestClassifierIsIdempotent(t *testing.T) {
	c := defaultClassifier(t)

	servers := []models.Server{
		{Map: "vsh_tinyrock", Name: "Casual TF2"},
		{Map: "pl_upward", Name: "Casual TF2"},
		{Map: "cp_orange_x3", Name: "Orange"},
		{Map: "koth_harvest_final", Name: "Harvest 24/7"},
	}

	first := make([]bool, len(servers))
	for i := range servers {
		first[i] = c.IsDefaultCategory(&servers[i], false)
	}

	for round := 0; round < 3; round++ {
		for i := len(servers) - 1; i >= 0; i-- {
			assert.Equal(t, first[i], c.IsDefaultCategory(&servers[i], false))
		}
	}
}

func TestIsSuperNormal(t *testing.T) {
	c := defaultClassifier(t)

	assert.True(t, c.IsSuperNormal(&models.Server{Map: "dm_lumberyard", Name: "Engineer only"}))
	assert.False(t, c.IsSuperNormal(&models.Server{Map: "surf_utopia", Name: "Surf"}))
}

func TestSuggestReason(t *testing.T) {
	c := defaultClassifier(t)

	tests := []struct {
		server models.Server
		want   Reason
	}{
		{models.Server{Map: "trade_plaza", Name: "Trade"}, ReasonSocial},
		{models.Server{Map: "achievement_idle", Name: "Idle"}, ReasonSocial},
		{models.Server{Map: "mge_training", Name: "MGE"}, ReasonDM},
		{models.Server{Map: "cp_badlands", Name: "SoapDM Server"}, ReasonDM},
		{models.Server{Map: "mvm_coaltown", Name: "MvM"}, ReasonMvM},
		{models.Server{Map: "zs_hospital", Name: "Zombies"}, ReasonGamemode},
		{models.Server{Map: "vsh_tinyrock", Name: "VSH"}, ReasonGamemode},
		{models.Server{Map: "cp_badlands", Name: "x10 madness"}, ReasonGamemode},
		{models.Server{Map: "ctf_2fort", Name: "2fort 24/7"}, Reason247},
		{models.Server{Map: "cp_orange_x3", Name: "Orange"}, Reason247},
		{models.Server{Map: "tr_walkway", Name: "Training"}, ReasonOther},
		{models.Server{Map: "jump_beef", Name: "Jump"}, ReasonJumpSurf},
		{models.Server{Map: "surf_utopia", Name: "Surf"}, ReasonJumpSurf},
		{models.Server{Map: "pl_upward", Name: "Casual"}, ReasonUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.server.Map+"/"+tt.server.Name, func(t *testing.T) {
			s := tt.server
			assert.Equal(t, tt.want, c.SuggestReason(&s))
		})
	}
}

func TestIsBanned(t *testing.T) {
	blacklist := map[string]string{
		"1.2.3.4:27015": "gamemode",
		"5.6.7.8:27015": Whitelist,
		"5.6.7.9:27015": Vanilla,
	}

	reason, ok := IsBanned("1.2.3.4:27015", blacklist)
	assert.True(t, ok)
	assert.Equal(t, "gamemode", reason)

	_, ok = IsBanned("5.6.7.8:27015", blacklist)
	assert.False(t, ok)

	_, ok = IsBanned("5.6.7.9:27015", blacklist)
	assert.False(t, ok)

	_, ok = IsBanned("9.9.9.9:27015", blacklist)
	assert.False(t, ok)
}

func TestCleanup(t *testing.T) {
	assert.Equal(t, "Casual TF2", Cleanup("\u0001Casual â–ˆTF2"))
	assert.Equal(t, "", Cleanup(""))

	s := models.Server{Name: "A\u0001B", Keywords: "â–ˆkw"}
	CleanupServer(&s)
	assert.Equal(t, "AB", s.Name)
	assert.Equal(t, "kw", s.Keywords)
}

func TestNewRejectsBadTables(t *testing.T) {
	_, err := New(RuleSet{Rules: []Rule{{Kind: KindPrefix, Target: TargetMap, Tier: "gold", Pattern: "x"}}}, ReasonSet{})
	assert.Error(t, err)

	_, err = New(RuleSet{Rules: []Rule{{Kind: KindRegex, Target: TargetText, Tier: TierSuper, Pattern: "("}}}, ReasonSet{})
	assert.Error(t, err)

	_, err = New(RuleSet{Rules: []Rule{{Kind: "glob", Target: TargetText, Tier: TierSuper, Pattern: "x"}}}, ReasonSet{})
	assert.Error(t, err)
}

func TestRegexPatternsKeepTheirCase(t *testing.T) {
	c, err := New(RuleSet{Rules: []Rule{
		{Kind: KindRegex, Target: TargetName, Tier: TierSuper, Pattern: `^\D+$`},
	}}, ReasonSet{})
	require.NoError(t, err)

	assert.False(t, c.IsDefaultCategory(&models.Server{Name: "Letters Only", Map: "pl_upward"}, false))
	assert.True(t, c.IsDefaultCategory(&models.Server{Name: "Server 24", Map: "pl_upward"}, false))
}

func TestParseRuleSet(t *testing.T) {
	data := []byte("version: 7\nrules:\n  - {kind: prefix, target: map, tier: super, pattern: vsh_}\n")
	set, err := ParseRuleSet(data)
	require.NoError(t, err)
	assert.Equal(t, 7, set.Version)
	require.Len(t, set.Rules, 1)
	assert.Equal(t, Rule{Kind: KindPrefix, Target: TargetMap, Tier: TierSuper, Pattern: "vsh_"}, set.Rules[0])
}
