package matcher

import (
	"testing"

	"github.com/google/uuid"

	"github.com/guildtools/triggerd/internal/domain"
)

func cmd(trigger string, mode domain.MatchMode) *domain.Command {
	return &domain.Command{
		ID:        uuid.New(),
		TenantID:  "guild-1",
		Trigger:   trigger,
		MatchMode: mode,
		Language:  domain.LangJavaScript,
		Code:      "reply('ok')",
	}
}

func msg(text string) domain.Message {
	return domain.Message{
		TenantID:  "guild-1",
		AuthorID:  "user-1",
		ChannelID: "chan-1",
		Text:      text,
	}
}

func TestMatch_PrefixCommand(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		prefix string
		want   bool
	}{
		{"exact prefix hit", "!ping", "", true},
		{"prefix with args", "!ping now please", "", true},
		{"case insensitive", "!PING", "", true},
		{"missing prefix", "ping", "", false},
		{"wrong prefix", "?ping", "", false},
		{"custom prefix", "$ping", "$", true},
		{"empty message", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cmd("ping", domain.MatchPrefixCommand)
			c.Prefix = tt.prefix
			got := Match(msg(tt.text), []*domain.Command{c})
			if (got != nil) != tt.want {
				t.Errorf("Match(%q) fired = %v, want %v", tt.text, got != nil, tt.want)
			}
		})
	}
}

func TestMatch_PrefixCommandUnicodeFold(t *testing.T) {
	tests := []struct {
		name    string
		trigger string
		text    string
		want    bool
	}{
		// U+212A KELVIN SIGN folds with "k" but is 3 bytes wide, so the
		// matched prefix of the message is longer in bytes than the trigger.
		{"kelvin sign matches ascii trigger", "kick", "!Kick now", true},
		{"ascii message matches kelvin trigger", "Kick", "!kick now", true},
		{"fold miss still misses", "kick", "!Kock", false},
		{"accented trigger", "café", "!CAFÉ menu", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cmd(tt.trigger, domain.MatchPrefixCommand)
			got := Match(msg(tt.text), []*domain.Command{c})
			if (got != nil) != tt.want {
				t.Errorf("Match(%q) against trigger %q fired = %v, want %v",
					tt.text, tt.trigger, got != nil, tt.want)
			}
		})
	}
}

func TestMatch_ExactMatch(t *testing.T) {
	c := cmd("help", domain.MatchExact)

	if got := Match(msg("help me"), []*domain.Command{c}); got != nil {
		t.Errorf("Match(%q) fired, want no match on exact inequality", "help me")
	}
	if got := Match(msg("help"), []*domain.Command{c}); got == nil {
		t.Errorf("Match(%q) = nil, want match", "help")
	}
	if got := Match(msg("HELP"), []*domain.Command{c}); got == nil {
		t.Errorf("Match(%q) = nil, want case-insensitive match", "HELP")
	}
}

func TestMatch_StartsWith(t *testing.T) {
	c := cmd("good bot", domain.MatchStartsWith)

	if got := Match(msg("good bot!"), []*domain.Command{c}); got == nil {
		t.Error("expected starts_with match")
	}
	// starts_with is case-sensitive.
	if got := Match(msg("Good bot!"), []*domain.Command{c}); got != nil {
		t.Error("starts_with matched case-insensitively, want case-sensitive")
	}
}

func TestMatch_FirstMatchWins(t *testing.T) {
	first := cmd("ping", domain.MatchPrefixCommand)
	second := cmd("ping", domain.MatchPrefixCommand)

	got := Match(msg("!ping"), []*domain.Command{first, second})
	if got == nil {
		t.Fatal("expected a match")
	}
	if got.ID != first.ID {
		t.Errorf("matched command %s, want first in iteration order %s", got.ID, first.ID)
	}
}

func TestMatch_AtMostOne(t *testing.T) {
	// Several plausible matches; Match returns exactly one.
	commands := []*domain.Command{
		cmd("ping", domain.MatchPrefixCommand),
		cmd("!ping", domain.MatchStartsWith),
		cmd("!ping", domain.MatchExact),
	}
	if got := Match(msg("!ping"), commands); got == nil {
		t.Fatal("expected a match")
	}
}

func TestMatch_RoleRestriction(t *testing.T) {
	c := cmd("ban", domain.MatchPrefixCommand)
	c.RoleRestriction = []string{"moderator", "admin"}

	m := msg("!ban someone")
	m.AuthorRoles = []string{"member"}
	if got := Match(m, []*domain.Command{c}); got != nil {
		t.Error("command fired for author lacking all listed roles")
	}

	m.AuthorRoles = []string{"member", "moderator"}
	if got := Match(m, []*domain.Command{c}); got == nil {
		t.Error("command did not fire for author holding a listed role")
	}
}

func TestMatch_ChannelRestriction(t *testing.T) {
	c := cmd("ping", domain.MatchPrefixCommand)
	c.ChannelRestriction = []string{"bot-spam"}

	m := msg("!ping")
	m.ChannelID = "general"
	if got := Match(m, []*domain.Command{c}); got != nil {
		t.Error("command fired outside its channel allow-list")
	}

	m.ChannelID = "bot-spam"
	if got := Match(m, []*domain.Command{c}); got == nil {
		t.Error("command did not fire in an allowed channel")
	}
}

func TestMatch_RestrictionFailureContinuesScan(t *testing.T) {
	restricted := cmd("ping", domain.MatchPrefixCommand)
	restricted.RoleRestriction = []string{"admin"}
	open := cmd("ping", domain.MatchPrefixCommand)

	m := msg("!ping")
	m.AuthorRoles = []string{"member"}

	got := Match(m, []*domain.Command{restricted, open})
	if got == nil {
		t.Fatal("expected the later unrestricted command to fire")
	}
	if got.ID != open.ID {
		t.Errorf("matched %s, want the unrestricted command %s", got.ID, open.ID)
	}
}

func TestMatch_EmptyTriggerNeverFires(t *testing.T) {
	c := cmd("", domain.MatchStartsWith)
	if got := Match(msg("anything"), []*domain.Command{c}); got != nil {
		t.Error("empty trigger matched")
	}
}
