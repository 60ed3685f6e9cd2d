// Package matcher decides which registered command, if any, fires for an
// inbound message. Pure: no side effects, no clock, no I/O — a function of
// the message and a read-only registry snapshot.
package matcher

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/guildtools/triggerd/internal/domain"
)

// Match returns the first command in registry iteration order whose trigger
// matches the message and whose role/channel restrictions admit the author.
// Returns nil when nothing fires.
//
// At most one command fires per message. Ties are resolved by iteration
// order, not by specificity: the registry returns commands in a stable order
// and the first textual match that also passes its restrictions wins. A
// candidate excluded by a restriction does not abort the scan — a later
// command may still match.
func Match(msg domain.Message, commands []*domain.Command) *domain.Command {
	for _, cmd := range commands {
		if !textMatches(msg.Text, cmd) {
			continue
		}
		if !restrictionsAdmit(msg, cmd) {
			continue
		}
		return cmd
	}
	return nil
}

// textMatches applies the command's match mode to the message text.
func textMatches(text string, cmd *domain.Command) bool {
	if cmd.Trigger == "" {
		return false
	}
	switch cmd.MatchMode {
	case domain.MatchPrefixCommand:
		want := cmd.EffectivePrefix() + cmd.Trigger
		return hasFoldPrefix(text, want)
	case domain.MatchExact:
		return strings.EqualFold(text, cmd.Trigger)
	case domain.MatchStartsWith:
		return strings.HasPrefix(text, cmd.Trigger)
	}
	return false
}

// hasFoldPrefix reports whether s starts with prefix under Unicode simple
// case folding. Compared rune by rune: byte-slicing s at len(prefix) would
// split runes whenever a fold changes byte length (e.g. "K" vs "k").
func hasFoldPrefix(s, prefix string) bool {
	for _, pr := range prefix {
		sr, size := utf8.DecodeRuneInString(s)
		if size == 0 {
			return false // s exhausted before prefix
		}
		if !foldEqual(sr, pr) {
			return false
		}
		s = s[size:]
	}
	return true
}

// foldEqual reports whether two runes are equal under simple case folding,
// walking the fold orbit the same way strings.EqualFold does.
func foldEqual(a, b rune) bool {
	if a == b {
		return true
	}
	for r := unicode.SimpleFold(a); r != a; r = unicode.SimpleFold(r) {
		if r == b {
			return true
		}
	}
	return false
}

// restrictionsAdmit checks the command's role and channel allow-lists.
// An empty list places no restriction.
func restrictionsAdmit(msg domain.Message, cmd *domain.Command) bool {
	if len(cmd.ChannelRestriction) > 0 && !contains(cmd.ChannelRestriction, msg.ChannelID) {
		return false
	}
	if len(cmd.RoleRestriction) > 0 && !intersects(cmd.RoleRestriction, msg.AuthorRoles) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}
