package channel

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func buttons(t *testing.T, components []discordgo.MessageComponent) (prev, next discordgo.Button) {
	t.Helper()
	if len(components) != 1 {
		t.Fatalf("expected one action row, got %d", len(components))
	}
	row, ok := components[0].(discordgo.ActionsRow)
	if !ok || len(row.Components) != 2 {
		t.Fatalf("unexpected row %#v", components[0])
	}
	return row.Components[0].(discordgo.Button), row.Components[1].(discordgo.Button)
}

func TestGalleryComponents_Disabling(t *testing.T) {
	tests := []struct {
		index, total     int
		prevOff, nextOff bool
	}{
		{0, 3, true, false},
		{1, 3, false, false},
		{2, 3, false, true},
	}
	for _, tt := range tests {
		prev, next := buttons(t, galleryComponents("123", tt.index, tt.total))
		if prev.Disabled != tt.prevOff || next.Disabled != tt.nextOff {
			t.Errorf("index %d/%d: prev disabled=%v next disabled=%v", tt.index, tt.total, prev.Disabled, next.Disabled)
		}
		if prev.CustomID != "prev_123" || next.CustomID != "next_123" {
			t.Errorf("unexpected custom IDs %s, %s", prev.CustomID, next.CustomID)
		}
	}
}

func TestParseGalleryButton(t *testing.T) {
	tests := []struct {
		id    string
		dir   int
		msgID string
		ok    bool
	}{
		{"prev_42", -1, "42", true},
		{"next_42", 1, "42", true},
		{"next_", 0, "", false},
		{"other_42", 0, "", false},
	}
	for _, tt := range tests {
		dir, msgID, ok := parseGalleryButton(tt.id)
		if dir != tt.dir || msgID != tt.msgID || ok != tt.ok {
			t.Errorf("parseGalleryButton(%q) = %d, %q, %v", tt.id, dir, msgID, ok)
		}
	}
}

func TestCommands(t *testing.T) {
	cmds := commands()
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(cmds))
	}
	if cmds[0].Name != contextMenuName || cmds[0].Type != discordgo.MessageApplicationCommand {
		t.Errorf("unexpected context menu %+v", cmds[0])
	}
	slash := cmds[1]
	if slash.Name != slashCommandName || len(slash.Options) != 2 || !slash.Options[0].Required {
		t.Fatalf("unexpected slash command %+v", slash)
	}
	for _, c := range slash.Options[1].Choices {
		v := c.Value.(string)
		if opts := ParseFormat(v); opts.Quality == "" && !opts.AudioOnly {
			t.Errorf("choice %s does not map to any option", v)
		}
	}
}

func TestInteractionUser(t *testing.T) {
	guild := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Member: &discordgo.Member{User: &discordgo.User{ID: "g1"}},
	}}
	dm := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{User: &discordgo.User{ID: "d1"}}}
	if interactionUser(guild) != "g1" || interactionUser(dm) != "d1" {
		t.Fatal("wrong user IDs")
	}
}

func TestPresenceText(t *testing.T) {
	if presenceText(1) != "1 server" || presenceText(1234) != "1,234 servers" {
		t.Fatalf("got %q, %q", presenceText(1), presenceText(1234))
	}
}
