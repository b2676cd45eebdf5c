package handlers

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	assert.Equal(t, "soporte-general", slugify("Soporte General"))
	assert.Equal(t, "bug-123", slugify("  Bug_123 "))
	assert.Equal(t, "ticket", slugify("¡¡¡"))
	assert.Equal(t, "ticket", slugify(""))
}

func TestOrDash(t *testing.T) {
	assert.Equal(t, "—", orDash(""))
	assert.Equal(t, "—", orDash("   "))
	assert.Equal(t, "hola", orDash("hola"))
}

func TestClosedByMention(t *testing.T) {
	assert.Equal(t, "sistema", closedByMention(""))
	assert.Equal(t, "sistema", closedByMention("system"))
	assert.Equal(t, "<@42>", closedByMention("42"))
}

func TestOnOff(t *testing.T) {
	assert.Equal(t, "activado", onOff(true))
	assert.Equal(t, "desactivado", onOff(false))
}

func TestParseComponentEmoji(t *testing.T) {
	assert.Nil(t, parseComponentEmoji(""))
	e := parseComponentEmoji("🔧")
	assert.Equal(t, "🔧", e.Name)
}

func TestModalFields(t *testing.T) {
	i := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type: discordgo.InteractionModalSubmit,
		Data: discordgo.ModalSubmitInteractionData{
			CustomID: "ticket_modal_simple_Soporte general",
			Components: []discordgo.MessageComponent{
				&discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					&discordgo.TextInput{CustomID: "minecraft_nick", Value: "  Steve "},
				}},
				&discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					&discordgo.TextInput{CustomID: "ticket_details", Value: "no puedo entrar"},
				}},
			},
		},
	}}

	nick, details := modalFields(i)
	assert.Equal(t, "Steve", nick)
	assert.Equal(t, "no puedo entrar", details)
}

func TestIsStaleInteraction(t *testing.T) {
	assert.False(t, isStaleInteraction(assert.AnError))
	assert.True(t, isStaleInteraction(&discordgo.RESTError{
		Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownInteraction},
	}))
	assert.True(t, isStaleInteraction(&discordgo.RESTError{
		Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeInteractionHasAlreadyBeenAcknowledged},
	}))
	assert.False(t, isStaleInteraction(&discordgo.RESTError{
		Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeMissingAccess},
	}))
}
