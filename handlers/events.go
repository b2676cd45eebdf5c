package handlers

import (
	"github.com/bwmarrin/discordgo"

	"zonebot/ticket"
)

// handleMessage keeps the inactivity clock honest: any human message in an
// open ticket channel starts a fresh activity episode.
func (h *Handler) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	rec := h.engine.Store().ByChannel(m.ChannelID)
	if rec == nil || rec.Status != ticket.StatusOpen {
		return
	}
	h.engine.Activity().Touch(m.ChannelID, m.Author.ID)
}
