package handlers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"zonebot/lang"
	"zonebot/license"
)

const licensesPerPage = 10

func (h *Handler) licenseCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:                     "generar",
			Description:              "Genera una nueva licencia de ZonePlugin",
			DefaultMemberPermissions: &adminPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "cliente", Description: "Nombre del cliente", Required: true},
				{Type: discordgo.ApplicationCommandOptionInteger, Name: "dias", Description: "Días de validez", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "servidor", Description: "ID del servidor (opcional, licencia ligada a un despliegue)"},
			},
		},
		{
			Name:                     "licencias",
			Description:              "Lista las licencias activas",
			DefaultMemberPermissions: &adminPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionInteger, Name: "pagina", Description: "Página a mostrar"},
			},
		},
		{
			Name:        "verificar",
			Description: "Verifica una licencia",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "licencia", Description: "Clave de licencia", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "servidor", Description: "ID del servidor contra el que verificar"},
			},
		},
		{
			Name:                     "renovar",
			Description:              "Renueva una licencia",
			DefaultMemberPermissions: &adminPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "licencia", Description: "Clave de licencia", Required: true},
				{Type: discordgo.ApplicationCommandOptionInteger, Name: "dias", Description: "Días adicionales (1-365)", Required: true},
			},
		},
		{
			Name:                     "purgar",
			Description:              "Desactiva las licencias expiradas",
			DefaultMemberPermissions: &adminPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionBoolean, Name: "simulacion", Description: "Solo mostrar qué se purgaría, sin escribir"},
			},
		},
		{
			Name:                     "estadolicencias",
			Description:              "Resumen del estado de las licencias",
			DefaultMemberPermissions: &adminPerm,
		},
		{
			Name:                     "revocar",
			Description:              "Revoca una licencia",
			DefaultMemberPermissions: &adminPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "licencia", Description: "Clave de licencia", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "razon", Description: "Razón de la revocación"},
			},
		},
	}
}

func (h *Handler) handleGenerar(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !h.isLicenseStaff(s, i) {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	opts := optionMap(i)
	cliente := optStr(opts, "cliente", "")
	dias := int(optInt(opts, "dias", 0))
	servidor := optStr(opts, "servidor", "")

	if dias <= 0 || dias > 3650 {
		h.respond(s, i, lang.T("license_invalid_days"), true)
		return
	}

	dup, _ := h.licenses.FindDuplicate(cliente, servidor)

	rec, err := h.licenses.Issue(cliente, dias, servidor, interactionUserID(i))
	if err != nil {
		h.respond(s, i, lang.T("license_issue_failed", "error", err.Error()), true)
		return
	}

	embed := &discordgo.MessageEmbed{
		Title: "🔑 Licencia generada",
		Color: 0x57F287,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Clave", Value: fmt.Sprintf("`%s`", rec.Key)},
			{Name: "Cliente", Value: cliente, Inline: true},
			{Name: "Expira", Value: formatDate(rec.ExpiresAt), Inline: true},
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if servidor != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Servidor", Value: fmt.Sprintf("`%s`", servidor), Inline: true})
	}
	if dup != nil {
		embed.Description = lang.T("license_duplicate_warning", "key", dup.Key)
	}
	h.respondEmbed(s, i, embed, true)
}

func (h *Handler) handleLicencias(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !h.isLicenseStaff(s, i) {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	active, err := h.licenses.Active()
	if err != nil {
		h.respond(s, i, lang.T("error_generic"), true)
		return
	}
	if len(active) == 0 {
		h.respond(s, i, lang.T("license_list_empty"), true)
		return
	}

	pages := (len(active) + licensesPerPage - 1) / licensesPerPage
	page := int(optInt(optionMap(i), "pagina", 1))
	if page < 1 {
		page = 1
	}
	if page > pages {
		page = pages
	}

	var sb strings.Builder
	start := (page - 1) * licensesPerPage
	end := start + licensesPerPage
	if end > len(active) {
		end = len(active)
	}
	for _, rec := range active[start:end] {
		target := "cualquier servidor"
		if rec.ServerID != "" {
			target = "`" + rec.ServerID + "`"
		}
		sb.WriteString(fmt.Sprintf("`%s` — **%s** (%s) expira %s\n", rec.Key, rec.ClientName, target, formatDate(rec.ExpiresAt)))
	}

	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("📋 Licencias activas (%d)", len(active)),
		Description: sb.String(),
		Color:       0x5865F2,
		Footer:      &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Página %d/%d", page, pages)},
	}
	h.respondEmbed(s, i, embed, true)
}

func (h *Handler) handleVerificar(s *discordgo.Session, i *discordgo.InteractionCreate) {
	opts := optionMap(i)
	key := strings.ToUpper(strings.TrimSpace(optStr(opts, "licencia", "")))
	servidor := optStr(opts, "servidor", "")

	res := h.licenses.Verify(key, servidor)
	if res.Valid {
		embed := &discordgo.MessageEmbed{
			Title: "✅ Licencia válida",
			Color: 0x57F287,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Cliente", Value: res.ClientName, Inline: true},
				{Name: "Expira", Value: formatDate(res.ExpiresAt), Inline: true},
				{Name: "Días restantes", Value: fmt.Sprintf("%d", res.DaysLeft), Inline: true},
			},
		}
		h.respondEmbed(s, i, embed, true)
		return
	}

	h.respond(s, i, verifyFailureMessage(res.Reason), true)
}

func verifyFailureMessage(reason string) string {
	switch reason {
	case license.ReasonNoExists:
		return lang.T("verify_no_exists")
	case license.ReasonRevoked:
		return lang.T("verify_revoked")
	case license.ReasonExpired:
		return lang.T("verify_expired")
	case license.ReasonWrongServer:
		return lang.T("verify_wrong_server")
	default:
		return lang.T("verify_invalid")
	}
}

func (h *Handler) handleRenovar(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !h.isLicenseStaff(s, i) {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	opts := optionMap(i)
	key := strings.ToUpper(strings.TrimSpace(optStr(opts, "licencia", "")))
	dias := int(optInt(opts, "dias", 0))

	rec, err := h.licenses.Renew(key, dias, interactionUserID(i))
	switch {
	case errors.Is(err, license.ErrInvalidDuration):
		h.respond(s, i, lang.T("license_invalid_days"), true)
		return
	case errors.Is(err, license.ErrNotFound):
		h.respond(s, i, lang.T("license_not_found"), true)
		return
	case err != nil:
		h.respond(s, i, lang.T("error_generic"), true)
		return
	}

	h.respond(s, i, lang.T("renew_ok", "key", rec.Key, "date", formatDate(rec.ExpiresAt)), true)
}

func (h *Handler) handlePurgar(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !h.isLicenseStaff(s, i) {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	simulate := optBool(optionMap(i), "simulacion", false)
	res, err := h.licenses.Purge(interactionUserID(i), simulate)
	if err != nil {
		h.respond(s, i, lang.T("error_generic"), true)
		return
	}
	if res.Count == 0 {
		h.respond(s, i, lang.T("purge_none"), true)
		return
	}

	var sb strings.Builder
	for _, rec := range res.Affected {
		sb.WriteString(fmt.Sprintf("`%s` — %s (expiró %s)\n", rec.Key, rec.ClientName, formatDate(rec.ExpiresAt)))
	}
	title := fmt.Sprintf("🧹 %d licencias purgadas", res.Count)
	if simulate {
		title = fmt.Sprintf("🔍 Simulación: %d licencias se purgarían", res.Count)
	}
	h.respondEmbed(s, i, &discordgo.MessageEmbed{
		Title:       title,
		Description: sb.String(),
		Color:       0xFEE75C,
	}, true)
}

func (h *Handler) handleEstadoLicencias(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !h.isLicenseStaff(s, i) {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	stats, err := h.licenses.Stats()
	if err != nil {
		h.respond(s, i, lang.T("error_generic"), true)
		return
	}

	var clients strings.Builder
	for name, n := range stats.Clients {
		clients.WriteString(fmt.Sprintf("%s: %d\n", name, n))
	}
	if clients.Len() == 0 {
		clients.WriteString("—")
	}
	var issuers strings.Builder
	for id, n := range stats.Issuers {
		issuers.WriteString(fmt.Sprintf("<@%s>: %d\n", id, n))
	}
	if issuers.Len() == 0 {
		issuers.WriteString("—")
	}

	embed := &discordgo.MessageEmbed{
		Title: "📊 Estado de licencias",
		Color: 0x5865F2,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Total", Value: fmt.Sprintf("%d", stats.Total), Inline: true},
			{Name: "Activas", Value: fmt.Sprintf("%d", stats.Active), Inline: true},
			{Name: "Revocadas", Value: fmt.Sprintf("%d", stats.Revoked), Inline: true},
			{Name: "Expiradas sin purgar", Value: fmt.Sprintf("%d", stats.Expired), Inline: true},
			{Name: "Expiran en 7 días", Value: fmt.Sprintf("%d", stats.ExpiringSoon), Inline: true},
			{Name: "Por cliente", Value: clients.String()},
			{Name: "Por emisor", Value: issuers.String()},
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}
	h.respondEmbed(s, i, embed, true)
}

func (h *Handler) handleRevocar(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !h.isLicenseStaff(s, i) {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	opts := optionMap(i)
	key := strings.ToUpper(strings.TrimSpace(optStr(opts, "licencia", "")))
	razon := optStr(opts, "razon", "")

	rec, err := h.licenses.Revoke(key, interactionUserID(i), razon)
	switch {
	case errors.Is(err, license.ErrNotFound):
		h.respond(s, i, lang.T("license_not_found"), true)
		return
	case errors.Is(err, license.ErrAlreadyRevoked):
		h.respond(s, i, lang.T("revoke_already"), true)
		return
	case err != nil:
		h.respond(s, i, lang.T("error_generic"), true)
		return
	}

	h.respond(s, i, lang.T("revoke_ok", "key", rec.Key, "reason", rec.RevokedReason), true)
}

func formatDate(t time.Time) string {
	return t.Format("02/01/2006")
}
