package ticket

import (
	"fmt"
	"log"
	"time"

	"zonebot/config"
	"zonebot/locks"
)

// Failure reasons reported by the engine. The handler layer maps them to
// user-visible messages.
const (
	ReasonDuplicateRequest = "duplicate_request"
	ReasonDuplicateTicket  = "duplicate_ticket"
	ReasonTicketLimit      = "ticket_limit"
	ReasonRateLimit        = "rate_limit"
	ReasonInvalidCategory  = "invalid_category"
	ReasonNoTicket         = "no_ticket"
	ReasonTicketClosed     = "ticket_closed"
	ReasonNoPermission     = "no_permission"
	ReasonChannelError     = "channel_error"
	ReasonSaveError        = "save_error"
)

const (
	createLockTTL    = 15 * time.Second
	closeDedupWindow = 8 * time.Second
	categoryCooldown = 60 * time.Second
	burstWindow      = 30 * time.Minute
	burstLimit       = 3
)

// ChannelHooks is how the engine talks to the chat platform. Open creates
// the backing channel for a new ticket and returns its id, Delete tears one
// down, Exists drives orphan detection. All three may be nil in contexts
// that never reach them.
type ChannelHooks struct {
	Open   func(rec *Record) (string, error)
	Delete func(channelID string) error
	Exists func(channelID string) bool
}

// Engine is the ticket state machine. States are open and closed; closed is
// terminal. All collaborators are injected, the engine owns no globals.
type Engine struct {
	store    *Store
	activity *ActivityStore
	stats    *StatsStore
	locks    *locks.Store
	dedupe   *locks.Deduplicator
	cfg      *config.TicketsConfig
	hooks    ChannelHooks
	now      func() time.Time
}

func NewEngine(store *Store, activity *ActivityStore, stats *StatsStore, lockStore *locks.Store, dedupe *locks.Deduplicator, cfg *config.TicketsConfig) *Engine {
	return &Engine{
		store:    store,
		activity: activity,
		stats:    stats,
		locks:    lockStore,
		dedupe:   dedupe,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (e *Engine) SetHooks(h ChannelHooks) { e.hooks = h }

func (e *Engine) Store() *Store            { return e.store }
func (e *Engine) Activity() *ActivityStore { return e.activity }
func (e *Engine) Stats() *StatsStore       { return e.stats }

// CanCreateResult is the pre-check answer used by the creation panel.
type CanCreateResult struct {
	Allowed bool
	Reason  string
}

// CanCreate lets the presentation layer check before offering the creation
// form. Create re-checks everything; this is advisory.
func (e *Engine) CanCreate(userID, guildID string) CanCreateResult {
	if len(e.store.OpenByUser(userID, guildID)) >= e.cfg.MaxOpenPerUser {
		return CanCreateResult{Reason: ReasonTicketLimit}
	}
	if e.store.CreatedSince(userID, guildID, e.now().Add(-burstWindow)) >= burstLimit {
		return CanCreateResult{Reason: ReasonRateLimit}
	}
	return CanCreateResult{Allowed: true}
}

type CreateRequest struct {
	UserID         string
	GuildID        string
	Category       string
	Reason         string
	AdditionalInfo string
}

type CreateResult struct {
	OK         bool
	Reason     string
	RetryAfter time.Duration
	Ticket     *Record
}

// Create runs the full creation pipeline: per-user lock, duplicate and limit
// checks, channel creation through the hook, then persistence. The lock is
// released on every path; a failed save tears the fresh channel down again.
func (e *Engine) Create(req CreateRequest) CreateResult {
	if !e.locks.Acquire(req.UserID, "create_ticket", createLockTTL) {
		return CreateResult{
			Reason:     ReasonDuplicateRequest,
			RetryAfter: e.locks.TimeLeft(req.UserID, "create_ticket"),
		}
	}
	defer e.locks.Release(req.UserID, "create_ticket")

	if e.cfg.Category(req.Category) == nil {
		return CreateResult{Reason: ReasonInvalidCategory}
	}
	if dup := e.store.OpenInCategory(req.UserID, req.GuildID, req.Category); dup != nil {
		return CreateResult{Reason: ReasonDuplicateTicket, Ticket: dup}
	}
	if len(e.store.OpenByUser(req.UserID, req.GuildID)) >= e.cfg.MaxOpenPerUser {
		return CreateResult{Reason: ReasonTicketLimit}
	}
	if last := e.store.LastCreated(req.UserID, req.GuildID, req.Category); last != nil {
		if since := e.now().Sub(last.CreatedAt); since < categoryCooldown {
			return CreateResult{Reason: ReasonRateLimit, RetryAfter: categoryCooldown - since}
		}
	}

	id, err := e.store.Reserve()
	if err != nil {
		log.Printf("[Tickets] Cannot reserve ticket id: %v", err)
		return CreateResult{Reason: ReasonSaveError}
	}
	rec := &Record{
		ID:             id,
		UserID:         req.UserID,
		GuildID:        req.GuildID,
		Category:       req.Category,
		Status:         StatusOpen,
		Reason:         req.Reason,
		AdditionalInfo: req.AdditionalInfo,
		CreatedAt:      e.now(),
	}

	if e.hooks.Open == nil {
		return CreateResult{Reason: ReasonChannelError}
	}
	channelID, err := e.hooks.Open(rec)
	if err != nil {
		log.Printf("[Tickets] Channel creation failed for ticket %d: %v", id, err)
		return CreateResult{Reason: ReasonChannelError}
	}
	rec.ChannelID = channelID

	if err := e.store.Add(rec); err != nil {
		log.Printf("[Tickets] Save failed for ticket %d, tearing channel %s down: %v", id, channelID, err)
		if e.hooks.Delete != nil {
			_ = e.hooks.Delete(channelID)
		}
		return CreateResult{Reason: ReasonSaveError}
	}

	e.activity.Touch(channelID, req.UserID)
	log.Printf("[Tickets] Ticket %d created by %s in %s (%s)", id, req.UserID, req.GuildID, req.Category)
	return CreateResult{OK: true, Ticket: cloneTicket(rec)}
}

type ClaimResult struct {
	OK       bool
	Reason   string
	Already  bool
	Previous string
	Ticket   *Record
}

// Claim assigns a ticket. Claiming a ticket already yours is a no-op
// success; claiming over someone else reports the previous assignee so the
// handler can announce the reassignment.
func (e *Engine) Claim(channelID, by string, isStaff bool) ClaimResult {
	rec := e.store.ByChannel(channelID)
	if rec == nil {
		return ClaimResult{Reason: ReasonNoTicket}
	}
	if rec.Status != StatusOpen {
		return ClaimResult{Reason: ReasonTicketClosed}
	}
	if !isStaff && by != rec.UserID {
		return ClaimResult{Reason: ReasonNoPermission}
	}
	if rec.ClaimedBy == by {
		return ClaimResult{OK: true, Already: true, Ticket: rec}
	}

	previous := rec.ClaimedBy
	updated, err := e.store.Update(channelID, func(r *Record) {
		r.ClaimedBy = by
	})
	if err != nil {
		log.Printf("[Tickets] Save failed claiming ticket %d: %v", rec.ID, err)
	}
	e.activity.Touch(channelID, by)
	e.stats.RecordClaim(rec.GuildID, by)
	if previous != "" {
		log.Printf("[Tickets] Ticket %d reassigned %s -> %s", rec.ID, previous, by)
	}
	return ClaimResult{OK: true, Previous: previous, Ticket: updated}
}

type MoveResult struct {
	OK          bool
	Reason      string
	OldCategory string
	Ticket      *Record
}

// Move changes a ticket's category. Metadata only: the physical channel
// relocation is the handler's problem and its failure does not roll this
// back.
func (e *Engine) Move(channelID, newCategory, by string, isStaff bool) MoveResult {
	if !isStaff {
		return MoveResult{Reason: ReasonNoPermission}
	}
	if e.cfg.Category(newCategory) == nil {
		return MoveResult{Reason: ReasonInvalidCategory}
	}
	rec := e.store.ByChannel(channelID)
	if rec == nil {
		return MoveResult{Reason: ReasonNoTicket}
	}
	if rec.Status != StatusOpen {
		return MoveResult{Reason: ReasonTicketClosed}
	}

	old := rec.Category
	updated, err := e.store.Update(channelID, func(r *Record) {
		r.Category = newCategory
	})
	if err != nil {
		log.Printf("[Tickets] Save failed moving ticket %d: %v", rec.ID, err)
		return MoveResult{Reason: ReasonSaveError}
	}
	log.Printf("[Tickets] Ticket %d moved by %s: %s -> %s", rec.ID, by, old, newCategory)
	return MoveResult{OK: true, OldCategory: old, Ticket: updated}
}

type CloseResult struct {
	OK             bool
	Reason         string
	AlreadyClosing bool
	Ticket         *Record
}

// Close transitions a ticket to its terminal state. Duplicate close attempts
// inside an 8 second window get a success-shaped AlreadyClosing result so
// button double-clicks stay quiet. When the stored channel id no longer
// matches, the numeric suffix of channelName is tried against open ticket
// ids before giving up.
func (e *Engine) Close(channelID, channelName, by, reason string, isStaff, isSystem bool) CloseResult {
	if !isSystem {
		res := e.dedupe.Check(channelID, "close_ticket", closeDedupWindow)
		if !res.Allowed {
			return CloseResult{OK: true, AlreadyClosing: true}
		}
	}

	rec := e.store.ByChannel(channelID)
	if rec == nil && channelName != "" {
		rec = e.store.Adopt(channelName, channelID)
	}
	if rec == nil {
		e.dedupe.Release(channelID, "close_ticket")
		return CloseResult{Reason: ReasonNoTicket}
	}
	if rec.Status != StatusOpen {
		return CloseResult{OK: true, AlreadyClosing: true, Ticket: rec}
	}
	if !isSystem && !isStaff && by != rec.UserID && by != rec.ClaimedBy {
		e.dedupe.Release(channelID, "close_ticket")
		return CloseResult{Reason: ReasonNoPermission}
	}

	if reason == "" {
		reason = "Cerrado manualmente"
	}
	now := e.now()
	updated, err := e.store.Update(channelID, func(r *Record) {
		r.Status = StatusClosed
		r.ClosedAt = &now
		r.ClosedBy = by
		r.ClosedReason = reason
	})
	if err != nil {
		log.Printf("[Tickets] Save failed closing ticket %d: %v", rec.ID, err)
		return CloseResult{Reason: ReasonSaveError}
	}

	e.activity.Remove(channelID)
	if isSystem && reason == ClosedReasonInactivity {
		if rec.ClaimedBy != "" {
			e.stats.RecordAutoClose(rec.GuildID, rec.ClaimedBy)
		}
	} else if !isSystem {
		e.stats.RecordClose(rec.GuildID, by)
	}
	log.Printf("[Tickets] Ticket %d closed by %s (%s)", rec.ID, closerLabel(by, isSystem), reason)
	return CloseResult{OK: true, Ticket: updated}
}

func closerLabel(by string, isSystem bool) string {
	if isSystem {
		return "system"
	}
	return by
}

type PurgeResult struct {
	Simulation bool
	Count      int
	Affected   []*Record
}

// PurgeOrphans closes open tickets whose channel no longer exists. With
// simulate set nothing is written.
func (e *Engine) PurgeOrphans(simulate bool) *PurgeResult {
	res := &PurgeResult{Simulation: simulate}
	if e.hooks.Exists == nil {
		return res
	}

	for _, rec := range e.store.Open() {
		if e.hooks.Exists(rec.ChannelID) {
			continue
		}
		res.Count++
		if simulate {
			res.Affected = append(res.Affected, rec)
			continue
		}
		now := e.now()
		updated, err := e.store.Update(rec.ChannelID, func(r *Record) {
			r.Status = StatusClosed
			r.ClosedAt = &now
			r.ClosedBy = "system"
			r.ClosedReason = ClosedReasonOrphan
		})
		if err != nil {
			log.Printf("[Tickets] Save failed purging orphan ticket %d: %v", rec.ID, err)
			continue
		}
		e.activity.Remove(rec.ChannelID)
		res.Affected = append(res.Affected, updated)
		log.Printf("[Tickets] Ticket %d purged, channel %s is gone", rec.ID, rec.ChannelID)
	}
	return res
}

// ChannelName is the canonical channel name for a ticket, ending in its id
// so recovery by name suffix works.
func ChannelName(rec *Record) string {
	return fmt.Sprintf("ticket-%d", rec.ID)
}
