package study

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conorfennell/deckstudy/internal/domain"
	"github.com/conorfennell/deckstudy/internal/storage"
)

// DefaultLimit caps a session queue when the caller does not choose one.
const DefaultLimit = 20

// ErrSessionDone is returned by Rate once the queue is exhausted.
var ErrSessionDone = errors.New("study session is finished")

// Entry is one position in the session queue: a card plus a flag marking
// in-session repeat insertions.
type Entry struct {
	Card   domain.Card
	Repeat bool
}

// Config tunes session construction.
type Config struct {
	// Limit caps the queue size; zero means DefaultLimit.
	Limit int
}

// RateOptions carries the caller's overrides for one rating.
type RateOptions struct {
	// OverrideDue replaces the oracle's computed due instant.
	OverrideDue *time.Time
	// RequeueOffset forces a repeat insertion this many positions after the
	// current one, clamped to the queue end. It overrides the rating-based
	// requeue decision entirely.
	RequeueOffset *int
}

// Session sequences one sitting over a deck's due cards. It assumes
// single-flight use: one rating at a time, from one caller.
type Session struct {
	store  storage.Store
	sched  *Scheduler
	deck   domain.Deck
	logger *slog.Logger

	entries  []Entry
	idx      int
	revealed bool
}

// NewSession builds the queue for a sitting: due cards of the deck, soonest
// first, capped at the configured limit. The queue is materialized once and
// never re-queried mid-session.
func NewSession(ctx context.Context, store storage.Store, sched *Scheduler, deck domain.Deck, cfg Config, now time.Time, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	cards, err := storage.DueCards(ctx, store, deck.ID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("build session queue: %w", err)
	}
	entries := make([]Entry, 0, len(cards))
	for _, c := range cards {
		entries = append(entries, Entry{Card: c})
	}
	logger.Info("Session queue built", "deck", deck.Name, "cards", len(entries))

	return &Session{store: store, sched: sched, deck: deck, logger: logger, entries: entries}, nil
}

// Deck returns the deck this session studies.
func (s *Session) Deck() domain.Deck { return s.deck }

// Len returns the current queue length, including repeat insertions.
func (s *Session) Len() int { return len(s.entries) }

// Position returns the zero-based index of the current entry.
func (s *Session) Position() int { return s.idx }

// Done reports whether the queue is exhausted.
func (s *Session) Done() bool { return s.idx >= len(s.entries) }

// Current returns the entry under study, or false when the session is done.
func (s *Session) Current() (Entry, bool) {
	if s.Done() {
		return Entry{}, false
	}
	return s.entries[s.idx], true
}

// Reveal flips the current card from Hidden to Revealed. The flip is
// one-way within a card's turn; advancing resets it.
func (s *Session) Reveal() { s.revealed = true }

// Revealed reports whether the current card's answer is showing.
func (s *Session) Revealed() bool { return s.revealed }

// Rate applies the learner's rating to the current card: it asks the
// oracle for the next scheduling state, persists it together with a review
// log, decides the in-session requeue, and advances the queue. A storage
// failure propagates and the queue does not advance.
func (s *Session) Rate(ctx context.Context, rating domain.Rating, now time.Time, opts RateOptions) error {
	entry, ok := s.Current()
	if !ok {
		return ErrSessionDone
	}

	outcome := s.sched.Next(entry.Card, rating, now)
	if opts.OverrideDue != nil {
		outcome.Card = overrideDue(outcome.Card, *opts.OverrideDue, now)
	}
	outcome.Card.LastReview = sql.NullTime{Time: now, Valid: true}

	if err := storage.UpdateCardScheduling(ctx, s.store, &outcome.Card); err != nil {
		return err
	}
	if err := storage.InsertReviewLog(ctx, s.store, &outcome.Log); err != nil {
		return err
	}

	if s.shouldRequeue(rating, now, opts) {
		s.requeue(Entry{Card: outcome.Card, Repeat: true}, opts.RequeueOffset)
	}

	s.idx++
	s.revealed = false
	return nil
}

// shouldRequeue decides whether the card stays in this sitting. An explicit
// offset always requeues. Otherwise only Again and Hard requeue, and an
// override pushing the card more than an hour out suppresses even those:
// the card is no longer due within this sitting.
func (s *Session) shouldRequeue(rating domain.Rating, now time.Time, opts RateOptions) bool {
	if opts.RequeueOffset != nil {
		return true
	}
	if rating != domain.Again && rating != domain.Hard {
		return false
	}
	if opts.OverrideDue != nil && opts.OverrideDue.Sub(now) > time.Hour {
		return false
	}
	return true
}

// requeue places the repeat entry: offset k lands current+1+k, clamped to
// the queue end; no offset appends to the tail.
func (s *Session) requeue(entry Entry, offset *int) {
	if offset == nil {
		s.entries = append(s.entries, entry)
		return
	}
	k := *offset
	if k < 0 {
		k = 0
	}
	pos := s.idx + 1 + k
	if pos >= len(s.entries) {
		s.entries = append(s.entries, entry)
		return
	}
	s.entries = append(s.entries[:pos], append([]Entry{entry}, s.entries[pos:]...)...)
}
