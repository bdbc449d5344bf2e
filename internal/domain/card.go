package domain

import (
	"database/sql"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"
)

// Card state values, matching the FSRS state machine.
const (
	StateNew        = 0
	StateLearning   = 1
	StateReview     = 2
	StateRelearning = 3
)

// Rating is the learner's response to a revealed card.
type Rating int

const (
	Again Rating = 1
	Hard  Rating = 2
	Good  Rating = 3
	Easy  Rating = 4
)

func (r Rating) String() string {
	switch r {
	case Again:
		return "again"
	case Hard:
		return "hard"
	case Good:
		return "good"
	case Easy:
		return "easy"
	}
	return "unknown"
}

// Deck is a named collection of cards. OriginalID carries the id the deck
// had in the package it was imported from and deduplicates re-imports.
type Deck struct {
	ID         int64
	OriginalID sql.NullInt64
	Name       string
	CreatedAt  time.Time

	// Populated by list queries only.
	TotalCards int64
	DueCards   int64
}

// Card is a single question/answer pair plus its scheduling state. The
// scheduling fields are owned by the study engine and only ever written
// back from a scheduler result.
type Card struct {
	ID            int64
	DeckID        int64
	OriginalID    sql.NullInt64
	Question      string
	Answer        string
	MediaFiles    []string
	State         int
	Due           time.Time
	Stability     float64
	Difficulty    float64
	ElapsedDays   float64
	ScheduledDays float64
	Reps          int
	Lapses        int
	LastReview    sql.NullTime
}

// IsDue reports whether the card is eligible for study at the given time.
// New cards are always due.
func (c *Card) IsDue(now time.Time) bool {
	return c.State == StateNew || !c.Due.After(now)
}

// ToFSRS maps the card's scheduling fields onto an FSRS card for the
// scheduler.
func (c *Card) ToFSRS() fsrs.Card {
	fc := fsrs.Card{
		Due:           c.Due,
		Stability:     c.Stability,
		Difficulty:    c.Difficulty,
		ElapsedDays:   uint64(max(c.ElapsedDays, 0)),
		ScheduledDays: uint64(max(c.ScheduledDays, 0)),
		Reps:          uint64(max(c.Reps, 0)),
		Lapses:        uint64(max(c.Lapses, 0)),
		State:         fsrs.State(max(c.State, 0)),
	}
	if c.LastReview.Valid {
		fc.LastReview = c.LastReview.Time
	}
	return fc
}

// ApplyFSRS writes a scheduler result back onto the card.
func (c *Card) ApplyFSRS(fc fsrs.Card) {
	c.Due = fc.Due
	c.Stability = fc.Stability
	c.Difficulty = fc.Difficulty
	c.ElapsedDays = float64(fc.ElapsedDays)
	c.ScheduledDays = float64(fc.ScheduledDays)
	c.Reps = int(fc.Reps)
	c.Lapses = int(fc.Lapses)
	c.State = int(fc.State)
	c.LastReview = sql.NullTime{Time: fc.LastReview, Valid: !fc.LastReview.IsZero()}
}

// ReviewLog records a single review event for a card.
type ReviewLog struct {
	ID            int64
	CardID        int64
	Rating        Rating
	ScheduledDays float64
	ElapsedDays   float64
	State         int
	ReviewedAt    time.Time
}
