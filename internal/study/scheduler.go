package study

import (
	"math"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"

	"github.com/conorfennell/deckstudy/internal/domain"
)

// Scheduler is the gateway to the external spaced-repetition oracle. The
// oracle call is pure: it returns a new card value and a review log, and
// the caller decides what to persist.
type Scheduler struct {
	params fsrs.Parameters
}

func NewScheduler() *Scheduler {
	return &Scheduler{params: fsrs.DefaultParam()}
}

// Outcome is the oracle's answer for one rating.
type Outcome struct {
	Card domain.Card
	Log  domain.ReviewLog
}

// Next computes the card's next scheduling state for the given rating at
// now. The input card is not modified.
func (s *Scheduler) Next(card domain.Card, rating domain.Rating, now time.Time) Outcome {
	scheduling := s.params.Repeat(card.ToFSRS(), now)
	result := scheduling[fsrs.Rating(rating)]

	next := card
	next.ApplyFSRS(result.Card)

	return Outcome{
		Card: next,
		Log: domain.ReviewLog{
			CardID:        card.ID,
			Rating:        rating,
			ScheduledDays: float64(result.ReviewLog.ScheduledDays),
			ElapsedDays:   float64(result.ReviewLog.ElapsedDays),
			State:         int(result.ReviewLog.State),
			ReviewedAt:    now,
		},
	}
}

// overrideDue replaces the oracle's due instant and recomputes
// scheduled_days as the whole-day ceiling of the gap.
func overrideDue(card domain.Card, due time.Time, now time.Time) domain.Card {
	card.Due = due
	gap := due.Sub(now)
	if gap < 0 {
		gap = 0
	}
	card.ScheduledDays = math.Ceil(gap.Hours() / 24)
	return card
}
