package study

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conorfennell/deckstudy/internal/domain"
)

func TestSchedulerNextDoesNotMutateInput(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	card := domain.Card{ID: 1, State: domain.StateNew, Due: now}
	before := card

	outcome := NewScheduler().Next(card, domain.Good, now)
	require.Equal(t, before, card)
	require.NotEqual(t, domain.StateNew, outcome.Card.State)
}

func TestSchedulerNextAdvancesCard(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	card := domain.Card{ID: 1, State: domain.StateNew, Due: now}

	outcome := NewScheduler().Next(card, domain.Good, now)
	require.Equal(t, 1, outcome.Card.Reps)
	require.True(t, outcome.Card.Due.After(now))
	require.True(t, outcome.Card.Stability > 0)

	require.Equal(t, int64(1), outcome.Log.CardID)
	require.Equal(t, domain.Good, outcome.Log.Rating)
	require.True(t, outcome.Log.ReviewedAt.Equal(now))
}

func TestSchedulerAgainRaisesLapsesOnReviewCards(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	card := domain.Card{
		ID: 1, State: domain.StateReview,
		Due: now, Stability: 10, Difficulty: 5, Reps: 4,
	}

	outcome := NewScheduler().Next(card, domain.Again, now)
	require.Equal(t, 1, outcome.Card.Lapses)
	require.Equal(t, domain.StateRelearning, outcome.Card.State)
}

func TestOverrideDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	card := domain.Card{ScheduledDays: 7}

	// The gap rounds up to whole days.
	got := overrideDue(card, now.Add(36*time.Hour), now)
	require.True(t, got.Due.Equal(now.Add(36*time.Hour)))
	require.Equal(t, float64(2), got.ScheduledDays)

	// A past override clamps to zero instead of going negative.
	got = overrideDue(card, now.Add(-time.Hour), now)
	require.Zero(t, got.ScheduledDays)
}
