package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conorfennell/deckstudy/internal/domain"
)

// InsertCard inserts a card with its full scheduling state and returns the
// local id.
func InsertCard(ctx context.Context, s Store, c *domain.Card) (int64, error) {
	res, err := s.Run(ctx, `
		INSERT INTO cards (deck_id, original_id, question, answer, media_files,
		                   state, due, stability, difficulty, elapsed_days,
		                   scheduled_days, reps, lapses, last_review)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.DeckID, c.OriginalID, c.Question, c.Answer, encodeMediaFiles(c.MediaFiles),
		c.State, FormatTime(c.Due), c.Stability, c.Difficulty, c.ElapsedDays,
		c.ScheduledDays, c.Reps, c.Lapses, formatNullTime(c.LastReview),
	)
	if err != nil {
		return 0, fmt.Errorf("insert card: %w", err)
	}
	return res.LastInsertID, nil
}

// UpsertCardByOrigin refreshes the content of an existing card matched by
// (deck_id, original_id), leaving its scheduling state untouched, or inserts
// the card when no match exists. The bool reports whether an existing card
// was updated.
func UpsertCardByOrigin(ctx context.Context, s Store, c *domain.Card) (int64, bool, error) {
	if !c.OriginalID.Valid {
		id, err := InsertCard(ctx, s, c)
		return id, false, err
	}
	row, err := s.GetFirst(ctx, `
		SELECT id FROM cards WHERE deck_id = ? AND original_id = ?
	`, c.DeckID, c.OriginalID.Int64)
	if err != nil {
		return 0, false, fmt.Errorf("find card by original id %d: %w", c.OriginalID.Int64, err)
	}
	if row == nil {
		id, err := InsertCard(ctx, s, c)
		return id, false, err
	}
	id := row.Int64("id")
	_, err = s.Run(ctx, `
		UPDATE cards SET question = ?, answer = ?, media_files = ?
		WHERE id = ?
	`, c.Question, c.Answer, encodeMediaFiles(c.MediaFiles), id)
	if err != nil {
		return 0, false, fmt.Errorf("refresh card %d: %w", id, err)
	}
	return id, true, nil
}

// DueCards returns the cards of a deck eligible for study at now, soonest
// first, capped at limit. New cards are always eligible.
func DueCards(ctx context.Context, s Store, deckID int64, now time.Time, limit int) ([]domain.Card, error) {
	rows, err := s.GetAll(ctx, `
		SELECT id, deck_id, original_id, question, answer, media_files,
		       state, due, stability, difficulty, elapsed_days,
		       scheduled_days, reps, lapses, last_review
		FROM cards
		WHERE deck_id = ? AND (state = 0 OR due <= ?)
		ORDER BY due ASC
		LIMIT ?
	`, deckID, FormatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due cards for deck %d: %w", deckID, err)
	}
	cards := make([]domain.Card, 0, len(rows))
	for _, row := range rows {
		cards = append(cards, cardFromRow(row))
	}
	return cards, nil
}

// UpdateCardScheduling persists the scheduling fields of a reviewed card.
func UpdateCardScheduling(ctx context.Context, s Store, c *domain.Card) error {
	res, err := s.Run(ctx, `
		UPDATE cards SET
			state = ?, due = ?, stability = ?, difficulty = ?,
			elapsed_days = ?, scheduled_days = ?, reps = ?, lapses = ?, last_review = ?
		WHERE id = ?
	`,
		c.State, FormatTime(c.Due), c.Stability, c.Difficulty,
		c.ElapsedDays, c.ScheduledDays, c.Reps, c.Lapses, formatNullTime(c.LastReview),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update scheduling of card %d: %w", c.ID, err)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update scheduling of card %d: card not found", c.ID)
	}
	return nil
}

// InsertReviewLog appends one review event.
func InsertReviewLog(ctx context.Context, s Store, rl *domain.ReviewLog) error {
	_, err := s.Run(ctx, `
		INSERT INTO review_logs (card_id, rating, scheduled_days, elapsed_days, state, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rl.CardID, int(rl.Rating), rl.ScheduledDays, rl.ElapsedDays, rl.State, FormatTime(rl.ReviewedAt))
	if err != nil {
		return fmt.Errorf("insert review log for card %d: %w", rl.CardID, err)
	}
	return nil
}

// CountCards returns the number of cards in a deck.
func CountCards(ctx context.Context, s Store, deckID int64) (int64, error) {
	row, err := s.GetFirst(ctx, `SELECT COUNT(*) AS n FROM cards WHERE deck_id = ?`, deckID)
	if err != nil {
		return 0, fmt.Errorf("count cards of deck %d: %w", deckID, err)
	}
	return row.Int64("n"), nil
}

func cardFromRow(row Row) domain.Card {
	return domain.Card{
		ID:            row.Int64("id"),
		DeckID:        row.Int64("deck_id"),
		OriginalID:    row.NullInt64("original_id"),
		Question:      row.String("question"),
		Answer:        row.String("answer"),
		MediaFiles:    row.StringList("media_files"),
		State:         int(row.Int64("state")),
		Due:           row.Time("due"),
		Stability:     row.Float64("stability"),
		Difficulty:    row.Float64("difficulty"),
		ElapsedDays:   row.Float64("elapsed_days"),
		ScheduledDays: row.Float64("scheduled_days"),
		Reps:          int(row.Int64("reps")),
		Lapses:        int(row.Int64("lapses")),
		LastReview:    row.NullTime("last_review"),
	}
}

func encodeMediaFiles(files []string) any {
	if len(files) == 0 {
		return nil
	}
	data, err := json.Marshal(files)
	if err != nil {
		return nil
	}
	return string(data)
}

func formatNullTime(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return FormatTime(t.Time)
}
