package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/conorfennell/deckstudy/internal/domain"
)

// InsertDeck inserts a new deck and returns its local id.
func InsertDeck(ctx context.Context, s Store, originalID sql.NullInt64, name string) (int64, error) {
	res, err := s.Run(ctx, `
		INSERT INTO decks (original_id, name)
		VALUES (?, ?)
	`, originalID, name)
	if err != nil {
		return 0, fmt.Errorf("insert deck %q: %w", name, err)
	}
	return res.LastInsertID, nil
}

// FindDeckByOriginalID returns the local deck imported under the given
// package deck id, or nil when none exists.
func FindDeckByOriginalID(ctx context.Context, s Store, originalID int64) (*domain.Deck, error) {
	row, err := s.GetFirst(ctx, `
		SELECT id, original_id, name, created_at
		FROM decks WHERE original_id = ?
	`, originalID)
	if err != nil {
		return nil, fmt.Errorf("find deck by original id %d: %w", originalID, err)
	}
	if row == nil {
		return nil, nil
	}
	d := deckFromRow(row)
	return &d, nil
}

// GetDeck returns a deck by local id, or nil when it does not exist.
func GetDeck(ctx context.Context, s Store, id int64) (*domain.Deck, error) {
	row, err := s.GetFirst(ctx, `
		SELECT id, original_id, name, created_at
		FROM decks WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get deck %d: %w", id, err)
	}
	if row == nil {
		return nil, nil
	}
	d := deckFromRow(row)
	return &d, nil
}

// ListDecks returns every deck with its total and currently due card counts.
func ListDecks(ctx context.Context, s Store, now time.Time) ([]domain.Deck, error) {
	rows, err := s.GetAll(ctx, `
		SELECT d.id, d.original_id, d.name, d.created_at,
		       COUNT(c.id) AS total_cards,
		       SUM(CASE WHEN c.state = 0 OR c.due <= ? THEN 1 ELSE 0 END) AS due_cards
		FROM decks d
		LEFT JOIN cards c ON c.deck_id = d.id
		GROUP BY d.id
		ORDER BY d.id
	`, FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list decks: %w", err)
	}
	decks := make([]domain.Deck, 0, len(rows))
	for _, row := range rows {
		d := deckFromRow(row)
		d.TotalCards = row.Int64("total_cards")
		d.DueCards = row.Int64("due_cards")
		decks = append(decks, d)
	}
	return decks, nil
}

// DeleteDeck removes a deck and all of its cards.
func DeleteDeck(ctx context.Context, s Store, id int64) error {
	return s.WithTx(ctx, func(tx Store) error {
		if _, err := tx.Run(ctx, `DELETE FROM cards WHERE deck_id = ?`, id); err != nil {
			return fmt.Errorf("delete cards of deck %d: %w", id, err)
		}
		if _, err := tx.Run(ctx, `DELETE FROM decks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete deck %d: %w", id, err)
		}
		return nil
	})
}

func deckFromRow(row Row) domain.Deck {
	return domain.Deck{
		ID:         row.Int64("id"),
		OriginalID: row.NullInt64("original_id"),
		Name:       row.String("name"),
		CreatedAt:  row.Time("created_at"),
	}
}
