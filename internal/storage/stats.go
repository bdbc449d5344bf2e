package storage

import (
	"context"
	"fmt"
	"time"
)

// Overview aggregates study progress across every deck.
type Overview struct {
	Decks         int64
	TotalCards    int64
	NewCards      int64
	LearningCards int64
	ReviewCards   int64
	StudiedToday  int64
	Mastered      int64
	AvgDifficulty float64
	AvgStability  float64
}

// LoadOverview computes the global statistics snapshot.
func LoadOverview(ctx context.Context, s Store, now time.Time) (*Overview, error) {
	row, err := s.GetFirst(ctx, `
		SELECT COUNT(*) AS decks FROM decks
	`)
	if err != nil {
		return nil, fmt.Errorf("count decks: %w", err)
	}
	o := &Overview{Decks: row.Int64("decks")}

	row, err = s.GetFirst(ctx, `
		SELECT COUNT(*) AS total,
		       SUM(CASE WHEN state = 0 THEN 1 ELSE 0 END) AS new_count,
		       SUM(CASE WHEN state = 1 THEN 1 ELSE 0 END) AS learning_count,
		       SUM(CASE WHEN state = 2 OR state = 3 THEN 1 ELSE 0 END) AS review_count,
		       SUM(CASE WHEN stability > 30 AND state = 2 THEN 1 ELSE 0 END) AS mastered
		FROM cards
	`)
	if err != nil {
		return nil, fmt.Errorf("aggregate card states: %w", err)
	}
	o.TotalCards = row.Int64("total")
	o.NewCards = row.Int64("new_count")
	o.LearningCards = row.Int64("learning_count")
	o.ReviewCards = row.Int64("review_count")
	o.Mastered = row.Int64("mastered")

	studied, err := ReviewsOn(ctx, s, now)
	if err != nil {
		return nil, err
	}
	o.StudiedToday = studied

	row, err = s.GetFirst(ctx, `
		SELECT AVG(difficulty) AS avg_diff, AVG(stability) AS avg_stab
		FROM cards WHERE reps > 0
	`)
	if err != nil {
		return nil, fmt.Errorf("average scheduling fields: %w", err)
	}
	o.AvgDifficulty = row.Float64("avg_diff")
	o.AvgStability = row.Float64("avg_stab")
	return o, nil
}

// DeckBreakdown is the per-deck slice of the statistics view.
type DeckBreakdown struct {
	Name     string
	Total    int64
	New      int64
	Learning int64
	Review   int64
}

// DeckBreakdowns returns per-deck card counts by state.
func DeckBreakdowns(ctx context.Context, s Store) ([]DeckBreakdown, error) {
	rows, err := s.GetAll(ctx, `
		SELECT d.name,
		       COUNT(c.id) AS total,
		       SUM(CASE WHEN c.state = 0 THEN 1 ELSE 0 END) AS new_count,
		       SUM(CASE WHEN c.state = 1 THEN 1 ELSE 0 END) AS learning_count,
		       SUM(CASE WHEN c.state = 2 OR c.state = 3 THEN 1 ELSE 0 END) AS review_count
		FROM decks d
		LEFT JOIN cards c ON c.deck_id = d.id
		GROUP BY d.id
		ORDER BY d.id
	`)
	if err != nil {
		return nil, fmt.Errorf("deck breakdowns: %w", err)
	}
	out := make([]DeckBreakdown, 0, len(rows))
	for _, row := range rows {
		out = append(out, DeckBreakdown{
			Name:     row.String("name"),
			Total:    row.Int64("total"),
			New:      row.Int64("new_count"),
			Learning: row.Int64("learning_count"),
			Review:   row.Int64("review_count"),
		})
	}
	return out, nil
}

// ReviewsOn counts cards whose last review fell on the given calendar day.
func ReviewsOn(ctx context.Context, s Store, day time.Time) (int64, error) {
	row, err := s.GetFirst(ctx, `
		SELECT COUNT(*) AS n FROM cards
		WHERE last_review IS NOT NULL AND date(last_review) = date(?)
	`, FormatTime(day))
	if err != nil {
		return 0, fmt.Errorf("count reviews on %s: %w", day.Format("2006-01-02"), err)
	}
	return row.Int64("n"), nil
}

// WeeklyReviews returns review counts for the seven days ending at now,
// oldest first.
func WeeklyReviews(ctx context.Context, s Store, now time.Time) ([]int64, error) {
	counts := make([]int64, 0, 7)
	for i := 6; i >= 0; i-- {
		n, err := ReviewsOn(ctx, s, now.AddDate(0, 0, -i))
		if err != nil {
			return nil, err
		}
		counts = append(counts, n)
	}
	return counts, nil
}
