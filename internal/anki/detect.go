package anki

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"

	"github.com/conorfennell/deckstudy/internal/storage"
)

// deckSchemaKind names the deck schema generation found in a package
// database.
type deckSchemaKind int

const (
	// deckSchemaTable: modern packages carry a dedicated decks table.
	deckSchemaTable deckSchemaKind = iota
	// deckSchemaLegacyJSON: legacy packages embed a JSON deck map in the
	// collection metadata table.
	deckSchemaLegacyJSON
	// deckSchemaFallback: nothing parseable; a single synthetic deck named
	// for the package stands in.
	deckSchemaFallback
)

func (k deckSchemaKind) String() string {
	switch k {
	case deckSchemaTable:
		return "decks table"
	case deckSchemaLegacyJSON:
		return "legacy JSON"
	}
	return "fallback"
}

type deckInfo struct {
	OriginalID int64
	Name       string
}

type deckDetection struct {
	Kind  deckSchemaKind
	Decks []deckInfo
}

// detectDecks probes the package database for its deck schema generation.
// It is the terminal safety net of the pipeline: every probe failure
// degrades to the next probe and ultimately to the fallback deck, so it
// never returns an error.
func detectDecks(ctx context.Context, db storage.Store, packageName string, logger *slog.Logger) deckDetection {
	fallback := deckDetection{
		Kind:  deckSchemaFallback,
		Decks: []deckInfo{{OriginalID: 1, Name: packageName}},
	}

	tables, err := db.GetAll(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'decks'`)
	if err != nil {
		logger.Warn("Schema detection failed, using fallback deck", "error", err)
		return fallback
	}

	if len(tables) > 0 {
		rows, err := db.GetAll(ctx, `SELECT id, name FROM decks ORDER BY id`)
		if err != nil {
			logger.Warn("Reading decks table failed, using fallback deck", "error", err)
			return fallback
		}
		decks := make([]deckInfo, 0, len(rows))
		for _, row := range rows {
			name := row.String("name")
			if name == "" {
				name = "Imported Deck"
			}
			decks = append(decks, deckInfo{OriginalID: row.Int64("id"), Name: name})
		}
		if len(decks) == 0 {
			return fallback
		}
		return deckDetection{Kind: deckSchemaTable, Decks: decks}
	}

	row, err := db.GetFirst(ctx, `SELECT decks FROM col`)
	if err != nil || row == nil {
		logger.Warn("No collection metadata, using fallback deck", "error", err)
		return fallback
	}
	decks := parseLegacyDecks(row.String("decks"))
	if len(decks) == 0 {
		return fallback
	}
	return deckDetection{Kind: deckSchemaLegacyJSON, Decks: decks}
}

// parseLegacyDecks reads the col.decks JSON blob: a map of deck id to an
// object carrying at least a name.
func parseLegacyDecks(blob string) []deckInfo {
	if blob == "" {
		return nil
	}
	var raw map[string]struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(blob), &raw); err != nil {
		return nil
	}
	decks := make([]deckInfo, 0, len(raw))
	for idStr, d := range raw {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		name := d.Name
		if name == "" {
			name = "Imported Deck"
		}
		decks = append(decks, deckInfo{OriginalID: id, Name: name})
	}
	// Map order is random; keep materialization deterministic.
	sort.Slice(decks, func(i, j int) bool { return decks[i].OriginalID < decks[j].OriginalID })
	return decks
}
