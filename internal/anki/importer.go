package anki

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/conorfennell/deckstudy/internal/domain"
	"github.com/conorfennell/deckstudy/internal/storage"
)

// Note fields are joined by the unit separator control character.
const fieldSeparator = "\x1f"

// DuplicatePolicy decides what happens when a re-import meets a card whose
// original_id already exists in the target deck.
type DuplicatePolicy string

const (
	// DuplicateInsert inserts a second row, the historic behavior.
	DuplicateInsert DuplicatePolicy = "insert"
	// DuplicateUpsert refreshes question/answer/media of the existing row
	// and never touches its scheduling state.
	DuplicateUpsert DuplicatePolicy = "upsert"
)

// OrphanPolicy decides what happens to a card whose source deck id was
// never materialized.
type OrphanPolicy string

const (
	// OrphanFallback redirects the card to the first materialized deck.
	OrphanFallback OrphanPolicy = "fallback"
	// OrphanSkip drops the card and counts it.
	OrphanSkip OrphanPolicy = "skip"
)

// Options configures an import run.
type Options struct {
	MediaDir    string
	OnDuplicate DuplicatePolicy
	Orphans     OrphanPolicy
}

// Report summarizes one import run.
type Report struct {
	Decks         int
	Cards         int
	UpdatedCards  int
	SkippedCards  int
	OrphanCards   int
	MediaFiles    int
	MediaWarnings []string
	Elapsed       time.Duration
}

// Importer loads compressed flashcard packages into the local store.
type Importer struct {
	store  storage.Store
	opts   Options
	logger *slog.Logger
}

func NewImporter(store storage.Store, opts Options, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OnDuplicate == "" {
		opts.OnDuplicate = DuplicateUpsert
	}
	if opts.Orphans == "" {
		opts.Orphans = OrphanFallback
	}
	return &Importer{store: store, opts: opts, logger: logger}
}

// Import runs the pipeline over one package file. It either loads every
// resolvable card in one transaction or leaves the target tables untouched.
func (imp *Importer) Import(ctx context.Context, path string) (*Report, error) {
	start := time.Now()
	report := &Report{}

	pkg, err := openPackage(path)
	if err != nil {
		return nil, err
	}
	defer pkg.Close()

	dbPath, err := pkg.extractDatabase()
	if err != nil {
		return nil, err
	}

	pkgDB, err := storage.OpenPackageDB(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPackage, err)
	}
	defer pkgDB.Close()

	detection := detectDecks(ctx, pkgDB, pkg.name, imp.logger)
	imp.logger.Info("Detected deck schema", "kind", detection.Kind.String(), "decks", len(detection.Decks))

	deckMap, deckOrder, err := imp.materializeDecks(ctx, detection)
	if err != nil {
		return nil, fmt.Errorf("materialize decks: %w", err)
	}
	report.Decks = len(deckMap)

	cards, err := imp.resolveCards(ctx, pkgDB, detection, deckMap, deckOrder, report, time.Now())
	if err != nil {
		return nil, fmt.Errorf("extract cards: %w", err)
	}

	if manifest, ok := pkg.mediaManifest(); ok {
		copied, warnings := pkg.extractMedia(manifest, imp.opts.MediaDir)
		report.MediaFiles = copied
		report.MediaWarnings = warnings
		for _, w := range warnings {
			imp.logger.Warn("Media extraction issue", "detail", w)
		}
	} else if pkg.member(mediaMember) != nil {
		report.MediaWarnings = append(report.MediaWarnings, "media manifest present but not parseable")
		imp.logger.Warn("Media manifest present but not parseable, skipping media")
	}

	err = imp.store.WithTx(ctx, func(tx storage.Store) error {
		for i := range cards {
			switch imp.opts.OnDuplicate {
			case DuplicateInsert:
				if _, err := storage.InsertCard(ctx, tx, &cards[i]); err != nil {
					return err
				}
				report.Cards++
			default:
				_, updated, err := storage.UpsertCardByOrigin(ctx, tx, &cards[i])
				if err != nil {
					return err
				}
				if updated {
					report.UpdatedCards++
				} else {
					report.Cards++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commit cards: %w", err)
	}

	report.Elapsed = time.Since(start)
	imp.logger.Info("Import complete",
		"package", path,
		"decks", report.Decks,
		"cards", report.Cards,
		"updated", report.UpdatedCards,
		"skipped", report.SkippedCards,
		"orphaned", report.OrphanCards,
		"media", report.MediaFiles,
		"elapsed", report.Elapsed,
	)
	return report, nil
}

// materializeDecks upserts the detected decks by original_id and returns
// the source-id to local-id map plus the local ids in materialization
// order. A deck named Default is skipped only when other decks exist.
func (imp *Importer) materializeDecks(ctx context.Context, detection deckDetection) (map[int64]int64, []int64, error) {
	deckMap := make(map[int64]int64, len(detection.Decks))
	var order []int64

	for _, d := range detection.Decks {
		if d.Name == "Default" && len(detection.Decks) > 1 {
			imp.logger.Info("Skipping Default deck", "original_id", d.OriginalID)
			continue
		}

		existing, err := storage.FindDeckByOriginalID(ctx, imp.store, d.OriginalID)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			deckMap[d.OriginalID] = existing.ID
			order = append(order, existing.ID)
			continue
		}

		id, err := storage.InsertDeck(ctx, imp.store, sql.NullInt64{Int64: d.OriginalID, Valid: true}, d.Name)
		if err != nil {
			return nil, nil, err
		}
		deckMap[d.OriginalID] = id
		order = append(order, id)
	}
	return deckMap, order, nil
}

// resolveCards reads every note and card from the package database and
// resolves them into local card rows. Per-card failures are counted, not
// fatal.
func (imp *Importer) resolveCards(
	ctx context.Context,
	pkgDB storage.Store,
	detection deckDetection,
	deckMap map[int64]int64,
	deckOrder []int64,
	report *Report,
	now time.Time,
) ([]domain.Card, error) {
	noteRows, err := pkgDB.GetAll(ctx, `SELECT id, flds FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("read notes: %w", err)
	}
	notes := make(map[int64]string, len(noteRows))
	for _, row := range noteRows {
		notes[row.Int64("id")] = row.String("flds")
	}

	cardRows, err := pkgDB.GetAll(ctx, `SELECT id, nid, did FROM cards ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("read cards: %w", err)
	}

	// The legacy default deck if it was materialized, otherwise the first
	// materialized deck.
	fallbackDeck, haveFallback := deckMap[1]
	if !haveFallback && len(deckOrder) > 0 {
		fallbackDeck = deckOrder[0]
		haveFallback = true
	}

	var cards []domain.Card
	for _, row := range cardRows {
		sourceDeckID := row.Int64("did")
		targetDeck, ok := deckMap[sourceDeckID]
		if !ok {
			if imp.opts.Orphans == OrphanSkip || !haveFallback {
				report.SkippedCards++
				report.OrphanCards++
				continue
			}
			imp.logger.Warn("Card references unknown deck, using fallback",
				"card", row.Int64("id"), "source_deck", sourceDeckID, "fallback_deck", fallbackDeck)
			targetDeck = fallbackDeck
			report.OrphanCards++
		}

		flds, ok := notes[row.Int64("nid")]
		if !ok {
			imp.logger.Warn("Card has no note, skipping", "card", row.Int64("id"))
			report.SkippedCards++
			continue
		}

		question, answer := splitNoteFields(flds)
		cards = append(cards, domain.Card{
			DeckID:     targetDeck,
			OriginalID: sql.NullInt64{Int64: row.Int64("id"), Valid: true},
			Question:   question,
			Answer:     answer,
			MediaFiles: MediaRefs(question, answer),
			State:      domain.StateNew,
			Due:        now,
		})
	}
	return cards, nil
}

// splitNoteFields breaks a note's field blob apart: field 0 is the
// question, the remaining fields joined by blank lines form the answer.
func splitNoteFields(flds string) (question, answer string) {
	fields := strings.Split(flds, fieldSeparator)
	question = fields[0]
	if question == "" {
		question = "Empty"
	}
	if len(fields) > 1 {
		answer = strings.Join(fields[1:], "\n\n")
	}
	return question, answer
}
