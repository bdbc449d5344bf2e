package anki

import (
	"archive/zip"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/deckstudy/internal/domain"
	"github.com/conorfennell/deckstudy/internal/storage"
)

func openTargetDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.OpenNative(context.Background(), filepath.Join(t.TempDir(), "target.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// writePackage assembles a .apkg container from raw members. The file is
// named dutch-basics.apkg so fallback-deck tests can assert on the name.
func writePackage(t *testing.T, members map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dutch-basics.apkg")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, data := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func zstdCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func packageDBBytes(t *testing.T, build func(t *testing.T, db *sql.DB)) []byte {
	t.Helper()
	path := buildPackageDB(t, build)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// standardFixture builds a package database with a decks table holding
// Default plus one real deck, two notes and two cards.
func standardFixture(t *testing.T, db *sql.DB) {
	mustExec(t, db, `CREATE TABLE decks (id INTEGER PRIMARY KEY, name TEXT)`)
	mustExec(t, db, `INSERT INTO decks (id, name) VALUES (1, 'Default'), (1623, 'Dutch')`)
	mustExec(t, db, `CREATE TABLE notes (id INTEGER PRIMARY KEY, flds TEXT)`)
	mustExec(t, db, `INSERT INTO notes (id, flds) VALUES (10, ?), (11, ?)`,
		"huis[sound:huis.mp3]"+fieldSeparator+"house",
		""+fieldSeparator+"boat"+fieldSeparator+"a vessel")
	mustExec(t, db, `CREATE TABLE cards (id INTEGER PRIMARY KEY, nid INTEGER, did INTEGER)`)
	mustExec(t, db, `INSERT INTO cards (id, nid, did) VALUES (100, 10, 1623), (101, 11, 1623)`)
}

func TestImportModernPackage(t *testing.T) {
	ctx := context.Background()
	db := openTargetDB(t)
	mediaDir := filepath.Join(t.TempDir(), "media")

	pkg := writePackage(t, map[string][]byte{
		modernDBMember: zstdCompress(t, packageDBBytes(t, standardFixture)),
		mediaMember:    []byte(`{"0": "huis.mp3"}`),
		"0":            []byte("not really audio"),
	})

	imp := NewImporter(db, Options{MediaDir: mediaDir}, slog.Default())
	report, err := imp.Import(ctx, pkg)
	require.NoError(t, err)

	// Default is skipped because a real deck exists.
	require.Equal(t, 1, report.Decks)
	require.Equal(t, 2, report.Cards)
	require.Zero(t, report.SkippedCards)
	require.Equal(t, 1, report.MediaFiles)
	require.Empty(t, report.MediaWarnings)

	decks, err := storage.ListDecks(ctx, db, time.Now())
	require.NoError(t, err)
	require.Len(t, decks, 1)
	require.Equal(t, "Dutch", decks[0].Name)

	cards, err := storage.DueCards(ctx, db, decks[0].ID, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	require.Equal(t, "huis[sound:huis.mp3]", cards[0].Question)
	require.Equal(t, "house", cards[0].Answer)
	require.Equal(t, []string{"huis.mp3"}, cards[0].MediaFiles)
	// Empty first field gets the placeholder; remaining fields join the answer.
	require.Equal(t, "Empty", cards[1].Question)
	require.Equal(t, "boat\n\na vessel", cards[1].Answer)

	_, err = os.Stat(filepath.Join(mediaDir, "huis.mp3"))
	require.NoError(t, err)
}

func TestImportLegacyPackage(t *testing.T) {
	ctx := context.Background()
	db := openTargetDB(t)

	blob := packageDBBytes(t, func(t *testing.T, db *sql.DB) {
		mustExec(t, db, `CREATE TABLE col (decks TEXT)`)
		mustExec(t, db, `INSERT INTO col (decks) VALUES (?)`, `{"1623": {"name": "Dutch"}}`)
		mustExec(t, db, `CREATE TABLE notes (id INTEGER PRIMARY KEY, flds TEXT)`)
		mustExec(t, db, `INSERT INTO notes (id, flds) VALUES (10, ?)`, "huis"+fieldSeparator+"house")
		mustExec(t, db, `CREATE TABLE cards (id INTEGER PRIMARY KEY, nid INTEGER, did INTEGER)`)
		mustExec(t, db, `INSERT INTO cards (id, nid, did) VALUES (100, 10, 1623)`)
	})
	pkg := writePackage(t, map[string][]byte{legacyDBMember: blob})

	report, err := NewImporter(db, Options{MediaDir: t.TempDir()}, nil).Import(ctx, pkg)
	require.NoError(t, err)
	require.Equal(t, 1, report.Decks)
	require.Equal(t, 1, report.Cards)

	decks, err := storage.ListDecks(ctx, db, time.Now())
	require.NoError(t, err)
	require.Len(t, decks, 1)
	require.Equal(t, "Dutch", decks[0].Name)
}

func TestImportFallbackDeckNamedAfterPackage(t *testing.T) {
	ctx := context.Background()
	db := openTargetDB(t)

	blob := packageDBBytes(t, func(t *testing.T, db *sql.DB) {
		mustExec(t, db, `CREATE TABLE notes (id INTEGER PRIMARY KEY, flds TEXT)`)
		mustExec(t, db, `INSERT INTO notes (id, flds) VALUES (10, 'huis')`)
		mustExec(t, db, `CREATE TABLE cards (id INTEGER PRIMARY KEY, nid INTEGER, did INTEGER)`)
		mustExec(t, db, `INSERT INTO cards (id, nid, did) VALUES (100, 10, 42)`)
	})
	pkg := writePackage(t, map[string][]byte{modernDBMember: zstdCompress(t, blob)})

	report, err := NewImporter(db, Options{MediaDir: t.TempDir()}, nil).Import(ctx, pkg)
	require.NoError(t, err)
	require.Equal(t, 1, report.Decks)
	require.Equal(t, 1, report.Cards)
	// The card's deck id is unknown to the synthetic deck, so it lands there
	// via the fallback policy.
	require.Equal(t, 1, report.OrphanCards)

	decks, err := storage.ListDecks(ctx, db, time.Now())
	require.NoError(t, err)
	require.Len(t, decks, 1)
	require.Equal(t, "dutch-basics", decks[0].Name)
}

func TestImportLoneDefaultDeckIsKept(t *testing.T) {
	ctx := context.Background()
	db := openTargetDB(t)

	blob := packageDBBytes(t, func(t *testing.T, db *sql.DB) {
		mustExec(t, db, `CREATE TABLE decks (id INTEGER PRIMARY KEY, name TEXT)`)
		mustExec(t, db, `INSERT INTO decks (id, name) VALUES (1, 'Default')`)
		mustExec(t, db, `CREATE TABLE notes (id INTEGER PRIMARY KEY, flds TEXT)`)
		mustExec(t, db, `INSERT INTO notes (id, flds) VALUES (10, 'huis')`)
		mustExec(t, db, `CREATE TABLE cards (id INTEGER PRIMARY KEY, nid INTEGER, did INTEGER)`)
		mustExec(t, db, `INSERT INTO cards (id, nid, did) VALUES (100, 10, 1)`)
	})
	pkg := writePackage(t, map[string][]byte{modernDBMember: zstdCompress(t, blob)})

	report, err := NewImporter(db, Options{MediaDir: t.TempDir()}, nil).Import(ctx, pkg)
	require.NoError(t, err)
	require.Equal(t, 1, report.Decks)

	decks, err := storage.ListDecks(ctx, db, time.Now())
	require.NoError(t, err)
	require.Len(t, decks, 1)
	require.Equal(t, "Default", decks[0].Name)
}

func TestImportRejectsBadContainers(t *testing.T) {
	ctx := context.Background()
	db := openTargetDB(t)
	imp := NewImporter(db, Options{MediaDir: t.TempDir()}, nil)

	t.Run("not a zip file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.apkg")
		require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))
		_, err := imp.Import(ctx, path)
		require.ErrorIs(t, err, ErrInvalidPackage)
	})

	t.Run("no database member", func(t *testing.T) {
		pkg := writePackage(t, map[string][]byte{"readme.txt": []byte("hi")})
		_, err := imp.Import(ctx, pkg)
		require.ErrorIs(t, err, ErrInvalidPackage)
	})

	t.Run("corrupt compressed database", func(t *testing.T) {
		pkg := writePackage(t, map[string][]byte{modernDBMember: []byte("definitely not zstd")})
		_, err := imp.Import(ctx, pkg)
		require.ErrorIs(t, err, ErrInvalidPackage)
	})

	// None of the failures touched the store.
	decks, err := storage.ListDecks(ctx, db, time.Now())
	require.NoError(t, err)
	require.Empty(t, decks)
}

func TestReimportPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("upsert refreshes content and keeps scheduling", func(t *testing.T) {
		db := openTargetDB(t)
		pkg := writePackage(t, map[string][]byte{
			modernDBMember: zstdCompress(t, packageDBBytes(t, standardFixture)),
		})

		imp := NewImporter(db, Options{MediaDir: t.TempDir(), OnDuplicate: DuplicateUpsert}, nil)
		report, err := imp.Import(ctx, pkg)
		require.NoError(t, err)
		require.Equal(t, 2, report.Cards)

		// Make progress on one card before re-importing.
		deckID := deckIDByName(t, db, "Dutch")
		cards, err := storage.DueCards(ctx, db, deckID, time.Now(), 10)
		require.NoError(t, err)
		progressed := cards[0]
		progressed.State = domain.StateReview
		progressed.Reps = 5
		require.NoError(t, storage.UpdateCardScheduling(ctx, db, &progressed))

		report, err = imp.Import(ctx, pkg)
		require.NoError(t, err)
		require.Zero(t, report.Cards)
		require.Equal(t, 2, report.UpdatedCards)

		n, err := storage.CountCards(ctx, db, deckID)
		require.NoError(t, err)
		require.Equal(t, int64(2), n)

		row, err := db.GetFirst(ctx, `SELECT state, reps FROM cards WHERE id = ?`, progressed.ID)
		require.NoError(t, err)
		require.Equal(t, int64(domain.StateReview), row.Int64("state"))
		require.Equal(t, int64(5), row.Int64("reps"))
	})

	t.Run("insert duplicates every card", func(t *testing.T) {
		db := openTargetDB(t)
		pkg := writePackage(t, map[string][]byte{
			modernDBMember: zstdCompress(t, packageDBBytes(t, standardFixture)),
		})

		imp := NewImporter(db, Options{MediaDir: t.TempDir(), OnDuplicate: DuplicateInsert}, nil)
		_, err := imp.Import(ctx, pkg)
		require.NoError(t, err)
		_, err = imp.Import(ctx, pkg)
		require.NoError(t, err)

		n, err := storage.CountCards(ctx, db, deckIDByName(t, db, "Dutch"))
		require.NoError(t, err)
		require.Equal(t, int64(4), n)
	})
}

func TestOrphanPolicies(t *testing.T) {
	ctx := context.Background()
	fixture := func(t *testing.T, db *sql.DB) {
		mustExec(t, db, `CREATE TABLE decks (id INTEGER PRIMARY KEY, name TEXT)`)
		mustExec(t, db, `INSERT INTO decks (id, name) VALUES (1623, 'Dutch')`)
		mustExec(t, db, `CREATE TABLE notes (id INTEGER PRIMARY KEY, flds TEXT)`)
		mustExec(t, db, `INSERT INTO notes (id, flds) VALUES (10, 'huis'), (11, 'boot')`)
		mustExec(t, db, `CREATE TABLE cards (id INTEGER PRIMARY KEY, nid INTEGER, did INTEGER)`)
		mustExec(t, db, `INSERT INTO cards (id, nid, did) VALUES (100, 10, 1623), (101, 11, 999)`)
	}

	t.Run("fallback redirects the card", func(t *testing.T) {
		db := openTargetDB(t)
		pkg := writePackage(t, map[string][]byte{modernDBMember: zstdCompress(t, packageDBBytes(t, fixture))})

		report, err := NewImporter(db, Options{MediaDir: t.TempDir(), Orphans: OrphanFallback}, nil).Import(ctx, pkg)
		require.NoError(t, err)
		require.Equal(t, 2, report.Cards)
		require.Equal(t, 1, report.OrphanCards)
		require.Zero(t, report.SkippedCards)

		n, err := storage.CountCards(ctx, db, deckIDByName(t, db, "Dutch"))
		require.NoError(t, err)
		require.Equal(t, int64(2), n)
	})

	t.Run("skip drops the card", func(t *testing.T) {
		db := openTargetDB(t)
		pkg := writePackage(t, map[string][]byte{modernDBMember: zstdCompress(t, packageDBBytes(t, fixture))})

		report, err := NewImporter(db, Options{MediaDir: t.TempDir(), Orphans: OrphanSkip}, nil).Import(ctx, pkg)
		require.NoError(t, err)
		require.Equal(t, 1, report.Cards)
		require.Equal(t, 1, report.OrphanCards)
		require.Equal(t, 1, report.SkippedCards)

		n, err := storage.CountCards(ctx, db, deckIDByName(t, db, "Dutch"))
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
	})
}

func TestCardWithoutNoteIsSkipped(t *testing.T) {
	ctx := context.Background()
	db := openTargetDB(t)

	blob := packageDBBytes(t, func(t *testing.T, db *sql.DB) {
		mustExec(t, db, `CREATE TABLE decks (id INTEGER PRIMARY KEY, name TEXT)`)
		mustExec(t, db, `INSERT INTO decks (id, name) VALUES (1623, 'Dutch')`)
		mustExec(t, db, `CREATE TABLE notes (id INTEGER PRIMARY KEY, flds TEXT)`)
		mustExec(t, db, `CREATE TABLE cards (id INTEGER PRIMARY KEY, nid INTEGER, did INTEGER)`)
		mustExec(t, db, `INSERT INTO cards (id, nid, did) VALUES (100, 77, 1623)`)
	})
	pkg := writePackage(t, map[string][]byte{modernDBMember: zstdCompress(t, blob)})

	report, err := NewImporter(db, Options{MediaDir: t.TempDir()}, nil).Import(ctx, pkg)
	require.NoError(t, err)
	require.Zero(t, report.Cards)
	require.Equal(t, 1, report.SkippedCards)
}

func TestMalformedMediaManifestWarns(t *testing.T) {
	ctx := context.Background()
	db := openTargetDB(t)

	pkg := writePackage(t, map[string][]byte{
		modernDBMember: zstdCompress(t, packageDBBytes(t, standardFixture)),
		mediaMember:    []byte("garbage, not json"),
	})

	report, err := NewImporter(db, Options{MediaDir: t.TempDir()}, nil).Import(ctx, pkg)
	require.NoError(t, err)
	require.Equal(t, 2, report.Cards)
	require.Zero(t, report.MediaFiles)
	require.NotEmpty(t, report.MediaWarnings)
}

func TestCardLoadIsAtomic(t *testing.T) {
	ctx := context.Background()
	db := openTargetDB(t)
	pkg := writePackage(t, map[string][]byte{
		modernDBMember: zstdCompress(t, packageDBBytes(t, standardFixture)),
	})

	flaky := &flakyStore{Store: db, failAfter: 1}
	imp := NewImporter(flaky, Options{MediaDir: t.TempDir(), OnDuplicate: DuplicateInsert}, nil)
	_, err := imp.Import(ctx, pkg)
	require.Error(t, err)

	// The first insert succeeded inside the transaction; the rollback must
	// leave zero cards behind.
	n, err := storage.CountCards(ctx, db, deckIDByName(t, db, "Dutch"))
	require.NoError(t, err)
	require.Zero(t, n)
}

func deckIDByName(t *testing.T, db *storage.DB, name string) int64 {
	t.Helper()
	row, err := db.GetFirst(context.Background(), `SELECT id FROM decks WHERE name = ?`, name)
	require.NoError(t, err)
	require.NotNil(t, row)
	return row.Int64("id")
}

// flakyStore fails the Nth statement run inside a transaction.
type flakyStore struct {
	storage.Store
	failAfter int
	runs      int
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(storage.Store) error) error {
	return f.Store.WithTx(ctx, func(tx storage.Store) error {
		return fn(&flakyTx{Store: tx, parent: f})
	})
}

type flakyTx struct {
	storage.Store
	parent *flakyStore
}

func (t *flakyTx) Run(ctx context.Context, query string, params ...any) (storage.Result, error) {
	t.parent.runs++
	if t.parent.runs > t.parent.failAfter {
		return storage.Result{}, errors.New("disk full")
	}
	return t.Store.Run(ctx, query, params...)
}
