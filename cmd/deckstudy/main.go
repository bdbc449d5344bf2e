package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/conorfennell/deckstudy/internal/anki"
	"github.com/conorfennell/deckstudy/internal/config"
	"github.com/conorfennell/deckstudy/internal/domain"
	"github.com/conorfennell/deckstudy/internal/source"
	"github.com/conorfennell/deckstudy/internal/storage"
	"github.com/conorfennell/deckstudy/internal/study"
)

const usage = `Usage: deckstudy [flags] <command> [args]

Commands:
  import <package|dir|git-url>...  import .apkg packages into the local store
  study <deck-id>                  run a review session over a deck
  decks                            list decks with total and due counts
  delete <deck-id>                 delete a deck and all of its cards
  stats                            show study statistics
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("deckstudy failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("deckstudy", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a yaml config file")
	config.RegisterFlags(flags)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage+"\nFlags:\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}

	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return fmt.Errorf("no command given")
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		return err
	}

	logger := slog.Default()
	ctx := context.Background()

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	switch rest[0] {
	case "import":
		return cmdImport(ctx, cfg, db, logger, rest[1:])
	case "study":
		return cmdStudy(ctx, cfg, db, logger, rest[1:])
	case "decks":
		return cmdDecks(ctx, db)
	case "delete":
		return cmdDelete(ctx, db, rest[1:])
	case "stats":
		return cmdStats(ctx, db)
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

// openStore brings up the single process-wide store that the importer and
// study sessions share.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*storage.DB, error) {
	if cfg.Storage.Backend == "memory" {
		initCtx, cancel := context.WithTimeout(ctx, cfg.Storage.InitTimeout)
		defer cancel()
		return storage.OpenMemory(initCtx, storage.MemoryOptions{
			SnapshotPath: cfg.Storage.SnapshotPath,
			Debounce:     cfg.Storage.Debounce,
		}, logger)
	}
	return storage.OpenNative(ctx, cfg.Storage.Path, logger)
}

func cmdImport(ctx context.Context, cfg config.Config, db *storage.DB, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("import: no package given")
	}

	importer := anki.NewImporter(db, anki.Options{
		MediaDir:    cfg.Import.MediaDir,
		OnDuplicate: anki.DuplicatePolicy(cfg.Import.OnDuplicate),
		Orphans:     anki.OrphanPolicy(cfg.Import.Orphans),
	}, logger)

	for _, raw := range args {
		src := source.Detect(raw)
		packages, err := src.Packages(cfg.Source.ReposDir, logger)
		if err != nil {
			return err
		}
		if len(packages) == 0 {
			return fmt.Errorf("no .apkg packages found at %s", raw)
		}
		for _, pkg := range packages {
			report, err := importer.Import(ctx, pkg)
			if err != nil {
				return fmt.Errorf("import %s: %w", pkg, err)
			}
			printReport(pkg, report)
		}
	}
	// Imports must be durable immediately, not after the debounce window.
	return db.Flush()
}

func printReport(pkg string, r *anki.Report) {
	color.New(color.Bold).Printf("%s\n", pkg)
	fmt.Printf("  decks: %d  cards: %d  updated: %d  skipped: %d  orphaned: %d  media: %d  (%s)\n",
		r.Decks, r.Cards, r.UpdatedCards, r.SkippedCards, r.OrphanCards, r.MediaFiles, r.Elapsed.Round(time.Millisecond))
	for _, w := range r.MediaWarnings {
		color.Yellow("  warning: %s", w)
	}
}

func cmdStudy(ctx context.Context, cfg config.Config, db *storage.DB, logger *slog.Logger, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("study: expected a deck id")
	}
	deckID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("study: invalid deck id %q", args[0])
	}
	deck, err := storage.GetDeck(ctx, db, deckID)
	if err != nil {
		return err
	}
	if deck == nil {
		return fmt.Errorf("study: deck %d not found", deckID)
	}

	session, err := study.NewSession(ctx, db, study.NewScheduler(), *deck, study.Config{Limit: cfg.Study.Limit}, time.Now(), logger)
	if err != nil {
		return err
	}
	if session.Done() {
		color.Green("All caught up! Nothing due in %q.", deck.Name)
		return nil
	}

	reader := bufio.NewReader(os.Stdin)
	bold := color.New(color.Bold)
	for !session.Done() {
		entry, _ := session.Current()
		fmt.Printf("\n[%d/%d] %s", session.Position()+1, session.Len(), deck.Name)
		if entry.Repeat {
			color.Yellow(" (repeat)")
		}
		fmt.Println()
		bold.Println(anki.CleanText(entry.Card.Question))

		fmt.Print("(enter to reveal, q to quit) ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		if strings.TrimSpace(line) == "q" {
			return nil
		}
		session.Reveal()
		color.Cyan(anki.CleanText(entry.Card.Answer))

		rating, quit, err := readRating(reader)
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
		if err := session.Rate(ctx, rating, time.Now(), study.RateOptions{}); err != nil {
			return fmt.Errorf("apply rating: %w", err)
		}
	}
	color.Green("\nSession complete.")
	return db.Flush()
}

func readRating(reader *bufio.Reader) (domain.Rating, bool, error) {
	for {
		fmt.Print("1) Again  2) Hard  3) Good  4) Easy  q) quit: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return 0, true, nil
		}
		switch strings.TrimSpace(line) {
		case "1":
			return domain.Again, false, nil
		case "2":
			return domain.Hard, false, nil
		case "3":
			return domain.Good, false, nil
		case "4":
			return domain.Easy, false, nil
		case "q":
			return 0, true, nil
		}
	}
}

func cmdDecks(ctx context.Context, db *storage.DB) error {
	decks, err := storage.ListDecks(ctx, db, time.Now())
	if err != nil {
		return err
	}
	if len(decks) == 0 {
		fmt.Println("No decks. Import a package with: deckstudy import <file.apkg>")
		return nil
	}
	for _, d := range decks {
		fmt.Printf("%4d  %-40s %4d cards, %d due\n", d.ID, d.Name, d.TotalCards, d.DueCards)
	}
	return nil
}

func cmdDelete(ctx context.Context, db *storage.DB, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("delete: expected a deck id")
	}
	deckID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("delete: invalid deck id %q", args[0])
	}
	deck, err := storage.GetDeck(ctx, db, deckID)
	if err != nil {
		return err
	}
	if deck == nil {
		return fmt.Errorf("delete: deck %d not found", deckID)
	}
	if err := storage.DeleteDeck(ctx, db, deckID); err != nil {
		return err
	}
	fmt.Printf("Deleted %q and its cards.\n", deck.Name)
	return db.Flush()
}

func cmdStats(ctx context.Context, db *storage.DB) error {
	now := time.Now()
	overview, err := storage.LoadOverview(ctx, db, now)
	if err != nil {
		return err
	}
	color.New(color.Bold).Println("Overview")
	fmt.Printf("  decks: %d  cards: %d (new %d, learning %d, review %d)\n",
		overview.Decks, overview.TotalCards, overview.NewCards, overview.LearningCards, overview.ReviewCards)
	fmt.Printf("  studied today: %d  mastered: %d  avg difficulty: %.1f  avg stability: %.1f\n",
		overview.StudiedToday, overview.Mastered, overview.AvgDifficulty, overview.AvgStability)

	breakdowns, err := storage.DeckBreakdowns(ctx, db)
	if err != nil {
		return err
	}
	if len(breakdowns) > 0 {
		color.New(color.Bold).Println("Decks")
		for _, b := range breakdowns {
			fmt.Printf("  %-40s %4d total (new %d, learning %d, review %d)\n",
				b.Name, b.Total, b.New, b.Learning, b.Review)
		}
	}

	weekly, err := storage.WeeklyReviews(ctx, db, now)
	if err != nil {
		return err
	}
	color.New(color.Bold).Println("Last 7 days")
	for i, n := range weekly {
		day := now.AddDate(0, 0, i-6)
		fmt.Printf("  %s %3d %s\n", day.Format("Mon"), n, strings.Repeat("#", int(n)))
	}
	return nil
}
