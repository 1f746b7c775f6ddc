package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-offers/internal/domain/catalog"
	"github.com/xenking/kart-offers/internal/domain/offer"
	"github.com/xenking/kart-offers/internal/feed"
	"github.com/xenking/kart-offers/internal/repository"
)

const (
	progressEvery = 100_000
	maxLineBytes  = 1 << 20
	maxLoggedBad  = 20
)

type options struct {
	dataDir     string
	pattern     string
	databaseURL string
	workers     int
	capacity    uint
	fpr         float64
}

type stats struct {
	lines      atomic.Int64
	malformed  atomic.Int64
	duplicates atomic.Int64
	upserted   atomic.Int64
}

func main() {
	var opts options
	flag.StringVar(&opts.dataDir, "data-dir", "data", "directory containing gzipped JSON-lines product feeds")
	flag.StringVar(&opts.pattern, "pattern", "*.jsonl.gz", "feed file glob; files are read in lexical order and the first occurrence of a product id wins")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&opts.workers, "workers", 8, "parallel database writers")
	flag.UintVar(&opts.capacity, "capacity", 10_000_000, "expected number of distinct products")
	flag.Float64Var(&opts.fpr, "fpr", 0.0001, "duplicate filter false positive rate; a false positive drops a product")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Fatal("Catalog ingest failed", zap.Error(err))
	}
	lg.Info("Catalog ingest completed")
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	files, err := filepath.Glob(filepath.Join(opts.dataDir, opts.pattern))
	if err != nil {
		return errors.Wrap(err, "glob feeds")
	}
	if len(files) == 0 {
		return errors.Errorf("no feeds match %s in %s", opts.pattern, opts.dataDir)
	}
	slices.Sort(files)

	pool, err := repository.NewPool(ctx, opts.databaseURL, int32(opts.workers+2))
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	var (
		products   = repository.NewProductRepository(pool)
		categories = repository.NewCategoryRepository(pool)
		offers     = repository.NewOfferRepository(pool)
		st         stats
	)

	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan catalog.Product, opts.workers*64)

	g.Go(func() error {
		defer close(queue)
		return readFeeds(gctx, lg, files, opts, &st, queue)
	})
	for range opts.workers {
		g.Go(func() error {
			for p := range queue {
				if err := products.Upsert(gctx, &p); err != nil {
					return err
				}
				if n := st.upserted.Add(1); n%progressEvery == 0 {
					lg.Info("Ingest progress", zap.Int64("upserted", n))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	lg.Info("Feeds ingested",
		zap.Int("files", len(files)),
		zap.Int64("lines", st.lines.Load()),
		zap.Int64("upserted", st.upserted.Load()),
		zap.Int64("duplicates", st.duplicates.Load()),
		zap.Int64("malformed", st.malformed.Load()),
	)

	if err := ensureCategories(ctx, lg, products, categories); err != nil {
		return err
	}

	// Prices may have changed under existing offers, and new products may
	// fall into discounted categories.
	resolver := offer.NewResolver(offers, products, categories)
	propagator := offer.NewPropagator(offer.PropagatorConfig{Concurrency: opts.workers}, resolver, offers, products, categories)
	changed, err := propagator.RefreshAll(ctx)
	if err != nil {
		return errors.Wrap(err, "propagate offers")
	}
	lg.Info("Propagated offers", zap.Int("changed", changed))
	return nil
}

// readFeeds streams every feed in order and sends each first-seen product.
func readFeeds(
	ctx context.Context,
	lg *zap.Logger,
	files []string,
	opts options,
	st *stats,
	out chan<- catalog.Product,
) error {
	seen := bloom.NewWithEstimates(opts.capacity, opts.fpr)

	for _, path := range files {
		flg := lg.With(zap.String("file", filepath.Base(path)))
		flg.Info("Reading feed")

		err := streamGzLines(ctx, path, func(line []byte) error {
			st.lines.Add(1)
			p, err := feed.Product(gjson.ParseBytes(line))
			if err != nil {
				if n := st.malformed.Add(1); n <= maxLoggedBad {
					flg.Warn("Skipping malformed line", zap.Error(err))
				}
				return nil
			}
			if seen.TestAndAddString(p.ID) {
				st.duplicates.Add(1)
				return nil
			}
			select {
			case out <- p:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
	}
	return nil
}

// streamGzLines calls fn for every non-empty line of a gzip file. The line
// slice is only valid during the call.
func streamGzLines(ctx context.Context, path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "create gzip reader")
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return errors.Wrap(scanner.Err(), "scan")
}

// ensureCategories creates a placeholder category for every category id
// referenced by a product but missing from the catalog.
func ensureCategories(
	ctx context.Context,
	lg *zap.Logger,
	products catalog.ProductRepository,
	categories catalog.CategoryRepository,
) error {
	existing, err := categories.List(ctx)
	if err != nil {
		return errors.Wrap(err, "list categories")
	}
	known := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		known[c.ID] = struct{}{}
	}

	all, err := products.List(ctx)
	if err != nil {
		return errors.Wrap(err, "list products")
	}
	for _, p := range all {
		if p.CategoryID == "" {
			continue
		}
		if _, ok := known[p.CategoryID]; ok {
			continue
		}
		known[p.CategoryID] = struct{}{}
		if err := categories.Upsert(ctx, &catalog.Category{ID: p.CategoryID, Name: p.CategoryID}); err != nil {
			return err
		}
		lg.Info("Created missing category", zap.String("id", p.CategoryID))
	}
	return nil
}
