package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/xenking/kart-offers/internal/domain/auth"
	"github.com/xenking/kart-offers/internal/domain/offer"
	"github.com/xenking/kart-offers/internal/feed"
	"github.com/xenking/kart-offers/internal/repository"
)

func main() {
	var (
		databaseURL  string
		fixtureFile  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&fixtureFile, "fixture", "db/seed/catalog.json", "path to catalog fixture JSON file")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or KART_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or KART_API_KEY_PEPPER env)")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if apiKey == "" {
		apiKey = os.Getenv("KART_SEED_API_KEY")
	}
	if apiKey == "" {
		lg.Fatal("API key is required: set --api-key or KART_SEED_API_KEY")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("KART_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, fixtureFile, apiKey, apiKeyPepper); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, fixtureFile, apiKey, pepper string) error {
	data, err := os.ReadFile(fixtureFile)
	if err != nil {
		return errors.Wrap(err, "read fixture")
	}
	if !gjson.ValidBytes(data) {
		return errors.Errorf("fixture %s is not valid JSON", fixtureFile)
	}
	fixture := gjson.ParseBytes(data)

	lg.Info("Connecting to database")
	pool, err := repository.NewPool(ctx, databaseURL, 4)
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
		apikeys    = repository.NewAPIKeyRepository(pool)
	)

	for _, r := range fixture.Get("categories").Array() {
		c, err := feed.Category(r)
		if err != nil {
			return errors.Wrap(err, "parse category")
		}
		if err := categories.Upsert(ctx, &c); err != nil {
			return err
		}
	}
	lg.Info("Upserted categories", zap.Int("count", len(fixture.Get("categories").Array())))

	for _, r := range fixture.Get("products").Array() {
		p, err := feed.Product(r)
		if err != nil {
			return errors.Wrap(err, "parse product")
		}
		if err := products.Upsert(ctx, &p); err != nil {
			return err
		}
	}
	lg.Info("Upserted products", zap.Int("count", len(fixture.Get("products").Array())))

	now := time.Now().UTC()
	for _, r := range fixture.Get("offers").Array() {
		o, err := feed.Offer(r, now)
		if err != nil {
			return errors.Wrap(err, "parse offer")
		}
		if err := seedOffer(ctx, offers, &o); err != nil {
			return errors.Wrapf(err, "seed offer %s", o.ID)
		}
		lg.Info("Upserted offer", zap.String("id", o.ID), zap.String("type", string(o.Type)))
	}

	if err := apikeys.Upsert(ctx, &auth.APIKeyInfo{
		ID:      "default",
		KeyHash: auth.HashKey([]byte(pepper), apiKey),
		Name:    "Default admin key",
		Scopes:  []string{auth.ScopeOffersAdmin},
	}); err != nil {
		return errors.Wrap(err, "seed api key")
	}
	lg.Info("Upserted API key", zap.String("id", "default"))

	resolver := offer.NewResolver(offers, products, categories)
	propagator := offer.NewPropagator(offer.PropagatorConfig{}, resolver, offers, products, categories)
	changed, err := propagator.RefreshAll(ctx)
	if err != nil {
		return errors.Wrap(err, "propagate offers")
	}
	lg.Info("Propagated offers", zap.Int("changed", changed))
	return nil
}

// seedOffer normalizes o and creates or replaces the stored record.
func seedOffer(ctx context.Context, offers offer.Repository, o *offer.Offer) error {
	if err := o.Normalize(true); err != nil {
		return err
	}
	if err := o.Validate(); err != nil {
		return err
	}

	prev, err := offers.GetByID(ctx, o.ID)
	switch {
	case errors.Is(err, offer.ErrNotFound):
		return offers.Create(ctx, o)
	case err != nil:
		return err
	default:
		o.CreatedAt = prev.CreatedAt
		return offers.Update(ctx, o)
	}
}
