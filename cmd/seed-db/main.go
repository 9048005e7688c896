package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-promotions/internal/catalog"
	"github.com/xenking/kart-promotions/internal/domain/auth"
	"github.com/xenking/kart-promotions/internal/domain/product"
	"github.com/xenking/kart-promotions/internal/repository"
)

type productJSON struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Category string          `json:"category"`
}

type options struct {
	databaseURL    string
	productsFile   string
	promotionsFile string
	apiKey         string
	apiKeyPepper   string
	adminKey       string
}

func main() {
	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&opts.promotionsFile, "promotions-file", "db/seed/promotions.yaml", "path to promotions YAML file; empty skips")
	flag.StringVar(&opts.apiKey, "api-key", "", "storefront API key to seed (or PROMO_SEED_API_KEY env)")
	flag.StringVar(&opts.adminKey, "admin-key", "", "admin API key to seed, optional (or PROMO_SEED_ADMIN_KEY env)")
	flag.StringVar(&opts.apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or PROMO_API_KEY_PEPPER env)")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	opts.databaseURL = orEnv(opts.databaseURL, "DATABASE_URL")
	opts.apiKey = orEnv(opts.apiKey, "PROMO_SEED_API_KEY")
	opts.adminKey = orEnv(opts.adminKey, "PROMO_SEED_ADMIN_KEY")
	opts.apiKeyPepper = orEnv(opts.apiKeyPepper, "PROMO_API_KEY_PEPPER")
	if opts.databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if opts.apiKey == "" {
		lg.Fatal("API key is required: set --api-key or PROMO_SEED_API_KEY")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func orEnv(v, env string) string {
	if v != "" {
		return v
	}
	return os.Getenv(env)
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	lg.Info("Connecting to database")
	pool, err := repository.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := repository.Migrate(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, lg, repository.NewProductRepository(pool), opts.productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}
	if opts.promotionsFile != "" {
		if err := seedPromotions(ctx, lg, repository.NewPromotionRepository(pool), opts.promotionsFile); err != nil {
			return errors.Wrap(err, "seed promotions")
		}
	}

	keys := repository.NewAPIKeyRepository(pool)
	pepper := []byte(opts.apiKeyPepper)
	if err := keys.Upsert(ctx, auth.APIKeyInfo{
		ID:      "default",
		KeyHash: auth.HashKey(pepper, opts.apiKey),
		Name:    "Default storefront key",
		Scopes:  []string{auth.ScopeOrders},
	}); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}
	lg.Info("Upserted API key", zap.String("id", "default"))

	if opts.adminKey != "" {
		if err := keys.Upsert(ctx, auth.APIKeyInfo{
			ID:      "admin",
			KeyHash: auth.HashKey(pepper, opts.adminKey),
			Name:    "Promotions admin key",
			Scopes:  []string{auth.ScopeOrders, auth.ScopePromotions},
		}); err != nil {
			return errors.Wrap(err, "upsert admin API key")
		}
		lg.Info("Upserted API key", zap.String("id", "admin"))
	}
	return nil
}

func seedProducts(ctx context.Context, lg *zap.Logger, repo *repository.ProductRepository, path string) error {
	lg.Info("Reading products file", zap.String("path", path))
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read products file")
	}

	var raw []productJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "parse products JSON")
	}
	products := make([]product.Product, len(raw))
	for i, p := range raw {
		products[i] = product.Product{ID: p.ID, Name: p.Name, Price: p.Price, Category: p.Category}
	}

	if err := repo.Upsert(ctx, products); err != nil {
		return err
	}
	lg.Info("Upserted products", zap.Int("count", len(products)))
	return nil
}

func seedPromotions(ctx context.Context, lg *zap.Logger, repo *repository.PromotionRepository, path string) error {
	lg.Info("Reading promotions file", zap.String("path", path))
	defs, err := catalog.FileSource{Path: path}.ListPromotions(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := repo.SavePromotion(ctx, def); err != nil {
			return errors.Wrapf(err, "save promotion %s", def.ID)
		}
		lg.Info("Saved promotion", zap.String("id", def.ID), zap.String("name", def.Name))
	}
	return nil
}
