// Command coupon-import finds coupon codes listed in several gzip batches and
// issues each as a single-use promotion cloned from a template.
package main

import (
	"bufio"
	"context"
	"flag"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-promotions/internal/domain/calculator"
	"github.com/xenking/kart-promotions/internal/domain/order"
	"github.com/xenking/kart-promotions/internal/domain/promotion"
	"github.com/xenking/kart-promotions/internal/repository"
)

const (
	bloomFPR      = 0.001
	progressEvery = 10_000_000
	minCodeLen    = 8
	maxCodeLen    = 10
	maxFiles      = 64
)

type options struct {
	pattern     string
	databaseURL string
	template    string
	minFiles    int
	capacity    uint
	usageLimit  int
	dryRun      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.pattern, "files", "data/couponbase*.gz", "glob of gzip files with one code per line")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.template, "template", "", "ID of the promotion every code is cloned from")
	flag.IntVar(&opts.minFiles, "min-files", 2, "number of files a code must appear in")
	flag.IntVar(&opts.usageLimit, "usage-limit", 1, "usage limit of each issued code")
	flag.UintVar(&opts.capacity, "capacity", 120_000_000, "expected codes per file, sizes the bloom filters")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "only report the codes found")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if !opts.dryRun && (opts.databaseURL == "" || opts.template == "") {
		lg.Fatal("--template and a database URL (--database-url or DATABASE_URL) are required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, opts); err != nil {
		lg.Fatal("Coupon import failed", zap.Error(err))
	}
	lg.Info("Coupon import completed")
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	files, err := filepath.Glob(opts.pattern)
	if err != nil {
		return errors.Wrap(err, "expand file pattern")
	}
	slices.Sort(files)
	switch {
	case len(files) < opts.minFiles:
		return errors.Errorf("%d files match %q, need at least %d", len(files), opts.pattern, opts.minFiles)
	case len(files) > maxFiles:
		return errors.Errorf("%d files match %q, at most %d are supported", len(files), opts.pattern, maxFiles)
	}

	lg.Info("Pass 1: building bloom filters", zap.Int("files", len(files)))
	filters, err := buildBloomFilters(ctx, lg, files, opts.capacity)
	if err != nil {
		return errors.Wrap(err, "build bloom filters")
	}

	lg.Info("Pass 2: finding codes", zap.Int("min_files", opts.minFiles))
	codes, err := findCodes(ctx, lg, files, filters, opts.minFiles)
	if err != nil {
		return errors.Wrap(err, "find codes")
	}
	lg.Info("Codes found", zap.Int("count", len(codes)))
	if opts.dryRun || len(codes) == 0 {
		return nil
	}

	pool, err := repository.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	return issueCodes(ctx, lg, repository.NewPromotionRepository(pool), opts, codes)
}

// buildBloomFilters creates one bloom filter per file, concurrently.
func buildBloomFilters(ctx context.Context, lg *zap.Logger, files []string, capacity uint) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(capacity, bloomFPR)
			var count uint64
			if err := streamGzFile(ctx, path, func(code string) {
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					lg.Info("Pass 1 progress", zap.String("file", path), zap.Uint64("codes", count))
				}
			}); err != nil {
				return err
			}
			lg.Info("Pass 1 complete", zap.String("file", path), zap.Uint64("codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// findCodes re-streams every file, keeping codes some other file's filter
// reports, and returns the codes seen in at least minFiles files. Bloom false
// positives are removed because every file reports its own exact bit.
func findCodes(ctx context.Context, lg *zap.Logger, files []string, filters []*bloom.BloomFilter, minFiles int) ([]string, error) {
	results := make([]map[string]uint64, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			candidates := make(map[string]uint64)
			bit := uint64(1) << uint(i)
			if err := streamGzFile(ctx, path, func(code string) {
				for j, f := range filters {
					if j != i && f.TestString(code) {
						candidates[code] |= bit
						return
					}
				}
			}); err != nil {
				return err
			}
			lg.Info("Pass 2 complete", zap.String("file", path), zap.Int("candidates", len(candidates)))
			results[i] = candidates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint64)
	for _, r := range results {
		for code, mask := range r {
			merged[code] |= mask
		}
	}
	var codes []string
	for code, mask := range merged {
		if bits.OnesCount64(mask) >= minFiles {
			codes = append(codes, code)
		}
	}
	slices.Sort(codes)
	return codes, nil
}

// streamGzFile calls fn for each line of a gzip file holding a code of valid
// length.
func streamGzFile(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		code := strings.TrimSpace(scanner.Text())
		if len(code) < minCodeLen || len(code) > maxCodeLen {
			continue
		}
		fn(code)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

type promotionStore interface {
	ListPromotions(ctx context.Context) ([]promotion.Definition, error)
	SavePromotion(ctx context.Context, def promotion.Definition) error
}

func issueCodes(ctx context.Context, lg *zap.Logger, store promotionStore, opts options, codes []string) error {
	defs, err := store.ListPromotions(ctx)
	if err != nil {
		return errors.Wrap(err, "list promotions")
	}
	i := slices.IndexFunc(defs, func(d promotion.Definition) bool { return d.ID == opts.template })
	if i < 0 {
		return errors.Errorf("template promotion %q not found", opts.template)
	}
	template := defs[i]

	for n, code := range codes {
		def := cloneForCode(template, code, opts.usageLimit)
		if err := store.SavePromotion(ctx, def); err != nil {
			return errors.Wrapf(err, "save promotion for %s", code)
		}
		if (n+1)%100 == 0 || n+1 == len(codes) {
			lg.Info("Write progress", zap.Int("written", n+1), zap.Int("total", len(codes)))
		}
	}
	return nil
}

// cloneForCode copies template into a coupon promotion redeemable with code
// at most limit times. Rule and action IDs are prefixed with the new
// promotion ID to stay unique.
func cloneForCode(template promotion.Definition, code string, limit int) promotion.Definition {
	def := template
	def.ID = template.ID + "-" + strings.ToLower(code)
	def.Name = template.Name + " " + code
	def.Code = code
	def.EventName = order.EventCouponCodeAdded
	def.UsageLimit = &limit

	def.Rules = make([]promotion.RuleDefinition, len(template.Rules))
	for i, r := range template.Rules {
		r.ID = def.ID + "/" + r.ID
		r.ProductIDs = slices.Clone(r.ProductIDs)
		r.Roles = slices.Clone(r.Roles)
		def.Rules[i] = r
	}
	def.Actions = make([]promotion.ActionDefinition, len(template.Actions))
	for i, a := range template.Actions {
		a.ID = def.ID + "/" + a.ID
		if a.Calculator != nil {
			calc := *a.Calculator
			calc.Calculable = calculator.Calculable{ID: a.ID, Type: calculator.OwnerPromotionAction}
			a.Calculator = &calc
		}
		if a.Label == "" {
			a.Label = "Promotion (" + template.Name + ")"
		}
		def.Actions[i] = a
	}
	return def
}
