package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/kart-promotions/internal/domain/calculator"
	"github.com/xenking/kart-promotions/internal/domain/order"
	"github.com/xenking/kart-promotions/internal/domain/promotion"
)

func writeGz(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
}

func TestFindCodes(t *testing.T) {
	dir := t.TempDir()
	writeGz(t, filepath.Join(dir, "couponbase1.gz"), "HAPPYHRS", "ONLYONE1", "short", "FIFTYOFF")
	writeGz(t, filepath.Join(dir, "couponbase2.gz"), "HAPPYHRS", "SIXTYOFF", "FIFTYOFF")
	writeGz(t, filepath.Join(dir, "couponbase3.gz"), "SIXTYOFF", "FIFTYOFF", "WAYTOOLONGCODE")

	ctx := context.Background()
	lg := zap.NewNop()
	files, err := filepath.Glob(filepath.Join(dir, "*.gz"))
	require.NoError(t, err)

	filters, err := buildBloomFilters(ctx, lg, files, 1000)
	require.NoError(t, err)

	tests := []struct {
		minFiles int
		want     []string
	}{
		{minFiles: 2, want: []string{"FIFTYOFF", "HAPPYHRS", "SIXTYOFF"}},
		{minFiles: 3, want: []string{"FIFTYOFF"}},
	}
	for _, tt := range tests {
		codes, err := findCodes(ctx, lg, files, filters, tt.minFiles)
		require.NoError(t, err)
		assert.Equal(t, tt.want, codes)
	}
}

func TestRun_NotEnoughFiles(t *testing.T) {
	dir := t.TempDir()
	writeGz(t, filepath.Join(dir, "couponbase1.gz"), "HAPPYHRS")

	err := run(context.Background(), zap.NewNop(), options{
		pattern:  filepath.Join(dir, "*.gz"),
		minFiles: 2,
		capacity: 1000,
		dryRun:   true,
	})
	require.Error(t, err)
}

type stubStore struct {
	defs  []promotion.Definition
	saved []promotion.Definition
}

func (s *stubStore) ListPromotions(context.Context) ([]promotion.Definition, error) {
	return s.defs, nil
}

func (s *stubStore) SavePromotion(_ context.Context, def promotion.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.saved = append(s.saved, def)
	return nil
}

func TestIssueCodes(t *testing.T) {
	template := promotion.Definition{
		ID:        "tenoff",
		Name:      "Ten off",
		EventName: order.EventContentsChanged,
		Rules:     []promotion.RuleDefinition{{ID: "min", Kind: promotion.RuleItemTotal, Amount: decimal.NewFromInt(20)}},
		Actions: []promotion.ActionDefinition{{
			ID:         "pct",
			Kind:       promotion.ActionCreateAdjustment,
			Calculator: &calculator.Definition{Kind: calculator.KindFlatPercent, Percent: decimal.NewFromInt(10)},
		}},
	}
	store := &stubStore{defs: []promotion.Definition{template}}

	err := issueCodes(context.Background(), zap.NewNop(), store, options{template: "tenoff", usageLimit: 1}, []string{"HAPPYHRS", "FIFTYOFF"})
	require.NoError(t, err)
	require.Len(t, store.saved, 2)

	def := store.saved[0]
	assert.Equal(t, "tenoff-happyhrs", def.ID)
	assert.Equal(t, "HAPPYHRS", def.Code)
	assert.Equal(t, order.EventCouponCodeAdded, def.EventName)
	require.NotNil(t, def.UsageLimit)
	assert.Equal(t, 1, *def.UsageLimit)
	assert.Equal(t, "tenoff-happyhrs/min", def.Rules[0].ID)
	assert.Equal(t, "tenoff-happyhrs/pct", def.Actions[0].ID)
	assert.Equal(t, "Promotion (Ten off)", def.Actions[0].Label)
	assert.Equal(t, "tenoff-happyhrs/pct", def.Actions[0].Calculator.Calculable.ID)

	// The template is left untouched.
	assert.Equal(t, "pct", template.Actions[0].ID)
	assert.Empty(t, template.Actions[0].Calculator.Calculable.ID)

	_, err = promotion.NewBuilder().Build(def)
	require.NoError(t, err)

	err = issueCodes(context.Background(), zap.NewNop(), store, options{template: "missing"}, []string{"HAPPYHRS"})
	require.Error(t, err)
}
