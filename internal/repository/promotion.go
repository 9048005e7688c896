package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-promotions/internal/catalog"
	"github.com/xenking/kart-promotions/internal/domain/order"
	"github.com/xenking/kart-promotions/internal/domain/promotion"
)

const (
	upsertPromotionSQL = `INSERT INTO promotions (id, name, description, code, event_name,
		usage_limit, starts_at, expires_at, match_policy)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description,
		code = EXCLUDED.code, event_name = EXCLUDED.event_name, usage_limit = EXCLUDED.usage_limit,
		starts_at = EXCLUDED.starts_at, expires_at = EXCLUDED.expires_at,
		match_policy = EXCLUDED.match_policy`

	deleteRulesSQL   = `DELETE FROM promotion_rules WHERE promotion_id = $1`
	deleteActionsSQL = `DELETE FROM promotion_actions WHERE promotion_id = $1`

	insertRuleSQL = `INSERT INTO promotion_rules (id, promotion_id, position, kind, preferences)
	VALUES ($1, $2, $3, $4, $5)`

	insertActionSQL = `INSERT INTO promotion_actions (id, promotion_id, position, kind, label, skip_zero, calculator)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	deletePromotionCreditsSQL = `DELETE FROM promotion_credits WHERE promotion_id = $1`
	deletePromotionSQL        = `DELETE FROM promotions WHERE id = $1`

	listPromotionsSQL = `SELECT id, name, description, code, event_name, usage_limit,
		starts_at, expires_at, match_policy
	FROM promotions ORDER BY seq`

	listRulesSQL = `SELECT r.promotion_id, r.id, r.kind, r.preferences
	FROM promotion_rules r JOIN promotions p ON p.id = r.promotion_id
	ORDER BY p.seq, r.position`

	listActionsSQL = `SELECT a.promotion_id, a.id, a.kind, a.label, a.skip_zero, a.calculator
	FROM promotion_actions a JOIN promotions p ON p.id = a.promotion_id
	ORDER BY p.seq, a.position`
)

var _ catalog.Source = (*PromotionRepository)(nil)

// PromotionRepository stores promotion definitions with their rules and
// actions. Rule parameters are kept in a JSONB preferences column.
type PromotionRepository struct {
	pool *pgxpool.Pool
}

// NewPromotionRepository returns a PromotionRepository that uses the given pool.
func NewPromotionRepository(pool *pgxpool.Pool) *PromotionRepository {
	return &PromotionRepository{pool: pool}
}

// SavePromotion inserts or replaces a promotion. Rules and actions are replaced as a
// whole; a replaced promotion keeps its position.
func (r *PromotionRepository) SavePromotion(ctx context.Context, def promotion.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertPromotionSQL,
			def.ID, def.Name, def.Description, def.Code, string(def.EventName),
			def.UsageLimit, def.StartsAt, def.ExpiresAt, matchPolicy(def.MatchPolicy),
		); err != nil {
			return errors.Wrapf(err, "upsert promotion %q", def.ID)
		}

		batch := &pgx.Batch{}
		batch.Queue(deleteRulesSQL, def.ID)
		batch.Queue(deleteActionsSQL, def.ID)
		for i, rule := range def.Rules {
			prefs := rule
			prefs.ID, prefs.Kind = "", ""
			batch.Queue(insertRuleSQL, rule.ID, def.ID, i, string(rule.Kind), prefs)
		}
		for i, a := range def.Actions {
			batch.Queue(insertActionSQL, a.ID, def.ID, i, string(a.Kind), a.Label, a.SkipZero, a.Calculator)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrapf(err, "save rules and actions of %q", def.ID)
		}
		return nil
	})
}

// DeletePromotion removes a promotion with its rules, actions and credits.
func (r *PromotionRepository) DeletePromotion(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deletePromotionCreditsSQL, id); err != nil {
			return errors.Wrapf(err, "delete credits of %q", id)
		}
		if _, err := tx.Exec(ctx, deletePromotionSQL, id); err != nil {
			return errors.Wrapf(err, "delete promotion %q", id)
		}
		return nil
	})
}

// ListPromotions returns every promotion in insertion order.
func (r *PromotionRepository) ListPromotions(ctx context.Context) ([]promotion.Definition, error) {
	rows, err := r.pool.Query(ctx, listPromotionsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list promotions")
	}
	defs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (promotion.Definition, error) {
		var (
			d      promotion.Definition
			event  string
			policy string
		)
		err := row.Scan(&d.ID, &d.Name, &d.Description, &d.Code, &event,
			&d.UsageLimit, &d.StartsAt, &d.ExpiresAt, &policy)
		d.EventName = order.Event(event)
		d.MatchPolicy = promotion.MatchPolicy(policy)
		return d, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan promotions")
	}
	index := make(map[string]int, len(defs))
	for i, d := range defs {
		index[d.ID] = i
	}

	rows, err = r.pool.Query(ctx, listRulesSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list rules")
	}
	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storedRule, error) {
		var (
			sr   storedRule
			id   string
			kind string
		)
		err := row.Scan(&sr.promotionID, &id, &kind, &sr.def)
		sr.def.ID, sr.def.Kind = id, promotion.RuleKind(kind)
		return sr, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan rules")
	}
	for _, rule := range rules {
		i := index[rule.promotionID]
		defs[i].Rules = append(defs[i].Rules, rule.def)
	}

	rows, err = r.pool.Query(ctx, listActionsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list actions")
	}
	actions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storedAction, error) {
		var (
			a    storedAction
			kind string
		)
		err := row.Scan(&a.promotionID, &a.def.ID, &kind, &a.def.Label, &a.def.SkipZero, &a.def.Calculator)
		a.def.Kind = promotion.ActionKind(kind)
		return a, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan actions")
	}
	for _, a := range actions {
		i := index[a.promotionID]
		defs[i].Actions = append(defs[i].Actions, a.def)
	}
	return defs, nil
}

type storedRule struct {
	promotionID string
	def         promotion.RuleDefinition
}

type storedAction struct {
	promotionID string
	def         promotion.ActionDefinition
}

func matchPolicy(p promotion.MatchPolicy) string {
	if p == "" {
		return string(promotion.MatchAll)
	}
	return string(p)
}
