package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promotions/internal/domain/order"
	"github.com/xenking/kart-promotions/internal/domain/product"
	"github.com/xenking/kart-promotions/internal/domain/promotion"
	"github.com/xenking/kart-promotions/internal/engine"
)

const maxBodyBytes = 1 << 20

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, badRequest(errors.Wrap(err, "read body"))
	}
	return data, nil
}

// decodeObject decodes a JSON object, calling field for every key. Unknown
// keys must be skipped by field.
func decodeObject(data []byte, field func(d *jx.Decoder, key string) error) error {
	if err := jx.DecodeBytes(data).Obj(field); err != nil {
		return badRequest(errors.Wrap(err, "decode body"))
	}
	return nil
}

// decodeDecimal accepts a JSON number or a numeric string.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(n.String())
	}
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		out = append(out, s)
		return err
	})
	return out, err
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func encodeError(code int, message string) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(code) })
		e.Field("message", func(e *jx.Encoder) { e.Str(message) })
	})
	return e.Bytes()
}

func money(e *jx.Encoder, d decimal.Decimal) {
	e.Num(jx.Num(d.StringFixed(2)))
}

func timestamp(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("state", func(e *jx.Encoder) { e.Str(string(o.State)) })
		if o.User != nil {
			e.Field("user", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("id", func(e *jx.Encoder) { e.Str(o.User.ID) })
					e.Field("email", func(e *jx.Encoder) { e.Str(o.User.Email) })
					e.Field("roles", func(e *jx.Encoder) { encodeStrings(e, o.User.Roles) })
				})
			})
		}
		if o.SessionID != "" {
			e.Field("session_id", func(e *jx.Encoder) { e.Str(o.SessionID) })
		}
		if o.CouponCode != "" {
			e.Field("coupon_code", func(e *jx.Encoder) { e.Str(o.CouponCode) })
		}
		e.Field("line_items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, li := range o.LineItems {
					encodeLineItem(e, li)
				}
			})
		})
		e.Field("adjustments", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, a := range o.Adjustments {
					encodeAdjustment(e, a)
				}
			})
		})
		e.Field("item_total", func(e *jx.Encoder) { money(e, o.ItemTotal) })
		e.Field("shipment_total", func(e *jx.Encoder) { money(e, o.ShipmentTotal) })
		e.Field("tax_total", func(e *jx.Encoder) { money(e, o.TaxTotal) })
		e.Field("adjustment_total", func(e *jx.Encoder) { money(e, o.AdjustmentTotal) })
		e.Field("total", func(e *jx.Encoder) { money(e, o.Total) })
		e.Field("created_at", func(e *jx.Encoder) { timestamp(e, o.CreatedAt) })
		if o.CompletedAt != nil {
			e.Field("completed_at", func(e *jx.Encoder) { timestamp(e, *o.CompletedAt) })
		}
	})
}

func encodeLineItem(e *jx.Encoder, li order.LineItem) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(li.ID) })
		e.Field("product_id", func(e *jx.Encoder) { e.Str(li.ProductID) })
		e.Field("price", func(e *jx.Encoder) {
			if !li.Price.Valid {
				e.Null()
				return
			}
			money(e, li.Price.Decimal)
		})
		e.Field("quantity", func(e *jx.Encoder) { e.Int(li.Quantity) })
	})
}

func encodeAdjustment(e *jx.Encoder, a order.Adjustment) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(a.ID) })
		e.Field("label", func(e *jx.Encoder) { e.Str(a.Label) })
		e.Field("amount", func(e *jx.Encoder) { money(e, a.Amount) })
		e.Field("source", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("type", func(e *jx.Encoder) { e.Str(a.Source.Type) })
				e.Field("id", func(e *jx.Encoder) { e.Str(a.Source.ID) })
			})
		})
		if a.PromotionID != "" {
			e.Field("promotion_id", func(e *jx.Encoder) { e.Str(a.PromotionID) })
		}
		if a.PromotionCode != "" {
			e.Field("promotion_code", func(e *jx.Encoder) { e.Str(a.PromotionCode) })
		}
		if a.FreeShipping {
			e.Field("free_shipping", func(e *jx.Encoder) { e.Bool(true) })
		}
		e.Field("created_at", func(e *jx.Encoder) { timestamp(e, a.CreatedAt) })
	})
}

func encodeResult(res *engine.Result) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("order", func(e *jx.Encoder) { encodeOrder(e, res.Order) })
		e.Field("applied", func(e *jx.Encoder) { encodeStrings(e, res.Applied) })
		e.Field("removed", func(e *jx.Encoder) { encodeStrings(e, res.Removed) })
	})
	return e.Bytes()
}

func encodeOrderBody(o *order.Order) []byte {
	var e jx.Encoder
	encodeOrder(&e, o)
	return e.Bytes()
}

func encodeStrings(e *jx.Encoder, values []string) {
	e.Arr(func(e *jx.Encoder) {
		for _, v := range values {
			e.Str(v)
		}
	})
}

func encodeProducts(products []product.Product) []byte {
	var e jx.Encoder
	e.Arr(func(e *jx.Encoder) {
		for _, p := range products {
			e.Obj(func(e *jx.Encoder) {
				e.Field("id", func(e *jx.Encoder) { e.Str(p.ID) })
				e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
				e.Field("price", func(e *jx.Encoder) { money(e, p.Price) })
				e.Field("category", func(e *jx.Encoder) { e.Str(p.Category) })
			})
		}
	})
	return e.Bytes()
}

// encodePromotion writes a summary of def; rule and action parameters are
// left out.
func encodePromotion(e *jx.Encoder, def promotion.Definition) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(def.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(def.Name) })
		if def.Description != "" {
			e.Field("description", func(e *jx.Encoder) { e.Str(def.Description) })
		}
		if def.Code != "" {
			e.Field("code", func(e *jx.Encoder) { e.Str(def.Code) })
		}
		e.Field("event", func(e *jx.Encoder) { e.Str(string(def.EventName)) })
		if def.UsageLimit != nil {
			e.Field("usage_limit", func(e *jx.Encoder) { e.Int(*def.UsageLimit) })
		}
		if def.StartsAt != nil {
			e.Field("starts_at", func(e *jx.Encoder) { timestamp(e, *def.StartsAt) })
		}
		if def.ExpiresAt != nil {
			e.Field("expires_at", func(e *jx.Encoder) { timestamp(e, *def.ExpiresAt) })
		}
		if def.MatchPolicy != "" {
			e.Field("match_policy", func(e *jx.Encoder) { e.Str(string(def.MatchPolicy)) })
		}
		e.Field("rules", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, r := range def.Rules {
					encodeRef(e, r.ID, string(r.Kind))
				}
			})
		})
		e.Field("actions", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, a := range def.Actions {
					encodeRef(e, a.ID, string(a.Kind))
				}
			})
		})
	})
}

func encodeRef(e *jx.Encoder, id, kind string) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(id) })
		e.Field("kind", func(e *jx.Encoder) { e.Str(kind) })
	})
}
