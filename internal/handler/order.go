package handler

import (
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-promotions/internal/domain/order"
	"github.com/xenking/kart-promotions/internal/events"
)

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodePlaceOrder(data)
	if err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.deps.Orders.PlaceOrder(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, encodeOrderBody(o))
}

func decodePlaceOrder(data []byte) (order.PlaceOrderRequest, error) {
	var req order.PlaceOrderRequest
	err := decodeObject(data, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "user":
			req.User, err = decodeUser(d)
		case "session_id":
			req.SessionID, err = d.Str()
		case "coupon_code":
			req.CouponCode, err = d.Str()
		case "shipment_total":
			req.ShipmentTotal, err = decodeDecimal(d)
		case "tax_total":
			req.TaxTotal, err = decodeDecimal(d)
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				item, err := decodeItem(d)
				req.Items = append(req.Items, item)
				return err
			})
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	return req, err
}

func decodeUser(d *jx.Decoder) (*order.User, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	u := &order.User{}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			u.ID, err = d.Str()
		case "email":
			u.Email, err = d.Str()
		case "roles":
			u.Roles, err = decodeStrings(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, errors.New("id required")
	}
	return u, nil
}

func decodeItem(d *jx.Decoder) (order.OrderItem, error) {
	var item order.OrderItem
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product_id":
			item.ProductID, err = d.Str()
		case "quantity":
			item.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	return item, err
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.deps.Orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeOrderBody(o))
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var item order.OrderItem
	if err := decodeObject(data, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product_id":
			item.ProductID, err = d.Str()
		case "quantity":
			item.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if item.ProductID == "" {
		writeError(w, r, badRequest(errors.New("product_id required")))
		return
	}

	o, err := h.deps.Orders.UpdateQuantity(r.Context(), r.PathValue("id"), item.ProductID, item.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeOrderBody(o))
}

func (h *Handler) applyCoupon(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var code string
	if err := decodeObject(data, func(d *jx.Decoder, key string) error {
		if key != "code" {
			return d.Skip()
		}
		var err error
		code, err = d.Str()
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.deps.Orders.ApplyCoupon(r.Context(), r.PathValue("id"), code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeOrderBody(o))
}

// dispatchEvent reconciles the order for an explicit event. With ?async=true
// and a configured publisher the event is queued instead and 202 is returned.
func (h *Handler) dispatchEvent(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	m := events.Message{OrderID: r.PathValue("id")}
	if err := decodeObject(data, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "event":
			var s string
			s, err = d.Str()
			m.Event = order.Event(s)
		case "coupon_code":
			m.CouponCode, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if !m.Event.Valid() {
		writeError(w, r, badRequest(errors.Errorf("unknown event %q", m.Event)))
		return
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async && h.deps.Publisher != nil {
		if err := h.deps.Publisher.Publish(r.Context(), m); err != nil {
			writeError(w, r, errors.Wrap(err, "publish event"))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	res, err := h.deps.Engine.Reconcile(r.Context(), m.OrderID, m.Event, order.Payload{CouponCode: m.CouponCode})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeResult(res))
}

func (h *Handler) completeOrder(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Engine.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeResult(res))
}
