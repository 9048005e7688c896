package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-promotions/internal/catalog"
	"github.com/xenking/kart-promotions/internal/domain/promotion"
)

func (h *Handler) listPromotions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Promotions == nil {
		writeError(w, r, &apiError{status: http.StatusNotImplemented, message: "promotion store not configured"})
		return
	}
	defs, err := h.deps.Promotions.ListPromotions(r.Context())
	if err != nil {
		writeError(w, r, errors.Wrap(err, "list promotions"))
		return
	}
	var e jx.Encoder
	e.Arr(func(e *jx.Encoder) {
		for _, def := range defs {
			encodePromotion(e, def)
		}
	})
	writeJSON(w, http.StatusOK, e.Bytes())
}

// savePromotion creates or replaces the promotion named by the path. The body
// may omit the id; a different id is rejected.
func (h *Handler) savePromotion(w http.ResponseWriter, r *http.Request) {
	if h.deps.Promotions == nil {
		writeError(w, r, &apiError{status: http.StatusNotImplemented, message: "promotion store not configured"})
		return
	}
	id := r.PathValue("id")
	data, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	def, err := catalog.DecodeDefinition(data)
	if err != nil && !errors.Is(err, promotion.ErrInvalidDefinition) {
		writeError(w, r, badRequest(err))
		return
	}
	if def.ID == "" {
		def.ID = id
	}
	if def.ID != id {
		writeError(w, r, badRequest(errors.Errorf("id %q does not match path", def.ID)))
		return
	}
	// A trial build rejects definitions the catalog could not load.
	if _, err := promotion.NewBuilder().Build(def); err != nil {
		writeError(w, r, &apiError{status: http.StatusUnprocessableEntity, message: err.Error()})
		return
	}

	if err := h.deps.Promotions.SavePromotion(r.Context(), def); err != nil {
		writeError(w, r, errors.Wrap(err, "save promotion"))
		return
	}
	if err := h.reload(r); err != nil {
		writeError(w, r, err)
		return
	}
	var e jx.Encoder
	encodePromotion(&e, def)
	writeJSON(w, http.StatusOK, e.Bytes())
}

func (h *Handler) deletePromotion(w http.ResponseWriter, r *http.Request) {
	if h.deps.Promotions == nil {
		writeError(w, r, &apiError{status: http.StatusNotImplemented, message: "promotion store not configured"})
		return
	}
	if err := h.deps.Promotions.DeletePromotion(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, errors.Wrap(err, "delete promotion"))
		return
	}
	if err := h.reload(r); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reloadPromotions(w http.ResponseWriter, r *http.Request) {
	if err := h.reload(r); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reload(r *http.Request) error {
	if h.deps.Catalog == nil {
		return nil
	}
	if err := h.deps.Catalog.Reload(r.Context()); err != nil {
		return errors.Wrap(err, "reload promotions")
	}
	return nil
}
