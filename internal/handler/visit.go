package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

func (h *Handler) trackVisit(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var visitor, path string
	if err := decodeObject(data, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "visitor":
			visitor, err = d.Str()
		case "path":
			path, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if path == "" {
		writeError(w, r, badRequest(errors.New("path required")))
		return
	}

	if err := h.deps.Visits.Track(r.Context(), visitor, path); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.deps.Products.List(r.Context())
	if err != nil {
		writeError(w, r, errors.Wrap(err, "list products"))
		return
	}
	writeJSON(w, http.StatusOK, encodeProducts(products))
}
