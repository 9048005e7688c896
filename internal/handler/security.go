package handler

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-promotions/internal/domain/auth"
)

// HeaderAPIKey carries the caller's API key.
const HeaderAPIKey = "X-API-Key"

// authorize authenticates the request by the HMAC-SHA256 of its API key and
// requires scope. The stored hash is compared in constant time.
func (h *Handler) authorize(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderAPIKey)
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, encodeError(http.StatusUnauthorized, "unauthorized"))
			return
		}

		hash := auth.HashKey(h.cfg.APIKeyPepper, key)
		info, err := h.deps.APIKeys.FindByHash(r.Context(), hash)
		if err != nil {
			if !errors.Is(err, auth.ErrKeyNotFound) {
				zctx.From(r.Context()).Error("Find API key", zap.Error(err))
			}
			writeJSON(w, http.StatusUnauthorized, encodeError(http.StatusUnauthorized, "unauthorized"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(hash), []byte(info.KeyHash)) != 1 {
			writeJSON(w, http.StatusUnauthorized, encodeError(http.StatusUnauthorized, "unauthorized"))
			return
		}
		if !info.HasScope(scope) {
			writeJSON(w, http.StatusForbidden, encodeError(http.StatusForbidden, "missing scope "+scope))
			return
		}

		lg := zctx.From(r.Context()).With(zap.String("api_key", info.Name))
		next.ServeHTTP(w, r.WithContext(zctx.Base(r.Context(), lg)))
	})
}
