package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"repro_market/pkg/security"
)

type handleKey struct{}

// authenticate requires a valid bearer token and stores its handle in the
// request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := security.BearerToken(r.Header.Get("Authorization"))
		if err == nil {
			var handle string
			if handle, err = s.tokens.Parse(raw); err == nil {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), handleKey{}, handle)))
				return
			}
		}

		s.logger.Debug("Rejected request",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	})
}

func handleFrom(ctx context.Context) string {
	handle, _ := ctx.Value(handleKey{}).(string)
	return handle
}
