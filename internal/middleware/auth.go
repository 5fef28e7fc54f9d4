package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-reasoner/internal/audit"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/pkg/types"
)

// Auth rejects requests whose bearer token auth does not accept with 401.
// A nil auth lets every request through.
func Auth(auth reasoning.Authenticator, logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if auth == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.Authenticate(r.Context(), BearerToken(r)); err != nil {
				logger.Warn("request rejected",
					zap.String("path", r.URL.Path),
					zap.String("correlation_id", audit.GetCorrelationID(r.Context())),
					zap.Error(err))
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(types.ErrorResponse{
					Error:         "authentication required",
					Code:          types.CodeUnauthorized,
					CorrelationID: audit.GetCorrelationID(r.Context()),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
