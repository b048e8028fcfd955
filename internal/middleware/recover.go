package middleware

import (
	"net/http"
	"runtime/debug"

	"warimas-backoffice/internal/logger"
	"warimas-backoffice/internal/utils"

	"go.uber.org/zap"
)

// Recover turns a panicking handler into a 500 envelope.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.FromCtx(r.Context()).Error("panic recovered",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()),
			)
			utils.WriteJSONError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}
