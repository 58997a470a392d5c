package middleware

import (
	"net/http"
	"runtime/debug"

	"quantumai/pkg/logging/logging"

	"go.uber.org/zap"
)

// Recoverer turns a handler panic into an OpenAI-style 500 error body.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logging.L(r.Context()).Error("panic recovered",
					zap.Any("error", rec),
					zap.ByteString("stack", debug.Stack()),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":{"message":"internal server error","type":"server_error"}}`))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
