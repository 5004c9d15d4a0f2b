package requestid

import "net/http"

// Middleware opens a request scope for every inbound request and echoes the
// identifier in the response header before the wrapped handler runs, so
// error responses carry it as well.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, scope := Begin(r.Context(), r.Header.Get(Header))
		defer scope.End()

		w.Header().Set(Header, scope.ID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
