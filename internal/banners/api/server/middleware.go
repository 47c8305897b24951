package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
	"github.com/Leopold1975/banners_resolver/pkg/logger"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	tokenHeader     = "token"
	requestIDHeader = "X-Request-ID"
)

type ctxKey int

const metaKey ctxKey = 0

// requestMeta collects what handlers want logged for the request.
type requestMeta struct {
	id  string
	err error
}

func setError(r *http.Request, err error) {
	if m, ok := r.Context().Value(metaKey).(*requestMeta); ok {
		m.err = err
	}
}

func loggingMiddleware(logg logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}

			meta := &requestMeta{id: id}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Header().Set(requestIDHeader, id)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}

				logg.Infof("REQUEST %s METHOD %s %s URI %s STATUS %d Latency %s Client IP %s User Agent %s",
					meta.id,
					r.Method,
					r.Proto,
					r.URL.RequestURI(),
					status,
					time.Since(start).String(),
					r.RemoteAddr,
					r.UserAgent(),
				)

				if meta.err != nil {
					logg.Errorf("REQUEST %s error: %s", meta.id, meta.err)
				}
			}()

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), metaKey, meta)))
		})
	}
}

// authMiddleware resolves the role carried by the token header. Requests
// without a valid token get 401, non-admins on admin routes get 403.
func authMiddleware(as AuthService, adminOnly bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(tokenHeader)
			if token == "" {
				handleError(w, errors.New("token required"), http.StatusUnauthorized) //nolint:goerr113

				return
			}

			role, err := as.Role(token)
			if err != nil {
				setError(r, err)
				handleError(w, errors.New("invalid token"), http.StatusUnauthorized) //nolint:goerr113

				return
			}

			if adminOnly && role != models.RoleAdmin {
				handleError(w, errors.New("admin role required"), http.StatusForbidden) //nolint:goerr113

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
