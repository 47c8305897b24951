package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Leopold1975/banners_resolver/internal/banners/services/authservice"
	"github.com/Leopold1975/banners_resolver/internal/banners/services/bannerservice"
	"github.com/Leopold1975/banners_resolver/internal/banners/services/resolver"
)

type Error struct {
	Err string `json:"error"`
}

func (se Error) ToJSON() []byte {
	b, err := json.Marshal(se)
	if err != nil {
		return []byte(`{"error": "marshal error"}`)
	}

	return b
}

// statusFor maps service errors to response codes. Anything unknown is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, resolver.ErrNotFound), errors.Is(err, bannerservice.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, resolver.ErrUnavailable), errors.Is(err, bannerservice.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, bannerservice.ErrConflict), errors.Is(err, authservice.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, bannerservice.ErrInvalidPagination), errors.Is(err, bannerservice.ErrInvalidBanner),
		errors.Is(err, bannerservice.ErrInvalidFilter), errors.Is(err, authservice.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, authservice.ErrUnauthorized), errors.Is(err, authservice.ErrBadCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, authservice.ErrNotAllowed):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func handleError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	e := Error{err.Error()}

	w.Write(e.ToJSON()) //nolint:errcheck
}

// handleServiceError hides internal error text from clients on 500s.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		setError(r, err)
		handleError(w, errors.New(http.StatusText(code)), code) //nolint:goerr113

		return
	}

	handleError(w, err, code)
}
