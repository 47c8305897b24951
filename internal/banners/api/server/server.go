package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
	"github.com/Leopold1975/banners_resolver/internal/banners/services/authservice"
	"github.com/Leopold1975/banners_resolver/internal/banners/services/bannerservice"
	"github.com/Leopold1975/banners_resolver/internal/banners/services/resolver"
	"github.com/Leopold1975/banners_resolver/internal/pkg/config"
	"github.com/Leopold1975/banners_resolver/internal/pkg/metrics"
	"github.com/Leopold1975/banners_resolver/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	revisionHeader   = "X-Banner-Revision"
	freshnessHeader  = "X-Banner-Freshness"
	totalCountHeader = "X-Total-Count"
	staleWarning     = `110 - "Response is Stale"`
)

type Server struct {
	serv          *http.Server
	resolver      Resolver
	bannerService BannerService
	authService   AuthService
}

type Resolver interface {
	Resolve(context.Context, resolver.Request) (resolver.Result, error)
}

type BannerService interface {
	List(context.Context, bannerservice.ListRequest) (bannerservice.Page, error)
	CreateBanner(context.Context, bannerservice.CreateBannerRequest) (models.Banner, error)
	UpdateBanner(context.Context, int64, bannerservice.UpdateBannerRequest) (models.Banner, error)
	DeleteBanner(context.Context, int64) error
	DeleteByFilter(context.Context, *int64, *int64) (int64, error)
	Versions(context.Context, int64) ([]models.Version, error)
}

type AuthService interface {
	CreateUser(context.Context, authservice.CreateUserRequest) (string, error)
	Role(string) (string, error)
	Login(context.Context, authservice.LoginRequest) (string, error)
}

// New builds the router. m and gatherer may be nil, then request metrics and
// the /metrics endpoint are left out.
func New(cfg config.Server, rs Resolver, bs BannerService, as AuthService,
	m *metrics.HTTPMetrics, gatherer prometheus.Gatherer, lg logger.Logger,
) *Server {
	s := &Server{
		resolver:      rs,
		bannerService: bs,
		authService:   as,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP, loggingMiddleware(lg), middleware.Recoverer)

	if m != nil {
		r.Use(m.Middleware)
	}

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})) //nolint:exhaustruct
	}

	r.Route(cfg.BaseURL, func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
		}

		r.Post("/auth", s.PostAuth)
		r.Post("/user", s.PostUser)

		r.With(authMiddleware(as, false)).Get("/user_banner", s.GetUserBanner)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(as, true))

			r.Get("/banner", s.GetBanner)
			r.Post("/banner", s.PostBanner)
			r.Patch("/banner/{id}", s.PatchBannerID)
			r.Delete("/banner/{id}", s.DeleteBannerID)
			r.Get("/banner/{id}/versions", s.GetBannerVersions)
			r.Delete("/filter_banner", s.DeleteFilterBanner)
		})
	})

	s.serv = &http.Server{ //nolint:exhaustruct
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.serv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error)

	go func() {
		if err := s.serv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			close(errCh)
		}
	}()

	select {
	case <-ctx.Done():
		ctxS, cancel := context.WithTimeout(context.Background(), time.Second*5) //nolint:gomnd
		defer cancel()

		if err := s.Shutdown(ctxS); err != nil { //nolint:contextcheck
			return fmt.Errorf("context error: %w server error %w", ctxS.Err(), err)
		}

		return nil
	case err := <-errCh:
		return fmt.Errorf("listen and serve error: %w", err)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctxS, cancel := context.WithTimeout(ctx, s.serv.IdleTimeout)
	defer cancel()

	if err := s.serv.Shutdown(ctxS); err != nil {
		return fmt.Errorf("shutdown server error: %w", err)
	}

	return nil
}

// Получение баннера для пользователя
// (GET /user_banner).
func (s *Server) GetUserBanner(w http.ResponseWriter, r *http.Request) {
	var (
		req             resolver.Request
		useLastRevision *bool
		version         *int64
	)

	q := r.URL.Query()

	if err := runtime.BindQueryParameter("form", true, true, "feature_id", q, &req.FeatureID); err != nil {
		handleError(w, fmt.Errorf("invalid feature_id: %w", err), http.StatusBadRequest)

		return
	}

	if err := runtime.BindQueryParameter("form", true, true, "tag_id", q, &req.TagID); err != nil {
		handleError(w, fmt.Errorf("invalid tag_id: %w", err), http.StatusBadRequest)

		return
	}

	if err := runtime.BindQueryParameter("form", true, false, "use_last_revision", q, &useLastRevision); err != nil {
		handleError(w, fmt.Errorf("invalid use_last_revision: %w", err), http.StatusBadRequest)

		return
	}

	if err := runtime.BindQueryParameter("form", true, false, "version", q, &version); err != nil {
		handleError(w, fmt.Errorf("invalid version: %w", err), http.StatusBadRequest)

		return
	}

	if req.FeatureID < 0 || req.TagID < 0 || (version != nil && *version < 0) {
		handleError(w, errors.New("parameters must not be negative"), http.StatusBadRequest) //nolint:goerr113

		return
	}

	if useLastRevision != nil && !*useLastRevision {
		req.Mode = resolver.ModeLatest
	}

	if version != nil {
		req.Version = *version
	}

	res, err := s.resolver.Resolve(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(revisionHeader, strconv.FormatInt(res.Revision, 10))
	w.Header().Set(freshnessHeader, string(res.Freshness))

	if res.Freshness == resolver.FreshnessStale {
		w.Header().Set("Warning", staleWarning)
	}

	w.WriteHeader(http.StatusOK)
	w.Write(res.Content) //nolint:errcheck
}

// Получение всех баннеров c фильтрацией по фиче и/или тегу
// (GET /banner).
func (s *Server) GetBanner(w http.ResponseWriter, r *http.Request) {
	var req bannerservice.ListRequest

	q := r.URL.Query()

	for name, dest := range map[string]any{
		"feature_id": &req.FeatureID,
		"tag_id":     &req.TagID,
		"limit":      &req.Limit,
		"offset":     &req.Offset,
	} {
		if err := runtime.BindQueryParameter("form", true, false, name, q, dest); err != nil {
			handleError(w, fmt.Errorf("invalid %s: %w", name, err), http.StatusBadRequest)

			return
		}
	}

	page, err := s.bannerService.List(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)

		return
	}

	banners := make([]BannerResponse, 0, len(page.Banners))

	for _, b := range page.Banners {
		versions := page.Versions[b.ID]
		if versions == nil {
			versions = []models.Version{}
		}

		banners = append(banners, BannerResponse{Banner: b, Versions: versions})
	}

	w.Header().Set(totalCountHeader, strconv.Itoa(page.Total))
	writeJSON(w, http.StatusOK, banners)
}

// Создание нового баннера
// (POST /banner).
func (s *Server) PostBanner(w http.ResponseWriter, r *http.Request) {
	var req bannerservice.CreateBannerRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleError(w, fmt.Errorf("decode error: %w", err), http.StatusBadRequest)

		return
	}

	b, err := s.bannerService.CreateBanner(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, CreateBannerResponse{BannerID: b.ID})
}

// Обновление содержимого баннера
// (PATCH /banner/{id}).
func (s *Server) PatchBannerID(w http.ResponseWriter, r *http.Request) {
	id, ok := bannerID(w, r)
	if !ok {
		return
	}

	var req bannerservice.UpdateBannerRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleError(w, fmt.Errorf("decode error: %w", err), http.StatusBadRequest)

		return
	}

	b, err := s.bannerService.UpdateBanner(r.Context(), id, req)
	if err != nil {
		handleServiceError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, b)
}

// Удаление баннера по идентификатору
// (DELETE /banner/{id}).
func (s *Server) DeleteBannerID(w http.ResponseWriter, r *http.Request) {
	id, ok := bannerID(w, r)
	if !ok {
		return
	}

	if err := s.bannerService.DeleteBanner(r.Context(), id); err != nil {
		handleServiceError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// История версий баннера
// (GET /banner/{id}/versions).
func (s *Server) GetBannerVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := bannerID(w, r)
	if !ok {
		return
	}

	versions, err := s.bannerService.Versions(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, versions)
}

// Удаление баннеров по фиче или тегу
// (DELETE /filter_banner).
func (s *Server) DeleteFilterBanner(w http.ResponseWriter, r *http.Request) {
	var featureID, tagID *int64

	q := r.URL.Query()

	if err := runtime.BindQueryParameter("form", true, false, "feature_id", q, &featureID); err != nil {
		handleError(w, fmt.Errorf("invalid feature_id: %w", err), http.StatusBadRequest)

		return
	}

	if err := runtime.BindQueryParameter("form", true, false, "tag_id", q, &tagID); err != nil {
		handleError(w, fmt.Errorf("invalid tag_id: %w", err), http.StatusBadRequest)

		return
	}

	if _, err := s.bannerService.DeleteByFilter(r.Context(), featureID, tagID); err != nil {
		handleServiceError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Аутентификация пользователя
// (POST /auth).
func (s *Server) PostAuth(w http.ResponseWriter, r *http.Request) {
	var b AuthUserRequest

	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		handleError(w, fmt.Errorf("decode error: %w", err), http.StatusBadRequest)

		return
	}

	if b.Password == nil || b.Username == nil {
		handleError(w, errors.New("not enough parameters to auth user"), http.StatusBadRequest) //nolint:goerr113

		return
	}

	token, err := s.authService.Login(r.Context(), authservice.LoginRequest{
		Username: *b.Username,
		Password: *b.Password,
	})
	if err != nil {
		handleServiceError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, AuthUserResponse{Token: token})
}

// Создание пользователя
// (POST /user).
func (s *Server) PostUser(w http.ResponseWriter, r *http.Request) {
	var b CreateUserRequest

	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		handleError(w, fmt.Errorf("decode error: %w", err), http.StatusBadRequest)

		return
	}

	if b.Password == nil || b.Username == nil || b.Role == nil {
		handleError(w, errors.New("not enough parameters to create user"), http.StatusBadRequest) //nolint:goerr113

		return
	}

	token, err := s.authService.CreateUser(r.Context(), authservice.CreateUserRequest{
		Username: *b.Username,
		Password: *b.Password,
		Role:     *b.Role,
		Feature:  b.FeatureID,
		Tags:     b.TagIDs,
		Token:    r.Header.Get(tokenHeader),
	})
	if err != nil {
		handleServiceError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, CreateUserResponse{Token: token})
}

func bannerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var id int64

	err := runtime.BindStyledParameterWithLocation("simple", false, "id", runtime.ParamLocationPath,
		chi.URLParam(r, "id"), &id)
	if err != nil || id <= 0 {
		handleError(w, fmt.Errorf("invalid banner id %q", chi.URLParam(r, "id")), http.StatusBadRequest)

		return 0, false
	}

	return id, true
}
