package bannerservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
	repo "github.com/Leopold1975/banners_resolver/internal/banners/repository/bannerrepo"
	"github.com/Leopold1975/banners_resolver/internal/pkg/config"
	"github.com/Leopold1975/banners_resolver/pkg/logger"
)

var (
	ErrNotFound          = errors.New("banner not found")
	ErrConflict          = errors.New("banner for feature and tag already exists")
	ErrUnavailable       = errors.New("banner storage unavailable")
	ErrInvalidPagination = errors.New("limit and offset must not be negative")
	ErrInvalidBanner     = errors.New("invalid banner")
	ErrInvalidFilter     = errors.New("feature_id or tag_id required")
)

// listedVersions is how many revisions the admin listing embeds per banner.
const listedVersions = 3

type Repository interface {
	ListBanners(ctx context.Context, f repo.Filter) ([]models.Banner, int, error)
	ListVersions(ctx context.Context, id int64) ([]models.Version, error)
	CreateBanner(ctx context.Context, b models.Banner) (models.Banner, error)
	UpdateBanner(ctx context.Context, id int64, u repo.Update) (models.Banner, error)
	DeleteBanner(ctx context.Context, id int64) error
	DeleteBannersByFilter(ctx context.Context, featureID, tagID *int64) (int64, error)
	PurgeDeleted(ctx context.Context) (int64, error)
	Shutdown(ctx context.Context) error
}

type BannerService struct {
	bannerRepo Repository
	cfg        config.List
	lg         logger.Logger
}

func New(bannerRepo Repository, cfg config.List, lg logger.Logger) *BannerService {
	return &BannerService{
		bannerRepo: bannerRepo,
		cfg:        cfg,
		lg:         lg,
	}
}

// List returns one page of banners ordered by id. Absent filters match
// everything; limit and offset are clamped to the configured maxima.
func (bs *BannerService) List(ctx context.Context, req ListRequest) (Page, error) {
	limit, offset := bs.cfg.DefaultLimit, 0

	if req.Limit != nil {
		if *req.Limit < 0 {
			return Page{}, ErrInvalidPagination
		}

		if *req.Limit > 0 {
			limit = *req.Limit
		}
	}

	if req.Offset != nil {
		if *req.Offset < 0 {
			return Page{}, ErrInvalidPagination
		}

		offset = *req.Offset
	}

	limit = min(limit, bs.cfg.MaxLimit)
	offset = min(offset, bs.cfg.MaxOffset)

	banners, total, err := bs.bannerRepo.ListBanners(ctx, repo.Filter{
		FeatureID: req.FeatureID,
		TagID:     req.TagID,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return Page{}, mapErr("list banners", err)
	}

	versions := make(map[int64][]models.Version, len(banners))

	for _, b := range banners {
		vs, err := bs.recentVersions(ctx, b.ID)
		if err != nil {
			return Page{}, err
		}

		versions[b.ID] = vs
	}

	return Page{
		Banners:  banners,
		Versions: versions,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	}, nil
}

// recentVersions returns up to listedVersions revisions of id, newest first.
// A banner deleted since it was listed has none.
func (bs *BannerService) recentVersions(ctx context.Context, id int64) ([]models.Version, error) {
	vs, err := bs.bannerRepo.ListVersions(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return []models.Version{}, nil
		}

		return nil, mapErr("list versions", err)
	}

	vs = vs[max(0, len(vs)-listedVersions):]
	slices.Reverse(vs)

	return vs, nil
}

func (bs *BannerService) CreateBanner(ctx context.Context, req CreateBannerRequest) (models.Banner, error) {
	tags, err := normalizeTags(req.Tags)
	if err != nil {
		return models.Banner{}, err
	}

	if err := validateContent(req.Content); err != nil {
		return models.Banner{}, err
	}

	if req.FeatureID < 0 {
		return models.Banner{}, fmt.Errorf("%w: negative feature_id", ErrInvalidBanner)
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	b, err := bs.bannerRepo.CreateBanner(ctx, models.Banner{
		FeatureID: req.FeatureID,
		Tags:      tags,
		Content:   req.Content,
		Active:    active,
	})
	if err != nil {
		return models.Banner{}, mapErr("create banner", err)
	}

	bs.lg.Infof("banner %d created for feature %d", b.ID, b.FeatureID)

	return b, nil
}

func (bs *BannerService) UpdateBanner(ctx context.Context, id int64, req UpdateBannerRequest) (models.Banner, error) {
	u := repo.Update{
		FeatureID: req.FeatureID,
		Active:    req.Active,
	}

	if req.Tags != nil {
		tags, err := normalizeTags(req.Tags)
		if err != nil {
			return models.Banner{}, err
		}

		u.Tags = tags
	}

	if req.Content != nil {
		if err := validateContent(req.Content); err != nil {
			return models.Banner{}, err
		}

		u.Content = req.Content
	}

	if u.FeatureID != nil && *u.FeatureID < 0 {
		return models.Banner{}, fmt.Errorf("%w: negative feature_id", ErrInvalidBanner)
	}

	if u.Empty() {
		return models.Banner{}, fmt.Errorf("%w: nothing to update", ErrInvalidBanner)
	}

	b, err := bs.bannerRepo.UpdateBanner(ctx, id, u)
	if err != nil {
		return models.Banner{}, mapErr("update banner", err)
	}

	return b, nil
}

func (bs *BannerService) DeleteBanner(ctx context.Context, id int64) error {
	if err := bs.bannerRepo.DeleteBanner(ctx, id); err != nil {
		return mapErr("delete banner", err)
	}

	return nil
}

// DeleteByFilter soft deletes every banner matching the filter. The rows are
// removed later by PurgeDeleted.
func (bs *BannerService) DeleteByFilter(ctx context.Context, featureID, tagID *int64) (int64, error) {
	if featureID == nil && tagID == nil {
		return 0, ErrInvalidFilter
	}

	n, err := bs.bannerRepo.DeleteBannersByFilter(ctx, featureID, tagID)
	if err != nil {
		return 0, mapErr("delete by filter", err)
	}

	bs.lg.Infof("%d banners marked deleted", n)

	return n, nil
}

func (bs *BannerService) Versions(ctx context.Context, id int64) ([]models.Version, error) {
	versions, err := bs.bannerRepo.ListVersions(ctx, id)
	if err != nil {
		return nil, mapErr("list versions", err)
	}

	return versions, nil
}

func (bs *BannerService) PurgeDeleted(ctx context.Context) (int64, error) {
	n, err := bs.bannerRepo.PurgeDeleted(ctx)
	if err != nil {
		return 0, mapErr("purge deleted", err)
	}

	return n, nil
}

func (bs *BannerService) Shutdown(ctx context.Context) error {
	if err := bs.bannerRepo.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown banner repo error: %w", err)
	}

	return nil
}

func normalizeTags(tags []int64) ([]int64, error) {
	if len(tags) == 0 {
		return nil, fmt.Errorf("%w: at least one tag required", ErrInvalidBanner)
	}

	out := slices.Clone(tags)
	slices.Sort(out)

	if out[0] < 0 {
		return nil, fmt.Errorf("%w: negative tag_id", ErrInvalidBanner)
	}

	return slices.Compact(out), nil
}

func validateContent(content json.RawMessage) error {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return fmt.Errorf("%w: content must be a json object", ErrInvalidBanner)
	}

	return nil
}

func mapErr(where string, err error) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repo.ErrConflict):
		return ErrConflict
	case errors.Is(err, repo.ErrUnavailable):
		return fmt.Errorf("%s error: %w: %w", where, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s error: %w", where, err)
	}
}
