package bannerservice

import (
	"encoding/json"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
)

// ListRequest is the admin listing query. Nil fields were not supplied.
type ListRequest struct {
	FeatureID *int64
	TagID     *int64
	Limit     *int
	Offset    *int
}

type Page struct {
	Banners []models.Banner
	// Versions holds the latest revisions of every listed banner, newest first.
	Versions map[int64][]models.Version
	Total    int
	Limit    int
	Offset   int
}

type CreateBannerRequest struct {
	FeatureID int64           `json:"feature_id"` //nolint:tagliatelle
	Tags      []int64         `json:"tag_ids"`    //nolint:tagliatelle
	Content   json.RawMessage `json:"content"`
	Active    *bool           `json:"is_active"` //nolint:tagliatelle
}

type UpdateBannerRequest struct {
	FeatureID *int64          `json:"feature_id"` //nolint:tagliatelle
	Tags      []int64         `json:"tag_ids"`    //nolint:tagliatelle
	Content   json.RawMessage `json:"content"`
	Active    *bool           `json:"is_active"` //nolint:tagliatelle
}
