package server

import (
	"encoding/json"
	"net/http"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
)

type CreateBannerResponse struct {
	BannerID int64 `json:"banner_id"` //nolint:tagliatelle
}

// BannerResponse is a listed banner with its latest versions embedded.
type BannerResponse struct {
	models.Banner
	Versions []models.Version `json:"versions"`
}

type AuthUserResponse struct {
	Token string `json:"token"`
}

type CreateUserResponse struct {
	Token string `json:"token"`
}

type AuthUserRequest struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
}

type CreateUserRequest struct {
	Username  *string `json:"username"`
	Password  *string `json:"password"`
	Role      *string `json:"role"`
	FeatureID int64   `json:"feature_id"` //nolint:tagliatelle
	TagIDs    []int64 `json:"tag_ids"`    //nolint:tagliatelle
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	bts, err := json.Marshal(v)
	if err != nil {
		handleError(w, err, http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(bts) //nolint:errcheck
}
