package models

import (
	"encoding/json"
	"slices"
	"time"
)

type Banner struct {
	ID        int64           `json:"banner_id"`  //nolint:tagliatelle
	FeatureID int64           `json:"feature_id"` //nolint:tagliatelle
	Tags      []int64         `json:"tag_ids"`    //nolint:tagliatelle
	Content   json.RawMessage `json:"content"`
	Revision  int64           `json:"revision"`
	Active    bool            `json:"is_active"`  //nolint:tagliatelle
	CreatedAt time.Time       `json:"created_at"` //nolint:tagliatelle
	UpdatedAt time.Time       `json:"updated_at"` //nolint:tagliatelle
}

// HasTag reports whether the banner is attached to tagID.
func (b Banner) HasTag(tagID int64) bool {
	return slices.Contains(b.Tags, tagID)
}

// Version is an immutable content snapshot taken on every revision.
type Version struct {
	Revision  int64           `json:"revision"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"` //nolint:tagliatelle
}
