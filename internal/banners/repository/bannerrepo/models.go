package bannerrepo

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
)

var (
	ErrNotFound    = errors.New("banner not found")
	ErrConflict    = errors.New("active banner for feature and tag already exists")
	ErrUnavailable = errors.New("banner storage unavailable")
)

// Publisher receives every committed mutation. Stores call it after the
// write is durable and before the write call returns.
type Publisher interface {
	Publish(ctx context.Context, c models.Change)
}

// Filter selects banners for listing. Nil feature or tag means "match all".
type Filter struct {
	FeatureID  *int64
	TagID      *int64
	Limit      int
	Offset     int
	OnlyActive bool
}

func (f Filter) Match(b models.Banner) bool {
	if f.OnlyActive && !b.Active {
		return false
	}

	if f.FeatureID != nil && *f.FeatureID != b.FeatureID {
		return false
	}

	return f.TagID == nil || b.HasTag(*f.TagID)
}

// Update is a partial banner modification; nil fields stay untouched.
type Update struct {
	Content   json.RawMessage
	FeatureID *int64
	Tags      []int64
	Active    *bool
}

func (u Update) Empty() bool {
	return u.Content == nil && u.FeatureID == nil && u.Tags == nil && u.Active == nil
}
