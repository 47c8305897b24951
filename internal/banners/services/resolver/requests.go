package resolver

import "encoding/json"

type Mode int

const (
	// ModeCached serves a cached payload while it is younger than the TTL.
	ModeCached Mode = iota
	// ModeLatest always reads the store.
	ModeLatest
)

type Freshness string

const (
	FreshnessLatest Freshness = "latest"
	FreshnessCached Freshness = "cached"
	FreshnessStale  Freshness = "stale"
)

type Request struct {
	FeatureID int64
	TagID     int64
	Mode      Mode
	// Version selects a historical revision; zero means the current one.
	Version int64
}

type Result struct {
	BannerID  int64
	Content   json.RawMessage
	Revision  int64
	Freshness Freshness
}
