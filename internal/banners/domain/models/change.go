package models

// Change describes a committed store mutation of a single banner. It carries
// the banner's state after the mutation so consumers need not read the store.
type Change struct {
	BannerID  int64   `json:"banner_id"`  //nolint:tagliatelle
	Revision  int64   `json:"revision"`
	FeatureID int64   `json:"feature_id"` //nolint:tagliatelle
	Tags      []int64 `json:"tag_ids"`    //nolint:tagliatelle
	Active    bool    `json:"is_active"`  //nolint:tagliatelle
	Deleted   bool    `json:"deleted"`
	Origin    string  `json:"origin,omitempty"`
}

// Serving reports whether the banner should be resolvable after the change.
func (c Change) Serving() bool {
	return c.Active && !c.Deleted
}

func ChangeFromBanner(b Banner) Change {
	return Change{
		BannerID:  b.ID,
		Revision:  b.Revision,
		FeatureID: b.FeatureID,
		Tags:      b.Tags,
		Active:    b.Active,
	}
}
