package models

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

type User struct {
	ID           int64   `json:"user_id"` //nolint:tagliatelle
	Username     string  `json:"username"`
	PasswordHash string  `json:"password_hash"` //nolint:tagliatelle
	Role         string  `json:"role"`
	Feature      int64   `json:"feature_id"` //nolint:tagliatelle
	Tags         []int64 `json:"tag_ids"`    //nolint:tagliatelle
}
