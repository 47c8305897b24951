package authservice

type CreateUserRequest struct {
	Username string  `json:"username"`
	Password string  `json:"password"`
	Role     string  `json:"role"`
	Tags     []int64 `json:"tag_ids"`    //nolint:tagliatelle
	Feature  int64   `json:"feature_id"` //nolint:tagliatelle
	Token    string  `json:"-"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
