// Package userrepo holds the errors shared by the user repositories. Both the
// postgres and the in-memory implementation key users by username.
package userrepo

import "errors"

var (
	ErrNotFound      = errors.New("user not found")
	ErrAleradyExists = errors.New("username already taken")
)
