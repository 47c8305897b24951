package authservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
	"github.com/Leopold1975/banners_resolver/internal/banners/repository/userrepo"
	"github.com/Leopold1975/banners_resolver/internal/pkg/config"
	"github.com/Leopold1975/banners_resolver/internal/pkg/jwtauth"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotAllowed     = errors.New("only admins can create admin")
	ErrUnauthorized   = errors.New("invalid or missing token")
	ErrBadCredentials = errors.New("wrong username or password")
	ErrInvalidUser    = errors.New("username, password and role are required")
	ErrUserExists     = errors.New("user already exists")
)

type AuthService struct {
	userRepo Repository
	cfg      config.Auth
	static   map[string]string
}

type Repository interface {
	CreateUser(context.Context, models.User) (int64, error)
	GetUser(context.Context, string) (models.User, error)
}

func New(userRepo Repository, cfg config.Auth) *AuthService {
	static := make(map[string]string, len(cfg.AdminTokens)+len(cfg.UserTokens))

	for _, t := range cfg.UserTokens {
		static[t] = models.RoleUser
	}

	for _, t := range cfg.AdminTokens {
		static[t] = models.RoleAdmin
	}

	return &AuthService{
		userRepo: userRepo,
		cfg:      cfg,
		static:   static,
	}
}

// Role returns the role carried by token. Tokens listed in the config are
// checked first, then the token is validated as a signed JWT.
func (as *AuthService) Role(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}

	if role, ok := as.static[token]; ok {
		return role, nil
	}

	if as.cfg.Secret == "" {
		return "", ErrUnauthorized
	}

	role, err := jwtauth.ValidateTokenRole(token, as.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	return role, nil
}

func (as *AuthService) Auth(token string) (bool, error) {
	role, err := as.Role(token)
	if err != nil {
		return false, err
	}

	return role == models.RoleAdmin, nil
}

func (as *AuthService) CreateUser(ctx context.Context, req CreateUserRequest) (string, error) {
	if req.Username == "" || req.Password == "" {
		return "", ErrInvalidUser
	}

	switch req.Role {
	case models.RoleUser:
	case models.RoleAdmin: // только админы могут создавать админов
		isAdmin, err := as.Auth(req.Token)
		if err != nil {
			return "", fmt.Errorf("auth error: %w", err)
		}

		if !isAdmin {
			return "", ErrNotAllowed
		}
	default:
		return "", ErrInvalidUser
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("generate from password error: %w", err)
	}

	u := models.User{
		Username:     req.Username,
		PasswordHash: string(hash),
		Role:         req.Role,
		Feature:      req.Feature,
		Tags:         req.Tags,
	}

	id, err := as.userRepo.CreateUser(ctx, u)
	if err != nil {
		if errors.Is(err, userrepo.ErrAleradyExists) {
			return "", ErrUserExists
		}

		return "", fmt.Errorf("create user error: %w", err)
	}

	u.ID = id

	token, err := jwtauth.GetToken(u, as.cfg.TTL, as.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("can't get token error: %w", err)
	}

	return token, nil
}

func (as *AuthService) Login(ctx context.Context, req LoginRequest) (string, error) {
	u, err := as.userRepo.GetUser(ctx, req.Username)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			return "", ErrBadCredentials
		}

		return "", fmt.Errorf("get user error: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		return "", ErrBadCredentials
	}

	token, err := jwtauth.GetToken(u, as.cfg.TTL, as.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("can't get token error: %w", err)
	}

	return token, nil
}
