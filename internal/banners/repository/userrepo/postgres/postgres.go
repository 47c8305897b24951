package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
	"github.com/Leopold1975/banners_resolver/internal/banners/repository/userrepo"
	"github.com/Leopold1975/banners_resolver/internal/pkg/pgtools"
	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

type UsersPostgresRepo struct {
	db pgtools.DB
}

// New shares the pool opened for the banner store.
func New(db pgtools.DB) UsersPostgresRepo {
	return UsersPostgresRepo{
		db: db,
	}
}

func (ur UsersPostgresRepo) CreateUser(ctx context.Context, u models.User) (int64, error) {
	psql := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

	query, args, err := psql.Insert("users").
		Columns("username", "password_hash", "user_role", "feature_id", "tag_ids").
		Values(u.Username, u.PasswordHash, u.Role, u.Feature, u.Tags).
		Suffix("RETURNING id").ToSql()
	if err != nil {
		return 0, fmt.Errorf("to sql error: %w", err)
	}

	var id int64

	if err := ur.db.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		if pgtools.IsCode(err, pgtools.CodeUniqueViolation) {
			return 0, userrepo.ErrAleradyExists
		}

		return 0, fmt.Errorf("insert user error: %w", err)
	}

	return id, nil
}

func (ur UsersPostgresRepo) GetUser(ctx context.Context, username string) (models.User, error) {
	psql := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

	query, args, err := psql.Select("id", "username", "password_hash", "user_role", "feature_id", "tag_ids").
		From("users").
		Where(squirrel.Eq{"username": username}).ToSql()
	if err != nil {
		return models.User{}, fmt.Errorf("to sql error: %w", err)
	}

	var u models.User

	if err := ur.db.QueryRow(ctx, query, args...).Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Feature, &u.Tags); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, userrepo.ErrNotFound
		}

		return models.User{}, fmt.Errorf("scan error: %w", err)
	}

	return u, nil
}
