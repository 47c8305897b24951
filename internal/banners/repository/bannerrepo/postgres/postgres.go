package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
	repo "github.com/Leopold1975/banners_resolver/internal/banners/repository/bannerrepo"
	"github.com/Leopold1975/banners_resolver/internal/pkg/pgtools"
	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

var bannerColumns = []string{ //nolint:gochecknoglobals
	"id", "feature_id", "tag_ids", "content", "revision", "is_active", "created_at", "updated_at",
}

type BannersPostgresRepo struct {
	db  pgtools.DB
	pub repo.Publisher
}

// New builds the store on an opened pool. The user repository shares the
// same pool.
func New(db pgtools.DB, pub repo.Publisher) BannersPostgresRepo {
	return BannersPostgresRepo{
		db:  db,
		pub: pub,
	}
}

func psql() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func (br BannersPostgresRepo) GetBanner(ctx context.Context, id int64) (models.Banner, error) {
	query, args, err := psql().Select(bannerColumns...).
		From("banners").
		Where(squirrel.Eq{"id": id, "is_active": true, "deleted_at": nil}).ToSql()
	if err != nil {
		return models.Banner{}, fmt.Errorf("to sql error: %w", err)
	}

	b, err := scanBanner(br.db.QueryRow(ctx, query, args...))
	if err != nil {
		return models.Banner{}, mapErr("get banner", err)
	}

	return b, nil
}

func (br BannersPostgresRepo) GetBannerVersion(ctx context.Context, id, revision int64) (models.Banner, error) {
	query, args, err := psql().Select(
		"b.id", "b.feature_id", "b.tag_ids", "v.content", "v.revision", "b.is_active", "b.created_at", "v.created_at").
		From("banners b").
		Join("banner_versions v ON v.banner_id = b.id").
		Where(squirrel.Eq{"b.id": id, "v.revision": revision, "b.is_active": true, "b.deleted_at": nil}).ToSql()
	if err != nil {
		return models.Banner{}, fmt.Errorf("to sql error: %w", err)
	}

	b, err := scanBanner(br.db.QueryRow(ctx, query, args...))
	if err != nil {
		return models.Banner{}, mapErr("get banner version", err)
	}

	return b, nil
}

func (br BannersPostgresRepo) ListVersions(ctx context.Context, id int64) ([]models.Version, error) {
	query, args, err := psql().Select("v.revision", "v.content", "v.created_at").
		From("banner_versions v").
		Join("banners b ON b.id = v.banner_id").
		Where(squirrel.Eq{"b.id": id, "b.deleted_at": nil}).
		OrderBy("v.revision ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("to sql error: %w", err)
	}

	rows, err := br.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list versions", err)
	}
	defer rows.Close()

	versions := make([]models.Version, 0)

	for rows.Next() {
		var (
			v       models.Version
			content []byte
		)

		if err := rows.Scan(&v.Revision, &content, &v.CreatedAt); err != nil {
			return nil, mapErr("scan version", err)
		}

		v.Content = content
		versions = append(versions, v)
	}

	if err := rows.Err(); err != nil {
		return nil, mapErr("list versions", err)
	}

	if len(versions) == 0 {
		return nil, repo.ErrNotFound
	}

	return versions, nil
}

func applyFilter(sb squirrel.SelectBuilder, f repo.Filter) squirrel.SelectBuilder {
	sb = sb.Where(squirrel.Eq{"deleted_at": nil})

	if f.FeatureID != nil {
		sb = sb.Where(squirrel.Eq{"feature_id": *f.FeatureID})
	}

	if f.TagID != nil {
		sb = sb.Where("? = ANY(tag_ids)", *f.TagID)
	}

	if f.OnlyActive {
		sb = sb.Where(squirrel.Eq{"is_active": true})
	}

	return sb
}

func (br BannersPostgresRepo) ListBanners(ctx context.Context, f repo.Filter) ([]models.Banner, int, error) {
	query, args, err := applyFilter(psql().Select("count(*)").From("banners"), f).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("to sql error: %w", err)
	}

	var total int

	if err := br.db.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return nil, 0, mapErr("count banners", err)
	}

	banners := make([]models.Banner, 0)

	if f.Offset >= total {
		return banners, total, nil
	}

	sb := applyFilter(psql().Select(bannerColumns...).From("banners"), f).
		OrderBy("id ASC").
		Offset(uint64(f.Offset))

	if f.Limit > 0 {
		sb = sb.Limit(uint64(f.Limit))
	}

	query, args, err = sb.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("to sql error: %w", err)
	}

	rows, err := br.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, mapErr("list banners", err)
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBanner(rows)
		if err != nil {
			return nil, 0, mapErr("scan banner", err)
		}

		banners = append(banners, b)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, mapErr("list banners", err)
	}

	return banners, total, nil
}

func (br BannersPostgresRepo) CreateBanner(ctx context.Context, banner models.Banner) (models.Banner, error) {
	b, err := br.createBanner(ctx, banner)
	if err != nil {
		return models.Banner{}, mapErr("create banner", err)
	}

	br.publish(ctx, models.ChangeFromBanner(b))

	return b, nil
}

func (br BannersPostgresRepo) createBanner(ctx context.Context, //nolint:nonamedreturns
	banner models.Banner,
) (b models.Banner, err error) {
	tx, err := br.db.Begin(ctx)
	if err != nil {
		return models.Banner{}, fmt.Errorf("cannot begin transaction error: %w", err)
	}

	defer func() {
		err = pgtools.CommitOrRollback(ctx, tx, err, "create")
	}()

	query, args, err := psql().Insert("banners").
		Columns("feature_id", "tag_ids", "content", "is_active", "revision").
		Values(banner.FeatureID, banner.Tags, string(banner.Content), banner.Active, 1).
		Suffix("RETURNING " + joinColumns()).ToSql()
	if err != nil {
		return models.Banner{}, fmt.Errorf("to sql error: %w", err)
	}

	b, err = scanBanner(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return models.Banner{}, fmt.Errorf("insert banner error: %w", err)
	}

	if err := claimPairs(ctx, tx, b); err != nil {
		return models.Banner{}, err
	}

	if err := insertVersion(ctx, tx, b); err != nil {
		return models.Banner{}, err
	}

	return b, nil
}

func (br BannersPostgresRepo) UpdateBanner(ctx context.Context, id int64, u repo.Update) (models.Banner, error) {
	b, err := br.updateBanner(ctx, id, u)
	if err != nil {
		return models.Banner{}, mapErr("update banner", err)
	}

	br.publish(ctx, models.ChangeFromBanner(b))

	return b, nil
}

func (br BannersPostgresRepo) updateBanner(ctx context.Context, //nolint:nonamedreturns
	id int64, u repo.Update,
) (b models.Banner, err error) {
	tx, err := br.db.Begin(ctx)
	if err != nil {
		return models.Banner{}, fmt.Errorf("cannot begin transaction error: %w", err)
	}

	defer func() {
		err = pgtools.CommitOrRollback(ctx, tx, err, "update")
	}()

	old, err := lockBanner(ctx, tx, id)
	if err != nil {
		return models.Banner{}, err
	}

	ub := psql().Update("banners").
		Set("revision", old.Revision+1).
		Set("updated_at", squirrel.Expr("now()"))

	if u.Content != nil {
		ub = ub.Set("content", string(u.Content))
	}

	if u.FeatureID != nil {
		ub = ub.Set("feature_id", *u.FeatureID)
	}

	if u.Tags != nil {
		ub = ub.Set("tag_ids", u.Tags)
	}

	if u.Active != nil {
		ub = ub.Set("is_active", *u.Active)
	}

	query, args, err := ub.Where(squirrel.Eq{"id": id}).
		Suffix("RETURNING " + joinColumns()).ToSql()
	if err != nil {
		return models.Banner{}, fmt.Errorf("to sql error: %w", err)
	}

	b, err = scanBanner(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return models.Banner{}, fmt.Errorf("update banner error: %w", err)
	}

	if err := releasePairs(ctx, tx, []int64{id}); err != nil {
		return models.Banner{}, err
	}

	if err := claimPairs(ctx, tx, b); err != nil {
		return models.Banner{}, err
	}

	if err := insertVersion(ctx, tx, b); err != nil {
		return models.Banner{}, err
	}

	return b, nil
}

func (br BannersPostgresRepo) DeleteBanner(ctx context.Context, bannerID int64) error {
	b, err := br.deleteBanner(ctx, bannerID)
	if err != nil {
		return mapErr("delete banner", err)
	}

	br.publish(ctx, deletedChange(b))

	return nil
}

func (br BannersPostgresRepo) deleteBanner(ctx context.Context, //nolint:nonamedreturns
	bannerID int64,
) (b models.Banner, err error) {
	tx, err := br.db.Begin(ctx)
	if err != nil {
		return models.Banner{}, fmt.Errorf("cannot begin transaction error: %w", err)
	}

	defer func() {
		err = pgtools.CommitOrRollback(ctx, tx, err, "delete")
	}()

	b, err = lockBanner(ctx, tx, bannerID)
	if err != nil {
		return models.Banner{}, err
	}

	query, args, err := psql().Delete("banners").
		Where(squirrel.Eq{"id": bannerID}).ToSql()
	if err != nil {
		return models.Banner{}, fmt.Errorf("to sql error: %w", err)
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return models.Banner{}, fmt.Errorf("exec error: %w", err)
	}

	return b, nil
}

// DeleteBannersByFilter marks matching banners deleted; PurgeDeleted removes
// the rows later.
func (br BannersPostgresRepo) DeleteBannersByFilter(ctx context.Context, featureID, tagID *int64) (int64, error) {
	deleted, err := br.deleteByFilter(ctx, featureID, tagID)
	if err != nil {
		return 0, mapErr("delete by filter", err)
	}

	if len(deleted) == 0 {
		return 0, repo.ErrNotFound
	}

	for _, b := range deleted {
		br.publish(ctx, deletedChange(b))
	}

	return int64(len(deleted)), nil
}

func (br BannersPostgresRepo) deleteByFilter(ctx context.Context, //nolint:nonamedreturns
	featureID, tagID *int64,
) (deleted []models.Banner, err error) {
	tx, err := br.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot begin transaction error: %w", err)
	}

	defer func() {
		err = pgtools.CommitOrRollback(ctx, tx, err, "delete by filter")
	}()

	ub := psql().Update("banners").
		Set("deleted_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"deleted_at": nil})

	if featureID != nil {
		ub = ub.Where(squirrel.Eq{"feature_id": *featureID})
	}

	if tagID != nil {
		ub = ub.Where("? = ANY(tag_ids)", *tagID)
	}

	query, args, err := ub.Suffix("RETURNING " + joinColumns()).ToSql()
	if err != nil {
		return nil, fmt.Errorf("to sql error: %w", err)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}

	ids := make([]int64, 0)

	for rows.Next() {
		b, err := scanBanner(rows)
		if err != nil {
			rows.Close()

			return nil, fmt.Errorf("scan error: %w", err)
		}

		deleted = append(deleted, b)
		ids = append(ids, b.ID)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	if err := releasePairs(ctx, tx, ids); err != nil {
		return nil, err
	}

	return deleted, nil
}

func (br BannersPostgresRepo) PurgeDeleted(ctx context.Context) (int64, error) {
	query, args, err := psql().Delete("banners").
		Where(squirrel.NotEq{"deleted_at": nil}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("to sql error: %w", err)
	}

	ct, err := br.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, mapErr("purge deleted", err)
	}

	return ct.RowsAffected(), nil
}

func (br BannersPostgresRepo) Shutdown(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		br.db.Close()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("context error: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (br BannersPostgresRepo) publish(ctx context.Context, c models.Change) {
	if br.pub != nil {
		br.pub.Publish(ctx, c)
	}
}

func lockBanner(ctx context.Context, tx pgx.Tx, id int64) (models.Banner, error) {
	query, args, err := psql().Select(bannerColumns...).
		From("banners").
		Where(squirrel.Eq{"id": id, "deleted_at": nil}).
		Suffix("FOR UPDATE").ToSql()
	if err != nil {
		return models.Banner{}, fmt.Errorf("to sql error: %w", err)
	}

	b, err := scanBanner(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return models.Banner{}, fmt.Errorf("lock banner error: %w", err)
	}

	return b, nil
}

// claimPairs records the serving pairs of an active banner. The unique index on
// banner_tags rejects a pair already held by another banner.
func claimPairs(ctx context.Context, tx pgx.Tx, b models.Banner) error {
	if !b.Active || len(b.Tags) == 0 {
		return nil
	}

	ib := psql().Insert("banner_tags").Columns("banner_id", "feature_id", "tag_id")
	for _, t := range b.Tags {
		ib = ib.Values(b.ID, b.FeatureID, t)
	}

	query, args, err := ib.ToSql()
	if err != nil {
		return fmt.Errorf("to sql error: %w", err)
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("claim pairs error: %w", err)
	}

	return nil
}

func releasePairs(ctx context.Context, tx pgx.Tx, ids []int64) error {
	query, args, err := psql().Delete("banner_tags").
		Where(squirrel.Eq{"banner_id": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("to sql error: %w", err)
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("release pairs error: %w", err)
	}

	return nil
}

func insertVersion(ctx context.Context, tx pgx.Tx, b models.Banner) error {
	query, args, err := psql().Insert("banner_versions").
		Columns("banner_id", "revision", "content", "created_at").
		Values(b.ID, b.Revision, string(b.Content), b.UpdatedAt).ToSql()
	if err != nil {
		return fmt.Errorf("to sql error: %w", err)
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert version error: %w", err)
	}

	return nil
}

func scanBanner(row pgx.Row) (models.Banner, error) {
	var (
		b       models.Banner
		content []byte
	)

	if err := row.Scan(&b.ID, &b.FeatureID, &b.Tags, &content, &b.Revision, &b.Active,
		&b.CreatedAt, &b.UpdatedAt); err != nil {
		return models.Banner{}, err //nolint:wrapcheck
	}

	b.Content = content

	return b, nil
}

func deletedChange(b models.Banner) models.Change {
	c := models.ChangeFromBanner(b)
	c.Revision = b.Revision + 1
	c.Deleted = true

	return c
}

func joinColumns() string {
	return strings.Join(bannerColumns, ", ")
}

func mapErr(where string, err error) error {
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, pgx.ErrNoRows):
		return repo.ErrNotFound
	case pgtools.IsCode(err, pgtools.CodeUniqueViolation):
		return repo.ErrConflict
	case pgtools.IsUnavailable(err):
		return fmt.Errorf("%s error: %w: %w", where, repo.ErrUnavailable, err)
	default:
		return fmt.Errorf("%s error: %w", where, err)
	}
}
