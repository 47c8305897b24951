package pgtools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/Leopold1975/banners_resolver/internal/pkg/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // driver for migrations
	"github.com/jackc/puddle/v2"
	"github.com/pressly/goose/v3"
)

const (
	CodeUniqueViolation = "23505"

	migrationsDir = "./migrations"
	maxPingDelay  = 10 * time.Second
)

// DB is the part of *pgxpool.Pool the repositories use. pgxmock pools
// satisfy it as well.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

func ConnString(cfg config.PostgresDB) string {
	return "postgres://" + cfg.Username + ":" + cfg.Password + "@" +
		cfg.Addr + "/" + cfg.DB + "?" + "sslmode=" + cfg.SSLmode + "&pool_max_conns=" + cfg.MaxConns
}

// Connect opens a pool and pings it until the server answers, backing off one
// more second after each failure. The pool is closed on every failure path.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	dbc, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("cannot create db pool error: %w", err)
	}

	delay := time.Second

	for {
		err := dbc.Ping(ctx)
		if err == nil {
			return dbc, nil
		}

		if delay > maxPingDelay {
			dbc.Close()

			return nil, fmt.Errorf("cannot ping db error: %w", err)
		}

		t := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			t.Stop()
			dbc.Close()

			return nil, fmt.Errorf("context error: %w", ctx.Err())
		case <-t.C:
		}

		delay += time.Second
	}
}

func ApplyMigration(cfg config.PostgresDB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose set dialect error: %w", err)
	}

	connString := "postgres://" + cfg.Username + ":" + cfg.Password + "@" +
		cfg.Addr + "/" + cfg.DB + "?sslmode=" + cfg.SSLmode

	dbM, err := goose.OpenDBWithDriver("pgx", connString)
	if err != nil {
		return fmt.Errorf("goose open pgx db error: %w", err)
	}
	defer dbM.Close()

	if cfg.Reload {
		if err := goose.DownTo(dbM, migrationsDir, 0); err != nil {
			return fmt.Errorf("goose down error: %w", err)
		}
	}

	if cfg.Version > 0 {
		if err := goose.UpTo(dbM, migrationsDir, int64(cfg.Version)); err != nil {
			return fmt.Errorf("goose up error: %w", err)
		}

		return nil
	}

	if err := goose.Up(dbM, migrationsDir); err != nil {
		return fmt.Errorf("goose up error: %w", err)
	}

	return nil
}

func CommitOrRollback(ctx context.Context, tx pgx.Tx, err error, where string) error {
	if err == nil {
		if errT := tx.Commit(ctx); errT != nil {
			err = fmt.Errorf("commit error: %w", errT)
		}
	} else {
		if errT := tx.Rollback(ctx); errT != nil {
			err = fmt.Errorf("%s error: %w rollback error: %w", where, err, errT)
		} else {
			err = fmt.Errorf("%s error: %w", where, err)
		}
	}

	return err
}

// IsCode reports whether err carries a postgres error with the given SQLSTATE.
func IsCode(err error, code string) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == code
}

// IsUnavailable reports whether err means the server could not be reached,
// dropped the connection or did not answer in time. Statement, scan and decode
// errors are not unavailability.
func IsUnavailable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return unavailableCode(pgErr.Code)
	}

	var (
		connErr *pgconn.ConnectError
		netErr  net.Error
	)

	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, puddle.ErrClosedPool) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &connErr) ||
		errors.As(err, &netErr) ||
		pgconn.Timeout(err) ||
		pgconn.SafeToRetry(err)
}

// unavailableCode covers connection exceptions (class 08), operator
// intervention (class 57) and insufficient resources (class 53).
func unavailableCode(code string) bool {
	return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57") || strings.HasPrefix(code, "53")
}
