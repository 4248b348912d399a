package changefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"socialfeed/internal/observability"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresChannel is the LISTEN/NOTIFY channel shared by all collections.
const PostgresChannel = "store_changes"

// PostgresBus relays change events through Postgres LISTEN/NOTIFY so
// instances need nothing beyond the database they already share.
type PostgresBus struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a traced pgx pool for dsn.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresBus, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pgx pool: %w", err)
	}
	return &PostgresBus{pool: pool}, nil
}

func (b *PostgresBus) Name() string { return "postgres" }

func (b *PostgresBus) Publish(ctx context.Context, ev Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	observability.ChangeEvents.WithLabelValues("postgres", "out").Inc()
	_, err = b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", PostgresChannel, string(payload))
	return err
}

// Listen holds one pooled connection in LISTEN mode until ctx ends,
// re-acquiring it after connection failures.
func (b *PostgresBus) Listen(ctx context.Context, h Handler) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+PostgresChannel); err != nil {
		conn.Release()
		return fmt.Errorf("listen %s: %w", PostgresChannel, err)
	}

	go func() {
		for {
			err := b.wait(ctx, conn, h)
			conn.Release()
			if ctx.Err() != nil {
				return
			}
			slog.Warn("postgres changefeed listener lost connection", slog.String("error", err.Error()))

			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				conn, err = b.pool.Acquire(ctx)
				if err != nil {
					continue
				}
				if _, err = conn.Exec(ctx, "LISTEN "+PostgresChannel); err != nil {
					conn.Release()
					continue
				}
				break
			}
		}
	}()
	return nil
}

func (b *PostgresBus) wait(ctx context.Context, conn *pgxpool.Conn, h Handler) error {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev, err := Decode([]byte(n.Payload))
		if err != nil {
			slog.Warn("dropping malformed change event", slog.String("error", err.Error()))
			continue
		}
		observability.ChangeEvents.WithLabelValues("postgres", "in").Inc()
		deliver("postgres", h, ev)
	}
}

func (b *PostgresBus) Close() error {
	if b.pool == nil {
		return errors.New("postgres bus not connected")
	}
	b.pool.Close()
	return nil
}
