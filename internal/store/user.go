package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"clinic-scheduler/internal/model"
)

const userColumns = `chat_id, username,
	appointment1_datetime, appointment1_gcal_id,
	appointment2_datetime, appointment2_gcal_id,
	created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, chatID, name string) (*model.User, error) {
	u := model.NewUser(chatID, name)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (chat_id, username) VALUES ($1,$2)
		 RETURNING created_at, updated_at`,
		chatID, name,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return u, nil
}

func (s *Store) User(ctx context.Context, chatID string) (*model.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE chat_id = $1`, chatID))
}

// lockUser reads the user row and holds its lock until tx ends.
func lockUser(ctx context.Context, tx pgx.Tx, chatID string) (*model.User, error) {
	return scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE chat_id = $1 FOR UPDATE`, chatID))
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		chatID, name string
		at           [model.MaxSlots]*time.Time
		ev           [model.MaxSlots]*string
		created      time.Time
		updated      time.Time
	)
	err := row.Scan(&chatID, &name, &at[0], &ev[0], &at[1], &ev[1], &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u := model.NewUser(chatID, name)
	u.CreatedAt, u.UpdatedAt = created, updated
	for i := range u.Slots {
		if at[i] != nil {
			u.Slots[i].Start = *at[i]
		}
		if ev[i] != nil {
			u.Slots[i].EventID = *ev[i]
		}
	}
	return u, nil
}
