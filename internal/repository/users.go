package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/boostmart/internal/model"
)

// FindUserByID возвращает пользователя из каталога.
func (r *PostgresRepository) FindUserByID(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx,
		`SELECT id, first_name, last_name FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.FirstName, &u.LastName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// InsertActivity добавляет запись в журнал действий пользователя.
func (r *PostgresRepository) InsertActivity(ctx context.Context, userID int64, action string) error {
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO activities (user_id, action) VALUES ($1, $2)`,
		userID, action,
	); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}
