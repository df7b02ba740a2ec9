// Package activity ведёт журнал действий пользователей.
package activity

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmeshcher/boostmart/internal/model"
)

// Store описывает каталог пользователей и журнал действий.
type Store interface {
	FindUserByID(ctx context.Context, id int64) (*model.User, error)
	InsertActivity(ctx context.Context, userID int64, action string) error
}

// Recorder записывает действия от имени пользователя.
type Recorder struct {
	store Store
}

// NewRecorder создаёт Recorder.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record добавляет запись вида "<Имя> <Фамилия> <действие>".
func (r *Recorder) Record(ctx context.Context, userID int64, action string) error {
	u, err := r.store.FindUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("find user %d: %w", userID, err)
	}

	if err := r.store.InsertActivity(ctx, userID, Format(u, action)); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// Format собирает текст записи, пропуская пустые части имени.
func Format(u *model.User, action string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{u.FirstName, u.LastName, action} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}
