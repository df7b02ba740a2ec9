package activity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/boostmart/internal/model"
	"github.com/mmeshcher/boostmart/internal/repository"
)

type stubStore struct {
	user    *model.User
	userErr error

	inserted []string
}

func (s *stubStore) FindUserByID(context.Context, int64) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubStore) InsertActivity(_ context.Context, _ int64, action string) error {
	s.inserted = append(s.inserted, action)
	return nil
}

func TestRecord(t *testing.T) {
	store := &stubStore{user: &model.User{ID: 1, FirstName: "Ada", LastName: "Obi"}}
	r := NewRecorder(store)

	require.NoError(t, r.Record(context.Background(), 1, "placed an order of 500 followers"))
	assert.Equal(t, []string{"Ada Obi placed an order of 500 followers"}, store.inserted)
}

func TestRecord_UnknownUser(t *testing.T) {
	store := &stubStore{userErr: repository.ErrNotFound}
	r := NewRecorder(store)

	err := r.Record(context.Background(), 1, "x")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, store.inserted)
}

func TestFormat_SkipsEmptyParts(t *testing.T) {
	assert.Equal(t, "Ada topped up", Format(&model.User{FirstName: "Ada"}, "topped up"))
	assert.Equal(t, "Obi", Format(&model.User{LastName: " Obi "}, ""))
}
