package memory

import (
	"context"
	"sync"

	"github.com/Leopold1975/banners_resolver/internal/banners/domain/models"
	"github.com/Leopold1975/banners_resolver/internal/banners/repository/userrepo"
)

type UsersMemoryRepo struct {
	mu     sync.RWMutex
	nextID int64
	users  map[string]models.User
}

func New() *UsersMemoryRepo {
	return &UsersMemoryRepo{
		users: make(map[string]models.User),
	}
}

func (ur *UsersMemoryRepo) CreateUser(_ context.Context, u models.User) (int64, error) {
	ur.mu.Lock()
	defer ur.mu.Unlock()

	if _, ok := ur.users[u.Username]; ok {
		return 0, userrepo.ErrAleradyExists
	}

	ur.nextID++
	u.ID = ur.nextID
	ur.users[u.Username] = u

	return u.ID, nil
}

func (ur *UsersMemoryRepo) GetUser(_ context.Context, username string) (models.User, error) {
	ur.mu.RLock()
	defer ur.mu.RUnlock()

	u, ok := ur.users[username]
	if !ok {
		return models.User{}, userrepo.ErrNotFound
	}

	return u, nil
}
