package logstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisPersister stores the record under a single redis key.
type RedisPersister struct {
	Client *redis.Client
	Key    string
}

func (p RedisPersister) Load(ctx context.Context) ([]byte, error) {
	data, err := p.Client.Get(ctx, p.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (p RedisPersister) Save(ctx context.Context, data []byte) error {
	return p.Client.Set(ctx, p.Key, data, 0).Err()
}
