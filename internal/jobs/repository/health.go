package repository

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// RedisHealth reports healthy while the backing Redis responds to PING.
type RedisHealth struct {
	db redis.UniversalClient
}

func NewRedisHealth(db redis.UniversalClient) *RedisHealth {
	return &RedisHealth{db: db}
}

func (h *RedisHealth) Check() error {
	if err := h.db.Ping().Err(); err != nil {
		return errors.WithMessage(err, "redis connectivity check failed")
	}
	return nil
}
