package db

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisOpts struct {
	Addr        string        // "127.0.0.1:6379" or a redis:// URL
	Password    string        // optional
	DB          int           // default 0
	DialTimeout time.Duration // default 5s
}

func (o RedisOpts) options() (*redis.Options, error) {
	if strings.HasPrefix(o.Addr, "redis://") || strings.HasPrefix(o.Addr, "rediss://") {
		opt, err := redis.ParseURL(o.Addr)
		if err != nil {
			return nil, err
		}
		opt.DialTimeout = o.DialTimeout
		return opt, nil
	}
	return &redis.Options{
		Addr:        o.Addr,
		Password:    o.Password,
		DB:          o.DB,
		DialTimeout: o.DialTimeout,
	}, nil
}

func NewRedisClient(opts RedisOpts) (*redis.Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	ro, err := opts.options()
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(ro)
	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
