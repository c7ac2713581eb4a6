// Package redis 事件发布与流动性报价共用的 Redis 连接
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultAddr     = "localhost:6379"
	defaultPoolSize = 50
	defaultDial     = 5 * time.Second
	defaultIO       = 3 * time.Second
)

// Config 零值字段使用默认值
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) options() *redis.Options {
	opts := &redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}
	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaultPoolSize
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDial
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultIO
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultIO
	}
	return opts
}

// NewClient 创建客户端，PING 失败时关闭连接并返回错误
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts := cfg.options()
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}
