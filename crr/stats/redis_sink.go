package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/cloudcrr/cloudcrr/crr/util"
)

// RedisSink aggregates per-site replication counters in a key-value
// store, keyed crr:<site>:<type>:{ops,bytes}. Writes are best-effort.
type RedisSink struct {
	client *redis.Client
	prefix string
}

func NewRedisSink(config util.Configuration, prefix string) *RedisSink {
	addr := config.GetString(prefix + "address")
	if addr == "" {
		return nil
	}
	glog.V(0).Infof("metrics.redis.address: %v", addr)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.GetString(prefix + "password"),
		DB:       config.GetInt(prefix + "database"),
	})
	keyPrefix := config.GetString(prefix + "key_prefix")
	if keyPrefix == "" {
		keyPrefix = "crr"
	}
	return &RedisSink{client: client, prefix: keyPrefix}
}

func (s *RedisSink) Incr(site, boundary string, ops, bytes int64) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.IncrBy(ctx, fmt.Sprintf("%s:%s:%s:ops", s.prefix, site, boundary), ops)
	pipe.IncrBy(ctx, fmt.Sprintf("%s:%s:%s:bytes", s.prefix, site, boundary), bytes)
	if _, err := pipe.Exec(ctx); err != nil {
		glog.V(1).Infof("redis metrics sink: %v", err)
	}
}

func (s *RedisSink) Close() {
	if s == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		glog.V(1).Infof("close redis metrics sink: %v", err)
	}
}
