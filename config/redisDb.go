package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

func GetRedisDB() *redis.Client {
	return rdb
}

// GetRedisLock is nil until Redis is connected; callers treat that as "run unlocked".
func GetRedisLock() *redislock.Client {
	return locker
}

// SetRedisDB installs an already-connected client (tests, CLI jobs).
func SetRedisDB(client *redis.Client) {
	rdb = client
	locker = nil
	if client != nil {
		locker = redislock.New(client)
	}
}

// RedisOptionsFromEnv reads REDIS_ADDRESS (localhost:6379), REDIS_PASSWORD, REDIS_DB and REDIS_POOL_SIZE.
func RedisOptionsFromEnv() *redis.Options {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		addr = "localhost:6379"
	}
	return &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       intFromEnv("REDIS_DB", 0),
		PoolSize: intFromEnv("REDIS_POOL_SIZE", 100),
	}
}

// GetRedisObject is a cache read; a missing client or key is a miss, not an error.
func GetRedisObject(ctx context.Context, key string, dest interface{}) (bool, error) {
	if rdb == nil {
		return false, nil
	}
	raw, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func SetRedisObject(ctx context.Context, key string, obj interface{}, exp time.Duration) error {
	if rdb == nil {
		return nil
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, raw, exp).Err()
}

func RemoveRedisKey(ctx context.Context, keys ...string) error {
	if rdb == nil || len(keys) == 0 {
		return nil
	}
	return rdb.Del(ctx, keys...).Err()
}

// ConnectRedisWithRetry blocks until Redis answers PING, then installs the client and the lock client.
func ConnectRedisWithRetry() {
	opts := RedisOptionsFromEnv()
	for attempt := 1; ; attempt++ {
		client := redis.NewClient(opts)
		err := client.Ping(context.Background()).Err()
		if err == nil {
			SetRedisDB(client)
			LogInfo(GetLogger(), "redisDb.go", "ConnectRedisWithRetry", "connected to redis",
				map[string]interface{}{"attempt": attempt, "addr": opts.Addr})
			return
		}
		_ = client.Close()
		sleep := backoffFor(attempt)
		GetLogger().WithFields(logrus.Fields{
			"field":   "redis",
			"attempt": attempt,
			"addr":    opts.Addr,
			"retry":   sleep.String(),
		}).Warn("failed to connect redis: " + err.Error())
		time.Sleep(sleep)
	}
}
