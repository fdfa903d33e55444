// Package main implements blocknotify, the hook the node calls with
// -blocknotify=blocknotify %s. It announces the new tip to every poold
// subscribed to the Redis block notification channel.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bardlex/vrscpool/internal/config"
	"github.com/bardlex/vrscpool/internal/database/redis"
	"github.com/bardlex/vrscpool/pkg/errors"
	"github.com/bardlex/vrscpool/pkg/log"
)

type blockNotifier interface {
	PublishBlockNotify(ctx context.Context, channel, blockHash string) (int64, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.RedisURL == "" {
		fmt.Fprintln(os.Stderr, "REDIS_URL is not set")
		os.Exit(1)
	}

	logger := log.New("blocknotify", cfg.Version, cfg.LogLevel, cfg.LogFormat)

	rc := redis.DefaultConfig()
	rc.URL = cfg.RedisURL
	client, err := redis.NewClient(rc, logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect to Redis")
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.WithError(err).Warn("failed to close Redis client")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := run(ctx, os.Args[1:], cfg.BlockNotifyChannel, client, os.Stdout); err != nil {
		logger.WithError(err).Error("block notification failed")
		cancel()
		os.Exit(1)
	}
}

// run validates the block hash argument and publishes it.
func run(ctx context.Context, args []string, channel string, notifier blockNotifier, out io.Writer) error {
	if len(args) != 1 {
		return errors.New(errors.ErrorTypeInput, "blocknotify", "usage: blocknotify <blockhash>")
	}

	blockHash := strings.ToLower(strings.TrimSpace(args[0]))
	if raw, err := hex.DecodeString(blockHash); err != nil || len(raw) != 32 {
		return errors.New(errors.ErrorTypeInput, "blocknotify", "block hash must be 64 hex characters").
			WithContext("block_hash", args[0])
	}

	receivers, err := notifier.PublishBlockNotify(ctx, channel, blockHash)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "notified %d pool(s) of block %s\n", receivers, blockHash)
	return err
}
