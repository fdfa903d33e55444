// Package main implements poold, the Stratum server of the Verus mining pool.
// It fetches work from the node, serves miners and forwards found blocks.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/vrscpool/internal/config"
	"github.com/bardlex/vrscpool/internal/database"
	"github.com/bardlex/vrscpool/internal/database/influx"
	"github.com/bardlex/vrscpool/internal/database/redis"
	"github.com/bardlex/vrscpool/internal/messaging"
	"github.com/bardlex/vrscpool/internal/miner"
	"github.com/bardlex/vrscpool/internal/node"
	"github.com/bardlex/vrscpool/internal/pool"
	"github.com/bardlex/vrscpool/internal/stratum"
	"github.com/bardlex/vrscpool/internal/vardiff"
	"github.com/bardlex/vrscpool/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting poold",
		"version", cfg.Version,
		"listen_addr", cfg.StratumAddr(),
		"node", fmt.Sprintf("%s:%d", cfg.NodeRPCHost, cfg.NodeRPCPort),
	)

	d, err := newDaemon(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialise poold")
		os.Exit(1)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := d.Start(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
			logger.WithError(err).Error("server failed")
		}
		cancel()
	}()

	// Wait for shutdown signal
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("poold stopped")
}

// daemon owns every long-lived component of poold.
type daemon struct {
	cfg    *config.Config
	logger *log.Logger

	rpc      *node.RPCClient
	server   *stratum.Server
	pool     *pool.Pool
	recorder *database.Manager

	kafka  *messaging.KafkaClient
	redis  *redis.Client
	influx *influx.Client
	zmq    *node.TipSubscriber

	wg sync.WaitGroup
}

// newDaemon connects to the node and the configured sinks. Sinks that fail to
// connect are logged and left out; the pool runs without them.
func newDaemon(cfg *config.Config, logger *log.Logger) (*daemon, error) {
	rpc, err := node.NewRPCClient(node.RPCConfig{
		Host:             cfg.NodeRPCHost,
		Port:             cfg.NodeRPCPort,
		User:             cfg.NodeRPCUser,
		Password:         cfg.NodeRPCPassword,
		TemplateAttempts: 3,
		RequestTimeout:   30 * time.Second,
	}, logger)
	if err != nil {
		return nil, err
	}

	d := &daemon{cfg: cfg, logger: logger, rpc: rpc}
	sinks := d.connectSinks()

	if cfg.NodeZMQAddr != "" {
		if d.zmq, err = node.NewTipSubscriber(cfg.NodeZMQAddr, logger); err != nil {
			logger.WithError(err).Warn("ZMQ block notifications disabled")
		}
	}

	if err := d.assemble(rpc, sinks); err != nil {
		d.closeClients()
		return nil, err
	}
	return d, nil
}

// assemble builds the stratum server, the recorder and the pool on top of
// nodeClient.
func (d *daemon) assemble(nodeClient pool.Node, sinks database.Sinks) error {
	d.server = stratum.NewServer(serverConfig(d.cfg), d.logger)
	d.recorder = database.NewManager(recorderConfig(), sinks, d.logger)

	p, err := pool.New(poolConfig(d.cfg), pool.Deps{
		Transport:  d.server,
		Node:       nodeClient,
		Recorder:   d.recorder,
		Authorizer: authorizer(d.cfg),
	}, d.logger)
	if err != nil {
		return err
	}
	d.pool = p
	return nil
}

func (d *daemon) connectSinks() database.Sinks {
	var sinks database.Sinks

	if len(d.cfg.KafkaBrokers) > 0 {
		d.kafka = messaging.NewKafkaClient(d.cfg.KafkaBrokers, d.logger)
		sinks.Publisher = d.kafka
	}

	if d.cfg.RedisURL != "" {
		rc := redis.DefaultConfig()
		rc.URL = d.cfg.RedisURL
		client, err := redis.NewClient(rc, d.logger)
		if err != nil {
			d.logger.WithError(err).Warn("redis disabled")
		} else {
			d.redis = client
			sinks.Cache = client
		}
	}

	if d.cfg.InfluxURL != "" {
		client, err := influx.NewClient(&influx.Config{
			URL:    d.cfg.InfluxURL,
			Token:  d.cfg.InfluxToken,
			Org:    d.cfg.InfluxOrg,
			Bucket: d.cfg.InfluxBucket,
		}, d.logger)
		if err != nil {
			d.logger.WithError(err).Warn("influx metrics disabled")
		} else {
			d.influx = client
			sinks.Metrics = client
		}
	}

	return sinks
}

// Start runs the background loops and serves miners until ctx is cancelled.
func (d *daemon) Start(ctx context.Context) error {
	return d.serve(ctx, nil)
}

// serve is Start with an optional pre-bound listener.
func (d *daemon) serve(ctx context.Context, listener net.Listener) error {
	d.recorder.Start()
	d.recorder.StartPeriodicTasks(ctx, d.pool.Stats)

	d.goRun(func() {
		if err := d.pool.Run(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
			d.logger.WithError(err).Error("job refresh loop failed")
		}
	})

	if d.zmq != nil {
		d.goRun(func() {
			_ = d.zmq.Listen(ctx, func(blockHash string) error {
				return d.pool.NotifyBlock(ctx, blockHash)
			})
		})
	}

	if d.redis != nil {
		d.goRun(func() {
			err := d.redis.SubscribeBlockNotify(ctx, d.cfg.BlockNotifyChannel, d.pool.NotifyBlock)
			if err != nil && !stderrors.Is(err, context.Canceled) {
				d.logger.WithError(err).Error("block notification subscription ended")
			}
		})
	}

	if listener != nil {
		return d.server.Serve(ctx, listener, d.pool)
	}
	return d.server.Start(ctx, d.pool)
}

func (d *daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// Shutdown closes miner connections, waits for the background loops, drains
// the recorder and closes every client. The context passed to Start must be
// cancelled first.
func (d *daemon) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := d.server.Shutdown(ctx); err != nil {
		firstErr = err
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("background tasks did not stop in time")
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}

	if err := d.recorder.Close(ctx); err != nil {
		d.logger.WithError(err).Warn("event recorder not drained", "dropped", d.recorder.Dropped())
		if firstErr == nil {
			firstErr = err
		}
	}

	d.closeClients()
	return firstErr
}

func (d *daemon) closeClients() {
	if d.zmq != nil {
		if err := d.zmq.Close(); err != nil {
			d.logger.WithError(err).Error("failed to close ZMQ socket")
		}
	}
	if d.kafka != nil {
		if err := d.kafka.Close(); err != nil {
			d.logger.WithError(err).Error("failed to close Kafka client")
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.logger.WithError(err).Error("failed to close Redis client")
		}
	}
	if d.influx != nil {
		d.influx.Close()
	}
	if d.rpc != nil {
		d.rpc.Close()
	}
}

func serverConfig(cfg *config.Config) stratum.ServerConfig {
	return stratum.ServerConfig{
		ListenAddr:     cfg.StratumAddr(),
		MaxConnections: cfg.MaxConnections,
		Session: stratum.SessionConfig{
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			MaxMessageSize: cfg.MaxMessageSize,
		},
	}
}

func recorderConfig() *database.Config {
	return database.DefaultConfig()
}

func poolConfig(cfg *config.Config) pool.Config {
	return pool.Config{
		ExtraNonce1Size:   cfg.ExtraNonce1Size,
		ExtraNonce2Size:   cfg.ExtraNonce2Size,
		SolutionSizeField: cfg.SolutionSizeField,
		MaxTimeSkew:       cfg.MaxTimeSkew,
		Diff1Target:       cfg.Diff1Target,
		JobHistory:        cfg.JobHistory,
		RefreshInterval:   cfg.JobRefreshInterval,
		NotifyConcurrency: cfg.NotifyConcurrency,
		DifficultyMethod:  cfg.DifficultyMethod,
		WelcomeMessage:    cfg.WelcomeMessage,
		Difficulty: miner.Bounds{
			Min:     cfg.MinDifficulty,
			Max:     cfg.MaxDifficulty,
			Initial: cfg.InitialDifficulty,
		},
		Vardiff: vardiff.Config{
			RetargetTime:       cfg.VardiffRetarget,
			TimeBuffer:         cfg.VardiffTimeBuffer,
			TargetSharesPerMin: cfg.VardiffTargetShares,
			MinDifficulty:      cfg.MinDifficulty,
			MaxDifficulty:      cfg.MaxDifficulty,
		},
	}
}

func authorizer(cfg *config.Config) pool.Authorizer {
	if len(cfg.AuthorizedWorkers) == 0 {
		return pool.AcceptAll{}
	}
	return pool.NewAllowList(cfg.AuthorizedWorkers)
}
