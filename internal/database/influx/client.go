// Package influx writes the pool's share, block, job and snapshot metrics to
// InfluxDB.
package influx

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/vrscpool/internal/messaging"
	"github.com/bardlex/vrscpool/pkg/errors"
	"github.com/bardlex/vrscpool/pkg/log"
)

// Measurement names.
const (
	MeasurementShares = "shares"
	MeasurementBlocks = "blocks"
	MeasurementJobs   = "jobs"
	MeasurementPool   = "pool_stats"
)

// pointWriter is the subset of api.WriteAPI the client uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI pointWriter
	logger   *log.Logger
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client and checks the server is healthy.
// Asynchronous write errors are logged.
func NewClient(cfg *Config, logger *log.Logger) (*Client, error) {
	logger = logger.WithComponent("influx")
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "influx_connect", "InfluxDB is not available").
			WithContext("url", cfg.URL)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.WithError(err).Warn("influx write failed")
		}
	}()

	return &Client{
		client:   client,
		writeAPI: writeAPI,
		logger:   logger,
	}, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	if c.client != nil {
		c.client.Close()
	}
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Flush forces all pending writes
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Mining metrics

// WriteShare writes one share submission.
func (c *Client) WriteShare(ev *messaging.ShareEvent) {
	address, worker := splitUsername(ev.Username)
	tags := map[string]string{
		"address": address,
		"worker":  worker,
		"status":  ev.Status,
		"block":   fmt.Sprintf("%t", ev.BlockCandidate),
	}

	fields := map[string]interface{}{
		"difficulty": ev.Difficulty,
		"height":     ev.Height,
		"latency_ms": ev.LatencyMs,
		"count":      1,
	}

	c.writeAPI.WritePoint(write.NewPoint(MeasurementShares, tags, fields, eventTime(ev.SubmittedAt)))
}

// WriteBlock writes a forwarded block candidate.
func (c *Client) WriteBlock(ev *messaging.BlockEvent) {
	address, worker := splitUsername(ev.Username)
	tags := map[string]string{
		"address":  address,
		"worker":   worker,
		"accepted": fmt.Sprintf("%t", ev.Accepted),
	}

	fields := map[string]interface{}{
		"height":       ev.Height,
		"hash":         ev.Hash,
		"job_id":       ev.JobID,
		"submit_ms":    ev.SubmitMs,
		"block_length": ev.BlockLength,
	}
	if ev.Reason != "" {
		fields["reason"] = ev.Reason
	}

	c.writeAPI.WritePoint(write.NewPoint(MeasurementBlocks, tags, fields, eventTime(ev.FoundAt)))
}

// WriteJob writes a job broadcast.
func (c *Client) WriteJob(ev *messaging.JobEvent) {
	tags := map[string]string{
		"reason": ev.Reason,
		"clean":  fmt.Sprintf("%t", ev.CleanJobs),
	}

	fields := map[string]interface{}{
		"job_id":    ev.JobID,
		"height":    ev.Height,
		"prev_hash": ev.PrevHash,
		"bits":      ev.Bits,
		"miners":    ev.Miners,
		"failed":    ev.Failed,
	}

	c.writeAPI.WritePoint(write.NewPoint(MeasurementJobs, tags, fields, eventTime(ev.CreatedAt)))
}

// WritePoolStats writes a pool snapshot.
func (c *Client) WritePoolStats(stats *messaging.PoolStats) {
	fields := map[string]interface{}{
		"connections": stats.Connections,
		"authorized":  stats.Authorized,
		"height":      stats.Height,
		"retained":    stats.RetainedJob,
	}
	if stats.JobID != "" {
		fields["job_id"] = stats.JobID
	}

	c.writeAPI.WritePoint(write.NewPoint(MeasurementPool, map[string]string{}, fields, eventTime(stats.TakenAt)))
}

// splitUsername separates "address.worker". A bare address reports the
// worker as "default".
func splitUsername(username string) (address, worker string) {
	address, worker, found := strings.Cut(username, ".")
	if !found || worker == "" {
		worker = "default"
	}
	return address, worker
}

func eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
