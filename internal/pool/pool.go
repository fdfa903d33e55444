// Package pool ties the registries, the vardiff controller and the node
// together behind the Stratum protocol state machine.
package pool

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/vrscpool/internal/job"
	"github.com/bardlex/vrscpool/internal/messaging"
	"github.com/bardlex/vrscpool/internal/miner"
	"github.com/bardlex/vrscpool/internal/node"
	"github.com/bardlex/vrscpool/internal/stratum"
	"github.com/bardlex/vrscpool/internal/target"
	"github.com/bardlex/vrscpool/internal/validation"
	"github.com/bardlex/vrscpool/internal/vardiff"
	"github.com/bardlex/vrscpool/pkg/errors"
	"github.com/bardlex/vrscpool/pkg/log"
)

// Difficulty notification methods
const (
	DifficultyMethodTarget     = "target"
	DifficultyMethodDifficulty = "difficulty"
)

// ErrNoJob is returned when no job could be produced for a miner.
var ErrNoJob = stderrors.New("no job available")

// Transport delivers messages to a connection.
type Transport interface {
	Send(connID string, msg *stratum.Message) error
}

// Node fetches work from and submits work to the chain daemon.
type Node interface {
	GetBlockTemplate(ctx context.Context) (*node.BlockTemplate, error)
	SubmitBlock(ctx context.Context, hexData string) (*node.SubmissionResult, error)
}

// Recorder receives share, block and job outcomes. Calls must not block.
type Recorder interface {
	RecordShare(ev *messaging.ShareEvent)
	RecordBlock(ev *messaging.BlockEvent)
	RecordJob(ev *messaging.JobEvent)
}

var (
	_ Node             = (*node.RPCClient)(nil)
	_ Transport        = (*stratum.Server)(nil)
	_ stratum.Handler  = (*Pool)(nil)
	_ vardiff.Notifier = (*Pool)(nil)
	_ Authorizer       = AcceptAll{}
	_ Authorizer       = (*AllowList)(nil)
	_ Recorder         = nopRecorder{}
)

// Config holds the pool's protocol and job settings.
type Config struct {
	ExtraNonce1Size   int
	ExtraNonce2Size   int
	SolutionSizeField string
	MaxTimeSkew       time.Duration
	Diff1Target       string

	JobHistory        int
	RefreshInterval   time.Duration
	NotifyConcurrency int

	// DifficultyMethod selects mining.set_target or mining.set_difficulty.
	DifficultyMethod string
	WelcomeMessage   string

	Difficulty miner.Bounds
	Vardiff    vardiff.Config
}

// DefaultConfig returns the settings for a Verus solo pool.
func DefaultConfig() Config {
	vd := vardiff.DefaultConfig()
	return Config{
		ExtraNonce1Size:   4,
		ExtraNonce2Size:   28,
		SolutionSizeField: "fd4005",
		MaxTimeSkew:       10 * time.Minute,
		Diff1Target:       target.DefaultMaxTarget,
		JobHistory:        job.DefaultRetention,
		RefreshInterval:   30 * time.Second,
		NotifyConcurrency: 64,
		DifficultyMethod:  DifficultyMethodTarget,
		WelcomeMessage:    "Welcome to the pool",
		Difficulty:        miner.Bounds{Min: vd.MinDifficulty, Max: vd.MaxDifficulty, Initial: 5000},
		Vardiff:           vd,
	}
}

// Deps are the collaborators a Pool talks to. Recorder and Authorizer are optional.
type Deps struct {
	Transport  Transport
	Node       Node
	Recorder   Recorder
	Authorizer Authorizer
}

// Pool is the Stratum state machine. It owns the job and miner registries.
type Pool struct {
	cfg        Config
	transport  Transport
	node       Node
	recorder   Recorder
	authorizer Authorizer
	logger     *log.Logger

	jobs        *job.Registry
	miners      *miner.Registry
	extraNonces *miner.ExtraNonceAllocator
	vardiff     *vardiff.Controller
	codec       *target.Codec
	validator   *validation.ShareValidator

	// updateMu is held for writing while a fetched template is compared,
	// turned into a job and broadcast, and for reading while a single miner
	// is sent the current job. The node is never called with it held.
	updateMu sync.RWMutex
	// fetchSeq numbers template fetches; appliedSeq, guarded by updateMu, is
	// the newest fetch already compared against the current job.
	fetchSeq   atomic.Uint64
	appliedSeq uint64

	now func() time.Time
}

// New creates a pool.
func New(cfg Config, deps Deps, logger *log.Logger) (*Pool, error) {
	if deps.Transport == nil || deps.Node == nil {
		return nil, errors.New(errors.ErrorTypeInput, "new_pool", "transport and node are required")
	}
	if cfg.ExtraNonce1Size <= 0 || cfg.ExtraNonce2Size < 0 {
		return nil, errors.New(errors.ErrorTypeInput, "new_pool", "invalid extranonce sizes").
			WithContext("extranonce1_size", cfg.ExtraNonce1Size).
			WithContext("extranonce2_size", cfg.ExtraNonce2Size)
	}
	switch cfg.DifficultyMethod {
	case DifficultyMethodTarget, DifficultyMethodDifficulty:
	case "":
		cfg.DifficultyMethod = DifficultyMethodTarget
	default:
		return nil, errors.New(errors.ErrorTypeInput, "new_pool", "unknown difficulty method").
			WithContext("method", cfg.DifficultyMethod)
	}
	if cfg.NotifyConcurrency < 1 {
		cfg.NotifyConcurrency = 1
	}

	diff1 := cfg.Diff1Target
	if diff1 == "" {
		diff1 = target.DefaultMaxTarget
	}
	codec, err := target.NewCodec(diff1)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInput, "new_pool", "invalid difficulty-1 target")
	}

	validator, err := validation.NewShareValidator(cfg.ExtraNonce1Size+cfg.ExtraNonce2Size, cfg.SolutionSizeField, cfg.MaxTimeSkew)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInput, "new_pool", "invalid solution size field")
	}

	p := &Pool{
		cfg:        cfg,
		transport:  deps.Transport,
		node:       deps.Node,
		recorder:   deps.Recorder,
		authorizer: deps.Authorizer,
		logger:     logger.WithComponent("pool"),
		jobs:       job.NewRegistry(cfg.JobHistory),
		miners:     miner.NewRegistry(cfg.Difficulty),
		codec:      codec,
		validator:  validator,
		now:        time.Now,
	}
	if p.recorder == nil {
		p.recorder = nopRecorder{}
	}
	if p.authorizer == nil {
		p.authorizer = AcceptAll{}
	}
	p.extraNonces = miner.NewExtraNonceAllocator(cfg.ExtraNonce1Size, 1024, p.miners.ExtraNonceInUse)
	p.vardiff = vardiff.New(cfg.Vardiff, p, logger)

	return p, nil
}

// Run fetches the first job and then checks for new work every refresh
// interval until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	if _, err := p.Update(ctx, "startup"); err != nil {
		p.logger.WithError(err).Warn("initial job update failed")
	}

	interval := p.cfg.RefreshInterval
	if interval <= 0 {
		interval = DefaultConfig().RefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("job refresh loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Update(ctx, "timer"); err != nil {
				p.logger.WithError(err).Warn("job update failed")
			}
		}
	}
}

// NotifyBlock forces an update check, typically because the node announced
// blockHash.
func (p *Pool) NotifyBlock(ctx context.Context, blockHash string) error {
	p.logger.Info("block notification received", "block_hash", blockHash)
	_, err := p.Update(ctx, "blocknotify")
	return err
}

// Update fetches a template and, if it carries new work, creates a clean job
// and broadcasts it to every authorized miner. It reports whether a job was
// created. On error the current job stays active. Concurrent updates fetch
// in parallel but compare and create one at a time, so one template change
// yields one job; a fetch that finishes after a newer one is discarded.
func (p *Pool) Update(ctx context.Context, reason string) (bool, error) {
	seq := p.fetchSeq.Add(1)
	tpl, err := p.node.GetBlockTemplate(ctx)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeRPC, "update_job", "failed to fetch block template").
			WithContext("reason", reason)
	}

	p.updateMu.Lock()
	defer p.updateMu.Unlock()

	if seq < p.appliedSeq {
		p.logger.Debug("discarding older template", "height", tpl.Height, "reason", reason)
		return false, nil
	}
	p.appliedSeq = seq

	if cur := p.jobs.Current(); cur != nil && cur.SameWork(tpl) {
		p.logger.Debug("template unchanged", "job_id", cur.ID, "height", tpl.Height, "reason", reason)
		return false, nil
	}

	j, err := p.jobs.Create(tpl, true)
	if err != nil {
		return false, err
	}

	sent, failed := p.broadcast(j)

	p.recorder.RecordJob(&messaging.JobEvent{
		JobID:     j.ID,
		Height:    j.Height,
		PrevHash:  j.PrevHash,
		Bits:      j.Bits,
		Target:    j.Target,
		CleanJobs: j.CleanJobs,
		Reason:    reason,
		Miners:    sent,
		Failed:    failed,
		CreatedAt: j.CreatedAt,
	})
	return true, nil
}

// CurrentJob returns the job miners are working on, or nil before the first update.
func (p *Pool) CurrentJob() *job.Job {
	return p.jobs.Current()
}

// Miners exposes the miner registry.
func (p *Pool) Miners() *miner.Registry {
	return p.miners
}

// Stats returns a snapshot of connection and job counts.
func (p *Pool) Stats() *messaging.PoolStats {
	stats := &messaging.PoolStats{
		Connections: p.miners.Count(),
		Authorized:  p.miners.AuthorizedCount(),
		RetainedJob: p.jobs.Len(),
		TakenAt:     p.now(),
	}
	if j := p.jobs.Current(); j != nil {
		stats.JobID = j.ID
		stats.Height = j.Height
	}
	return stats
}

// NotifyDifficulty sends difficulty to m in the configured form.
func (p *Pool) NotifyDifficulty(m *miner.Miner, difficulty float64) error {
	msg, err := p.difficultyMessage(difficulty)
	if err != nil {
		return err
	}
	return p.send(m.ID(), msg)
}

func (p *Pool) difficultyMessage(difficulty float64) (*stratum.Message, error) {
	if p.cfg.DifficultyMethod == DifficultyMethodDifficulty {
		return stratum.NewNotification(stratum.MethodSetDifficulty, difficulty), nil
	}
	t, err := p.codec.DifficultyToTarget(difficulty)
	if err != nil {
		return nil, err
	}
	return stratum.NewNotification(stratum.MethodSetTarget, t), nil
}

// send delivers msg. Sends to connections that have gone away are expected
// and only logged at debug.
func (p *Pool) send(connID string, msg *stratum.Message) error {
	err := p.transport.Send(connID, msg)
	if err == nil {
		return nil
	}
	if stderrors.Is(err, stratum.ErrSessionClosed) {
		p.logger.Debug("dropping message for closed connection", "conn_id", connID, "method", msg.Method)
		return err
	}
	return errors.Wrap(err, errors.ErrorTypeTransport, "send", fmt.Sprintf("failed to send %s", describe(msg))).
		WithContext("conn_id", connID)
}

func describe(msg *stratum.Message) string {
	if msg.Method != "" {
		return msg.Method
	}
	return "response"
}

type nopRecorder struct{}

func (nopRecorder) RecordShare(*messaging.ShareEvent) {}
func (nopRecorder) RecordBlock(*messaging.BlockEvent) {}
func (nopRecorder) RecordJob(*messaging.JobEvent)     {}
