package pool

import (
	"context"
	"sync/atomic"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/vrscpool/internal/job"
	"github.com/bardlex/vrscpool/internal/miner"
	"github.com/bardlex/vrscpool/internal/stratum"
)

// broadcast sends j to every miner authorized right now. The caller holds
// updateMu for writing. Failures are logged per miner and never stop the
// fan-out.
func (p *Pool) broadcast(j *job.Job) (sent, failed int) {
	miners := p.miners.Authorized()
	msg := stratum.NewNotification(stratum.MethodNotify, j.NotifyParams()...)

	var failures atomic.Int32
	swg := sizedwaitgroup.New(p.cfg.NotifyConcurrency)
	for _, m := range miners {
		swg.Add()
		go func(m *miner.Miner) {
			defer swg.Done()
			if err := p.send(m.ID(), msg); err != nil {
				failures.Add(1)
				p.logger.WithMiner(m.ID(), m.Username()).WithError(err).Debug("job not delivered", "job_id", j.ID)
			}
		}(m)
	}
	swg.Wait()

	failed = int(failures.Load())
	p.logger.LogJobBroadcast(j.ID, j.Height, j.CleanJobs, len(miners), failed)
	return len(miners), failed
}

// sendCurrentJob sends the current job to one authorized miner, running an
// update first when the pool has no job yet.
func (p *Pool) sendCurrentJob(ctx context.Context, m *miner.Miner) error {
	if p.jobs.Current() == nil {
		created, err := p.Update(ctx, "first miner")
		if err != nil {
			return err
		}
		if created {
			// m was authorized, so the broadcast already reached it
			return nil
		}
	}

	p.updateMu.RLock()
	defer p.updateMu.RUnlock()

	j := p.jobs.Current()
	if j == nil {
		return ErrNoJob
	}
	return p.send(m.ID(), stratum.NewNotification(stratum.MethodNotify, j.NotifyParams()...))
}
