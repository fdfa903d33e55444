package pool

import (
	"context"
	"time"

	"github.com/bardlex/vrscpool/internal/job"
	"github.com/bardlex/vrscpool/internal/messaging"
	"github.com/bardlex/vrscpool/internal/miner"
	"github.com/bardlex/vrscpool/internal/node"
	"github.com/bardlex/vrscpool/internal/stratum"
	"github.com/bardlex/vrscpool/internal/validation"
	"github.com/bardlex/vrscpool/pkg/log"
	"github.com/bardlex/vrscpool/pkg/retry"
)

// handleSubmit runs one share through job lookup, validation, duplicate
// detection and node verification. A submit for an unknown or evicted job is
// answered with 21 before any field is checked and leaves the miner's
// counters alone. Shares the node rejects, or that fail the local checks,
// are answered with 20 and counted invalid. When the node cannot be asked
// at all the share is answered with 25 and counted neither way, so a miner
// can tell a node outage apart from bad work.
func (p *Pool) handleSubmit(ctx context.Context, m *miner.Miner, msg *stratum.Message) error {
	if !m.IsAuthorized() {
		return p.reject(m, msg, stratum.ErrorUnauthorized, "Unauthorized worker")
	}

	start := p.now()
	logger := p.logger.WithMiner(m.ID(), m.Username())

	req, err := stratum.ParseSubmitRequest(msg.Params)
	if err != nil {
		logger.WithError(err).Debug("malformed submit")
		return p.reject(m, msg, stratum.ErrorInvalidShare, "Invalid share")
	}

	share := &validation.Share{
		JobID:       req.JobID,
		Time:        req.Time,
		Nonce:       req.Nonce,
		Solution:    req.Solution,
		ExtraNonce1: m.ExtraNonce1(),
	}

	j, found := p.jobs.Get(req.JobID)
	if !found {
		logger.LogShareSubmission(m.Username(), req.JobID, m.Difficulty(), messaging.ShareStale)
		return p.reject(m, msg, stratum.ErrorJobNotFound, "Job not found")
	}

	if err := p.validator.ValidateShare(share, j.CurTime); err != nil {
		m.RecordInvalid()
		logger.WithError(err).Debug("share failed validation", "job_id", j.ID)
		p.recordShare(m, j, j.ID, messaging.ShareInvalid, err.Error(), false, start)
		return p.reject(m, msg, stratum.ErrorInvalidShare, "Invalid share")
	}

	key := job.NewSubmissionKey(share.JobID, share.Nonce, share.Solution)
	switch p.jobs.RecordSubmission(share.JobID, key) {
	case job.JobNotFound:
		// evicted between the lookup and the insert
		logger.LogShareSubmission(m.Username(), req.JobID, m.Difficulty(), messaging.ShareStale)
		return p.reject(m, msg, stratum.ErrorJobNotFound, "Job not found")
	case job.Duplicate:
		logger.LogShareSubmission(m.Username(), req.JobID, m.Difficulty(), messaging.ShareDuplicate)
		p.recordShare(m, j, req.JobID, messaging.ShareDuplicate, "", false, start)
		return p.reject(m, msg, stratum.ErrorDuplicateShare, "Duplicate share")
	}

	header := buildHeader(j, share, p.validator.SolutionSizeField())

	res, err := p.node.SubmitBlock(ctx, header)
	if err != nil {
		logger.WithError(err).Warn("share verification failed", "job_id", j.ID)
		p.recordShare(m, j, j.ID, messaging.ShareError, err.Error(), false, start)
		return p.reject(m, msg, stratum.ErrorRejected, "Share verification failed")
	}

	if !res.Valid() {
		m.RecordInvalid()
		logger.LogShareSubmission(m.Username(), j.ID, m.Difficulty(), messaging.ShareInvalid)
		p.recordShare(m, j, j.ID, messaging.ShareInvalid, res.Reason, false, start)
		return p.reject(m, msg, stratum.ErrorInvalidShare, "Invalid share")
	}

	m.RecordValid()
	logger.LogShareSubmission(m.Username(), j.ID, m.Difficulty(), messaging.ShareValid)
	p.recordShare(m, j, j.ID, messaging.ShareValid, res.Reason, res.BlockCandidate, start)

	if err := p.send(m.ID(), stratum.NewResponse(msg.ID, true)); err != nil {
		logger.WithError(err).Debug("share response not delivered")
	}

	p.vardiff.MaybeRetarget(m)

	if res.BlockCandidate {
		p.forwardBlock(ctx, logger, m, j, header)
	}
	return nil
}

// forwardBlock submits the full block for a candidate share and refreshes
// the job. Failures are only logged; the share has already been answered.
func (p *Pool) forwardBlock(ctx context.Context, logger *log.Logger, m *miner.Miner, j *job.Job, header string) {
	logger = logger.WithJob(j.ID, j.Height)

	block, err := buildBlock(j, header)
	if err != nil {
		logger.WithError(err).Error("failed to assemble block")
		return
	}

	start := p.now()
	res, err := retry.DoWithResult(ctx, retry.BlockConfig(), func() (*node.SubmissionResult, error) {
		return p.node.SubmitBlock(ctx, block)
	})
	elapsed := p.now().Sub(start)

	ev := &messaging.BlockEvent{
		Height:      j.Height,
		JobID:       j.ID,
		ConnID:      m.ID(),
		Username:    m.Username(),
		FoundAt:     start,
		SubmitMs:    float64(elapsed.Microseconds()) / 1e3,
		BlockLength: len(block) / 2,
	}
	switch {
	case err != nil:
		ev.Reason = err.Error()
		logger.WithError(err).Error("failed to submit block")
	case !res.Valid():
		ev.Reason = res.Reason
		logger.Warn("block rejected by node", "reason", res.Reason)
	default:
		ev.Accepted = true
		ev.Reason = res.Reason
	}

	if _, err := p.Update(ctx, "block found"); err != nil {
		logger.WithError(err).Warn("job update after block failed")
	}
	// the node does not return the hash; the next template names it
	if cur := p.jobs.Current(); ev.Accepted && cur != nil && cur.Height == j.Height+1 {
		ev.Hash = cur.PrevHash
	}

	logger.LogBlockFound(ev.Hash, ev.Height, ev.Username, ev.Accepted)
	p.recorder.RecordBlock(ev)
}

func (p *Pool) reject(m *miner.Miner, msg *stratum.Message, code int, text string) error {
	return p.send(m.ID(), stratum.NewErrorResponse(msg.ID, false, code, text))
}

func (p *Pool) recordShare(m *miner.Miner, j *job.Job, jobID, status, reason string, candidate bool, start time.Time) {
	ev := &messaging.ShareEvent{
		ConnID:         m.ID(),
		Username:       m.Username(),
		JobID:          jobID,
		Difficulty:     m.Difficulty(),
		Status:         status,
		Reason:         reason,
		BlockCandidate: candidate,
		SubmittedAt:    start,
		LatencyMs:      float64(p.now().Sub(start).Microseconds()) / 1e3,
	}
	if j != nil {
		ev.Height = j.Height
	}
	p.recorder.RecordShare(ev)
}
