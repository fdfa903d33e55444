// Package vardiff retargets per-miner share difficulty so each connection
// submits shares at roughly a fixed rate.
package vardiff

import (
	"time"

	"github.com/bardlex/vrscpool/internal/miner"
	"github.com/bardlex/vrscpool/pkg/log"
)

const (
	decreaseFactor = 0.8
	increaseFactor = 1.2
	// rates within this many shares per minute of the target leave difficulty alone
	tolerance = 1.0
)

// Config controls the retarget loop.
type Config struct {
	RetargetTime       time.Duration
	TimeBuffer         time.Duration
	TargetSharesPerMin float64
	MinDifficulty      float64
	MaxDifficulty      float64
}

// DefaultConfig returns the retarget settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		RetargetTime:       60 * time.Second,
		TimeBuffer:         2 * time.Second,
		TargetSharesPerMin: 20,
		MinDifficulty:      1,
		MaxDifficulty:      1000000,
	}
}

// Notifier delivers a new difficulty to a miner.
type Notifier interface {
	NotifyDifficulty(m *miner.Miner, difficulty float64) error
}

// Result reports what one MaybeRetarget call did.
type Result struct {
	Evaluated       bool
	Changed         bool
	SharesPerMinute float64
	Previous        float64
	Difficulty      float64
}

// Controller evaluates miners after each valid share.
type Controller struct {
	cfg      Config
	notifier Notifier
	logger   *log.Logger
	now      func() time.Time
}

// New creates a controller. notifier may be nil when no updates should be sent.
func New(cfg Config, notifier Notifier, logger *log.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		notifier: notifier,
		logger:   logger.WithComponent("vardiff"),
		now:      time.Now,
	}
}

// MaybeRetarget evaluates m if its window has run long enough. The rate is
// computed and the window reset while holding the miner, so a share counted
// concurrently lands either in this window or the next one. The notification
// is sent after the miner is released.
func (c *Controller) MaybeRetarget(m *miner.Miner) Result {
	now := c.now()
	threshold := c.cfg.RetargetTime - c.cfg.TimeBuffer

	var res Result
	_, after := m.Adjust(func(w *miner.Window) {
		res.Previous = w.Difficulty
		res.Difficulty = w.Difficulty

		elapsed := now.Sub(w.LastRetarget)
		if elapsed < threshold || elapsed <= 0 {
			return
		}

		res.Evaluated = true
		res.SharesPerMinute = float64(w.ValidShares) * 60 / elapsed.Seconds()

		switch {
		case res.SharesPerMinute < c.cfg.TargetSharesPerMin-tolerance:
			res.Difficulty = max(w.Difficulty*decreaseFactor, c.cfg.MinDifficulty)
		case res.SharesPerMinute > c.cfg.TargetSharesPerMin+tolerance:
			res.Difficulty = min(w.Difficulty*increaseFactor, c.cfg.MaxDifficulty)
		}

		w.Difficulty = res.Difficulty
		w.ValidShares = 0
		w.LastRetarget = now
	})

	if !res.Evaluated {
		return res
	}

	// the miner clamps as well; report what it actually holds
	res.Difficulty = after.Difficulty
	res.Changed = res.Difficulty != res.Previous
	if !res.Changed {
		return res
	}

	c.logger.LogDifficultyChange(m.ID(), res.Previous, res.Difficulty, res.SharesPerMinute)

	if c.notifier != nil {
		if err := c.notifier.NotifyDifficulty(m, res.Difficulty); err != nil {
			c.logger.WithMiner(m.ID(), m.Username()).WithError(err).Debug("difficulty update not delivered")
		}
	}
	return res
}
