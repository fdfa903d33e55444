package pool

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/hako/durafmt"

	"github.com/bardlex/vrscpool/internal/miner"
	"github.com/bardlex/vrscpool/internal/stratum"
)

// HandleConnect registers a miner for a new connection.
func (p *Pool) HandleConnect(_ context.Context, connID string) {
	p.miners.Register(connID)
	p.logger.LogConnection("connected", connID)
}

// HandleDisconnect removes the connection's miner. Anything still in flight
// for it finds the miner disconnected and its sends dropped.
func (p *Pool) HandleDisconnect(connID string) {
	m, ok := p.miners.Remove(connID)
	if !ok {
		return
	}
	stats := m.Stats()
	p.logger.WithMiner(connID, stats.Username).Info("miner disconnected",
		"session", durafmt.Parse(p.now().Sub(m.ConnectedAt())).LimitFirstN(2).String(),
		"valid_shares", stats.TotalValid,
		"invalid_shares", stats.TotalInvalid,
		"difficulty", stats.Difficulty,
	)
}

// HandleMessage dispatches one message from connID. Messages of a connection
// arrive in order on its read goroutine, and every request gets exactly one
// response.
func (p *Pool) HandleMessage(ctx context.Context, connID string, msg *stratum.Message) error {
	if !msg.IsRequest() {
		p.logger.Debug("ignoring non-request message", "conn_id", connID, "method", msg.Method)
		return nil
	}

	m := p.miners.Register(connID)

	switch msg.Method {
	case stratum.MethodSubscribe:
		return p.handleSubscribe(m, msg)
	case stratum.MethodAuthorize:
		return p.handleAuthorize(ctx, m, msg)
	case stratum.MethodSubmit:
		return p.handleSubmit(ctx, m, msg)
	case stratum.MethodExtraNonceSubscribe:
		return p.send(connID, stratum.NewResponse(msg.ID, true))
	default:
		p.logger.Warn("unknown method", "conn_id", connID, "method", msg.Method)
		return p.send(connID, stratum.NewErrorResponse(msg.ID, nil, stratum.ErrorMethodNotFound, "Method not found"))
	}
}

// handleSubscribe assigns the extranonce1, keeping the client's suggestion
// when it is well formed and free.
func (p *Pool) handleSubscribe(m *miner.Miner, msg *stratum.Message) error {
	req, _ := stratum.ParseSubscribeRequest(msg.Params)
	logger := p.logger.WithMiner(m.ID(), "")

	extraNonce1, err := p.assignExtraNonce(m, req)
	if err != nil {
		logger.WithError(err).Error("failed to assign extranonce1")
		return p.send(m.ID(), stratum.NewErrorResponse(msg.ID, nil, stratum.ErrorRejected, "Subscribe failed"))
	}

	logger.Info("miner subscribed", "user_agent", req.UserAgent, "extranonce1", extraNonce1)

	return p.send(m.ID(), stratum.NewResponse(msg.ID, []any{
		extraNonce1,
		fmt.Sprintf("%x", p.cfg.ExtraNonce2Size),
	}))
}

func (p *Pool) assignExtraNonce(m *miner.Miner, req *stratum.SubscribeRequest) (string, error) {
	if req.ExtraNonce1 != "" && p.extraNonces.Valid(req.ExtraNonce1) {
		if _, err := p.miners.Subscribe(m.ID(), req.UserAgent, req.ExtraNonce1); err == nil {
			p.extraNonces.Remember(req.ExtraNonce1)
			return req.ExtraNonce1, nil
		} else if !stderrors.Is(err, miner.ErrExtraNonceInUse) {
			return "", err
		}
	}

	// A concurrent subscribe can take a fresh value between Next and Subscribe.
	var lastErr error
	for range 3 {
		extraNonce1, err := p.extraNonces.Next()
		if err != nil {
			return "", err
		}
		_, err = p.miners.Subscribe(m.ID(), req.UserAgent, extraNonce1)
		if err == nil {
			return extraNonce1, nil
		}
		if !stderrors.Is(err, miner.ErrExtraNonceInUse) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// handleAuthorize runs the authorizer and, on success, sends the response,
// the starting difficulty, the welcome banner and the current job in that
// order.
func (p *Pool) handleAuthorize(ctx context.Context, m *miner.Miner, msg *stratum.Message) error {
	req, err := stratum.ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return p.send(m.ID(), stratum.NewErrorResponse(msg.ID, false, stratum.ErrorInvalidParams, "Invalid parameters"))
	}
	logger := p.logger.WithMiner(m.ID(), req.Username)

	if m.State() != miner.StateSubscribed && m.State() != miner.StateAuthorized {
		logger.Warn("authorize before subscribe")
		return p.send(m.ID(), stratum.NewErrorResponse(msg.ID, false, stratum.ErrorUnauthorized, "Not subscribed"))
	}

	ok, err := p.authorizer.Authorize(ctx, req.Username, req.Password)
	if err != nil {
		logger.WithError(err).Error("authorizer failed")
		ok = false
	}
	if !ok {
		logger.Info("worker rejected")
		return p.send(m.ID(), stratum.NewErrorResponse(msg.ID, false, stratum.ErrorUnauthorized, "Unauthorized worker"))
	}

	if _, err := p.miners.Authorize(m.ID(), req.Username); err != nil {
		// the connection went away or was never subscribed
		logger.WithError(err).Debug("authorize failed")
		return p.send(m.ID(), stratum.NewErrorResponse(msg.ID, false, stratum.ErrorUnauthorized, "Not subscribed"))
	}

	logger.Info("miner authorized", "difficulty", m.Difficulty())

	if err := p.send(m.ID(), stratum.NewResponse(msg.ID, true)); err != nil {
		return err
	}
	if err := p.NotifyDifficulty(m, m.Difficulty()); err != nil {
		logger.WithError(err).Warn("failed to send initial difficulty")
	}
	if p.cfg.WelcomeMessage != "" {
		if err := p.send(m.ID(), stratum.NewNotification(stratum.MethodShowMessage, p.cfg.WelcomeMessage)); err != nil {
			logger.WithError(err).Debug("failed to send welcome message")
		}
	}

	if err := p.sendCurrentJob(ctx, m); err != nil {
		logger.WithError(err).Warn("no job sent after authorize")
	}
	return nil
}
