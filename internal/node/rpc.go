package node

import (
	"context"
	stdjson "encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	json "github.com/goccy/go-json"

	"github.com/bardlex/vrscpool/pkg/circuit"
	"github.com/bardlex/vrscpool/pkg/errors"
	"github.com/bardlex/vrscpool/pkg/log"
	"github.com/bardlex/vrscpool/pkg/retry"
)

// RPCConfig describes how to reach the daemon.
type RPCConfig struct {
	Host     string
	Port     int
	User     string
	Password string

	// TemplateAttempts bounds getblocktemplate retries.
	TemplateAttempts int
	// RequestTimeout bounds a single call; zero leaves it to the caller's context.
	RequestTimeout time.Duration
}

// RPCClient speaks the daemon's bitcoind-style JSON-RPC over HTTP POST.
// Template fetches are retried with backoff; submissions are attempted once
// because a share is only worth anything while its job is current.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	templateRetry  *retry.Config
	timeout        time.Duration
	logger         *log.Logger
}

// NewRPCClient creates a client. No connection is made until the first call.
func NewRPCClient(cfg RPCConfig, logger *log.Logger) (*RPCClient, error) {
	logger = logger.WithComponent("node_rpc")

	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeRPC, "rpc_client_creation",
			"failed to create node RPC client").
			WithContext("host", cfg.Host).
			WithContext("port", cfg.Port)
	}

	cbConfig := circuit.NodeConfig("node_rpc")
	cbConfig.OnStateChange = func(name string, from, to circuit.State) {
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}

	templateRetry := retry.TemplateConfig(cfg.TemplateAttempts)
	templateRetry.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.WithError(err).Warn("getblocktemplate failed, retrying", "attempt", attempt, "delay", delay)
	}

	return &RPCClient{
		client:         client,
		circuitBreaker: circuit.New(cbConfig),
		templateRetry:  templateRetry,
		timeout:        cfg.RequestTimeout,
		logger:         logger,
	}, nil
}

// Close gracefully shuts down the RPC client and releases any resources.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBlockTemplate fetches and decodes a block template.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*BlockTemplate, error) {
		return retry.DoWithResult(ctx, c.templateRetry, func() (*BlockTemplate, error) {
			raw, err := c.call(ctx, "getblocktemplate")
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeRPC, "get_block_template",
					"failed to retrieve block template").
					WithRetryable(retryableRPC(err))
			}

			var template BlockTemplate
			if err := json.Unmarshal(raw, &template); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeRPC, "get_block_template",
					"malformed block template").
					WithRetryable(false)
			}
			return &template, nil
		})
	})
}

// SubmitBlock hands blockHex to submitblock and interprets the verdict. It is
// used both for share headers and for complete blocks.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) (*SubmissionResult, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*SubmissionResult, error) {
		raw, err := c.call(ctx, "submitblock", blockHex)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeRPC, "submit_block",
				"failed to submit to node").
				WithContext("hex_length", len(blockHex)).
				WithRetryable(retryableRPC(err))
		}

		result, err := ParseSubmitResult(json.RawMessage(raw))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeRPC, "submit_block", "malformed submitblock result")
		}
		return result, nil
	})
}

// GetBlockCount returns the daemon's current height.
func (c *RPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (int64, error) {
		raw, err := c.call(ctx, "getblockcount")
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeRPC, "get_block_count",
				"failed to retrieve current block height")
		}
		var height int64
		if err := json.Unmarshal(raw, &height); err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeRPC, "get_block_count", "malformed block height")
		}
		return height, nil
	})
}

// BreakerState reports the circuit breaker state for health output.
func (c *RPCClient) BreakerState() circuit.State {
	return c.circuitBreaker.GetState()
}

// call issues one raw request and waits for it or for ctx.
func (c *RPCClient) call(ctx context.Context, method string, params ...any) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	rawParams := make([]stdjson.RawMessage, 0, len(params))
	for _, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		rawParams = append(rawParams, b)
	}

	type reply struct {
		raw []byte
		err error
	}
	future := c.client.RawRequestAsync(method, rawParams)
	done := make(chan reply, 1)
	go func() {
		raw, err := future.Receive()
		done <- reply{raw: raw, err: err}
	}()

	select {
	case r := <-done:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// retryableRPC separates transport failures from answers the daemon gave.
// An RPC error object means the node is up and will answer the same way
// again; anything else (refused, reset, 5xx, timeout) may clear up.
func retryableRPC(err error) bool {
	var rpcErr *btcjson.RPCError
	if stderrors.As(err, &rpcErr) {
		// -10: still downloading blocks, -9: not connected to peers
		return rpcErr.Code == btcjson.ErrRPCClientInInitialDownload || rpcErr.Code == btcjson.ErrRPCClientNotConnected
	}
	return !stderrors.Is(err, context.Canceled)
}
