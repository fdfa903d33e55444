package node

import (
	"context"
	"encoding/hex"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/vrscpool/pkg/errors"
	"github.com/bardlex/vrscpool/pkg/log"
)

// TopicHashBlock is the daemon's new-tip notification topic.
const TopicHashBlock = "hashblock"

// recvTimeout bounds how long Listen blocks before rechecking its context.
const recvTimeout = time.Second

// TipSubscriber receives new-tip announcements from the daemon's
// -zmqpubhashblock endpoint.
type TipSubscriber struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewTipSubscriber opens a SUB socket on endpoint subscribed to hashblock.
func NewTipSubscriber(endpoint string, logger *log.Logger) (*TipSubscriber, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_socket", "failed to create SUB socket")
	}

	setup := []struct {
		step string
		fn   func() error
	}{
		{"set_rcvtimeo", func() error { return socket.SetRcvtimeo(recvTimeout) }},
		{"subscribe", func() error { return socket.SetSubscribe(TopicHashBlock) }},
		{"connect", func() error { return socket.Connect(endpoint) }},
	}
	for _, s := range setup {
		if err := s.fn(); err != nil {
			_ = socket.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_"+s.step, "failed to set up tip subscription").
				WithContext("endpoint", endpoint)
		}
	}

	logger = logger.WithComponent("zmq")
	logger.Info("subscribed to new tips", "endpoint", endpoint, "topic", TopicHashBlock)

	return &TipSubscriber{socket: socket, endpoint: endpoint, logger: logger}, nil
}

// Listen calls onTip with every announced block hash until ctx is cancelled.
// The socket is not safe for concurrent use, so Close must only be called
// after Listen has returned.
func (z *TipSubscriber) Listen(ctx context.Context, onTip func(blockHash string) error) error {
	for ctx.Err() == nil {
		parts, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) != zmq.Errno(syscall.EAGAIN) {
				z.logger.WithError(err).Error("zmq receive failed")
			}
			continue
		}

		blockHash, ok, err := ParseTip(parts)
		if err != nil {
			z.logger.WithError(err).Warn("dropping zmq message")
			continue
		}
		if !ok {
			continue
		}

		z.logger.Info("new tip announced", "hash", blockHash)
		if err := onTip(blockHash); err != nil {
			z.logger.WithError(err).Warn("new tip not handled", "hash", blockHash)
		}
	}
	return ctx.Err()
}

// Close releases the socket.
func (z *TipSubscriber) Close() error {
	if z == nil || z.socket == nil {
		return nil
	}
	return z.socket.Close()
}

// ParseTip extracts the block hash from a multipart zmq message. ok is false
// for topics other than hashblock. The daemon publishes the hash in display
// order, so it is hex encoded as is.
func ParseTip(parts [][]byte) (blockHash string, ok bool, err error) {
	if len(parts) < 2 {
		return "", false, errors.New(errors.ErrorTypeProtocol, "parse_tip", "message has too few parts").
			WithContext("parts", len(parts))
	}
	if string(parts[0]) != TopicHashBlock {
		return "", false, nil
	}
	if len(parts[1]) != 32 {
		return "", false, errors.New(errors.ErrorTypeProtocol, "parse_tip", "block hash is not 32 bytes").
			WithContext("length", len(parts[1]))
	}
	return hex.EncodeToString(parts[1]), true, nil
}
