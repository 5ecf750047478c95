package control

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/tatzyr/idb/pkg/errors"
	"github.com/tatzyr/idb/pkg/logging"
	"github.com/tatzyr/idb/pkg/targets"
)

const (
	// DefaultDialTimeout bounds how long Open waits for the transport to
	// come up.
	DefaultDialTimeout = 5 * time.Second

	// DefaultDescribeTimeout bounds a single describe call.
	DefaultDescribeTimeout = 15 * time.Second
)

// Channel is one open connection to a companion. Its lifetime is scoped to
// the operation that opened it: close it on every path, error paths
// included.
type Channel interface {
	Address() targets.Address
	Describe(ctx context.Context) (*targets.TargetDescription, error)
	Close() error
}

// DialerOptions tune how channels are opened.
type DialerOptions struct {
	DialTimeout     time.Duration
	DescribeTimeout time.Duration
}

// GRPCDialer opens companion channels over gRPC with the CBOR codec.
type GRPCDialer struct {
	options DialerOptions
	logger  logging.Logger
}

func NewGRPCDialer(options DialerOptions, logger logging.Logger) *GRPCDialer {
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultDialTimeout
	}
	if options.DescribeTimeout <= 0 {
		options.DescribeTimeout = DefaultDescribeTimeout
	}
	return &GRPCDialer{
		options: options,
		logger:  logger,
	}
}

// Open dials the companion at address. The dial blocks until the transport
// is ready, so refused connections and dead socket files surface here as
// ConnectError instead of on the first call.
func (d *GRPCDialer) Open(ctx context.Context, address targets.Address) (Channel, error) {
	target, err := grpcTarget(address)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.options.DialTimeout)
	defer cancel()

	// WithBlock + FailOnNonTempDialError turn the lazy dial into
	// connect-or-fail within DialTimeout.
	conn, err := grpc.DialContext(dialCtx, target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithBlock(),
		grpc.FailOnNonTempDialError(true),
	)
	if err != nil {
		return nil, errors.NewConnectError(address.String(), err)
	}

	d.logger.Debugf("Opened channel to companion at %s", address)

	return &grpcChannel{
		conn:            conn,
		address:         address,
		describeTimeout: d.options.DescribeTimeout,
		logger:          d.logger,
	}, nil
}

func grpcTarget(address targets.Address) (string, error) {
	switch addr := address.(type) {
	case targets.DomainSocketAddress:
		return "unix:" + addr.Path, nil
	case targets.TCPAddress:
		return addr.String(), nil
	default:
		return "", errors.NewValidationError(fmt.Sprintf("unsupported address kind %T", address), nil)
	}
}

type grpcChannel struct {
	conn            *grpc.ClientConn
	address         targets.Address
	describeTimeout time.Duration
	logger          logging.Logger
}

func (c *grpcChannel) Address() targets.Address {
	return c.address
}

// Describe asks the companion for the target it controls. Transport-level
// failures (companion gone, call timed out) map to ConnectError; a live
// companion that cannot report maps to DescribeError.
func (c *grpcChannel) Describe(ctx context.Context) (*targets.TargetDescription, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.describeTimeout)
	defer cancel()

	request := &DescribeRequest{}
	response := &DescribeResponse{}
	err := c.conn.Invoke(callCtx, describeMethod, request, response)
	if err != nil {
		c.logger.Debugf("Describe at %s failed: %v", c.address, err)
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded:
			return nil, errors.NewConnectError(c.address.String(), err)
		default:
			return nil, errors.NewDescribeError(c.address.String(), err)
		}
	}
	if response.Target == nil {
		return nil, errors.NewDescribeError(c.address.String(), fmt.Errorf("companion reported no target"))
	}
	return response.Target, nil
}

// Close tears the connection down. Safe to call more than once.
func (c *grpcChannel) Close() error {
	return c.conn.Close()
}
