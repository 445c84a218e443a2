package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/umbra-broker/pkg/types"
)

// DefaultTimeout bounds every remote call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Client calls the umbra services of remote environments over gRPC.
// Connections are cached per address and safe for concurrent use.
type Client struct {
	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	timeout  time.Duration
	dialOpts []grpc.DialOption
}

// NewClient creates a Client. A non-positive timeout selects DefaultTimeout.
func NewClient(timeout time.Duration, opts ...grpc.DialOption) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	return &Client{
		conns:    make(map[string]*grpc.ClientConn),
		timeout:  timeout,
		dialOpts: dialOpts,
	}
}

// conn returns the cached connection for addr, creating it on first use.
func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

func (c *Client) invoke(ctx context.Context, addr, method string, req, resp any) error {
	if addr == "" {
		return fmt.Errorf("no address for %s", method)
	}
	conn, err := c.conn(addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := conn.Invoke(ctx, method, req, resp); err != nil {
		return fmt.Errorf("%s %s: %w", method, addr, err)
	}
	return nil
}

// Establish sends a deployment workflow to a scenario service.
func (c *Client) Establish(ctx context.Context, addr string, req *Workflow) (*Status, error) {
	resp := new(Status)
	if err := c.invoke(ctx, addr, MethodEstablish, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Measure sends a directrix to a monitor service.
func (c *Client) Measure(ctx context.Context, addr string, req *Directrix) (*Status, error) {
	resp := new(Status)
	if err := c.invoke(ctx, addr, MethodMeasure, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Submit sends an instruction to a ledger agent.
func (c *Client) Submit(ctx context.Context, addr string, req *Instruction) (*Status, error) {
	resp := new(Status)
	if err := c.invoke(ctx, addr, MethodSubmit, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Execute submits an execution request to a broker.
func (c *Client) Execute(ctx context.Context, addr string, req *Config) (*Report, error) {
	resp := new(Report)
	if err := c.invoke(ctx, addr, MethodExecute, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, addr)
	}
	return firstErr
}

// Outcome reduces a remote call to an acknowledgement and its info: the
// decoded payload on success, or a human-readable error text.
func Outcome(status *Status, err error) (bool, any) {
	if err != nil {
		return false, err.Error()
	}
	if status == nil {
		return false, "empty response"
	}
	if status.Error != "" {
		return false, status.Error
	}
	info, err := types.DecodePayload(status.Info)
	if err != nil {
		return false, err.Error()
	}
	return true, info
}
