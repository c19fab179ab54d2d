// Package rpcclient talks to the plugin's JSON-RPC control server. Every
// request opens its own TCP connection, writes one newline-terminated
// document and reads until a complete JSON response has arrived. The
// connection is closed after every exchange.
package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/hotswap/internal/core/protocol"
	"github.com/artpar/hotswap/internal/poll"
)

// Observer receives the outcome of every call. Used for metrics.
type Observer interface {
	ObserveRPC(method string, elapsed time.Duration, err error)
}

// Config configures the client.
type Config struct {
	// Address is host:port of the control server.
	Address string

	// Timeouts resolves per-method timeouts.
	// Default: protocol.DefaultTimeoutTable().
	Timeouts *protocol.TimeoutTable

	// ReadChunk is the size of each socket read. Default: 4096.
	ReadChunk int
}

// Client is the RPC client.
type Client struct {
	config   Config
	observer Observer
	newID    func() string
	logger   *slog.Logger
}

// New creates a client.
func New(config Config, observer Observer, logger *slog.Logger) *Client {
	if config.Timeouts == nil {
		config.Timeouts = protocol.DefaultTimeoutTable()
	}
	if config.ReadChunk == 0 {
		config.ReadChunk = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config:   config,
		observer: observer,
		newID:    uuid.NewString,
		logger:   logger.With("component", "rpc_client", "address", config.Address),
	}
}

// LoadTimeoutTable layers the schema file at path over the built-in table.
// A missing file is not an error; the built-in table is returned.
func LoadTimeoutTable(path string, logger *slog.Logger) (*protocol.TimeoutTable, error) {
	table := protocol.DefaultTimeoutTable()
	if path == "" {
		return table, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("timeout schema not found, using built-in table", "path", path)
		return table, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read timeout schema: %w", err)
	}

	entries, err := protocol.ParseSchema(data)
	if err != nil {
		return nil, err
	}
	logger.Debug("loaded timeout schema", "path", path, "entries", len(entries))
	return table.WithSchema(entries), nil
}

// =============================================================================
// Calls
// =============================================================================

// Call sends req and waits for its response, bounded by the request's
// timeout and by ctx. Errors wrap one of protocol.ErrConnectionRefused,
// ErrTimeout, ErrProtocol or ErrRemote.
func (c *Client) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	key := req.TimeoutKey()
	timeout, source := c.config.Timeouts.Lookup(key)
	deadline := poll.Start(timeout)

	logger := c.logger.With("method", req.Method, "key", key, "timeout", timeout, "timeout_source", source)
	logger.Debug("rpc call")

	resp, err := c.exchange(ctx, req, deadline)
	if err != nil {
		logger.Debug("rpc call failed", "error", err, "elapsed", deadline.Elapsed())
	}
	if c.observer != nil {
		c.observer.ObserveRPC(key, deadline.Elapsed(), err)
	}
	return resp, err
}

func (c *Client) exchange(ctx context.Context, req *protocol.Request, deadline poll.Deadline) (*protocol.Response, error) {
	method := req.TimeoutKey()

	data, err := req.Encode()
	if err != nil {
		return nil, protocol.NewRPCError(method, protocol.ErrProtocol, "encode request", err)
	}

	callCtx, cancel := deadline.Context(ctx)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(callCtx, "tcp", c.config.Address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isTimeout(err) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, protocol.NewRPCError(method, protocol.ErrTimeout, "connect timed out", err)
		}
		return nil, protocol.NewRPCError(method, protocol.ErrConnectionRefused, "server not listening", err)
	}
	defer conn.Close()

	if d, ok := callCtx.Deadline(); ok {
		_ = conn.SetDeadline(d)
	}

	// Unblock reads as soon as ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-callCtx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	if _, err := conn.Write(data); err != nil {
		return nil, c.classifyIOError(ctx, method, "write request", err)
	}

	var acc []byte
	buf := make([]byte, c.config.ReadChunk)
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if resp, perr := protocol.ParseResponse(acc); perr == nil {
				return c.check(method, req.ID, resp)
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			if len(acc) == 0 {
				return nil, protocol.NewRPCError(method, protocol.ErrProtocol, "connection closed without a response", nil)
			}
			return nil, protocol.NewRPCError(method, protocol.ErrProtocol,
				fmt.Sprintf("incomplete response (%d bytes)", len(acc)), nil)
		}
		return nil, c.classifyIOError(ctx, method, "read response", readErr)
	}
}

func (c *Client) check(method, id string, resp *protocol.Response) (*protocol.Response, error) {
	if !resp.MatchesID(id) {
		return nil, protocol.NewRPCError(method, protocol.ErrProtocol,
			fmt.Sprintf("response id %s does not match request %s", string(resp.ID), id), nil)
	}
	if resp.Error != nil {
		return resp, protocol.NewRPCError(method, protocol.ErrRemote,
			fmt.Sprintf("code %d: %s", resp.Error.Code, resp.Error.Message), nil)
	}
	return resp, nil
}

func (c *Client) classifyIOError(ctx context.Context, method, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if isTimeout(err) {
		return protocol.NewRPCError(method, protocol.ErrTimeout, op+" timed out", err)
	}
	return protocol.NewRPCError(method, protocol.ErrProtocol, op, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Invoke builds and sends a plain method call.
func (c *Client) Invoke(ctx context.Context, method string, params any) (*protocol.Response, error) {
	req, err := protocol.NewRequest(c.newID(), method, params)
	if err != nil {
		return nil, protocol.NewRPCError(method, protocol.ErrProtocol, "build request", err)
	}
	return c.Call(ctx, req)
}

// CallTool sends tools/call selecting tool.
func (c *Client) CallTool(ctx context.Context, tool string, args any) (*protocol.Response, error) {
	req, err := protocol.NewToolCall(c.newID(), tool, args)
	if err != nil {
		return nil, protocol.NewRPCError(tool, protocol.ErrProtocol, "build request", err)
	}
	return c.Call(ctx, req)
}

// =============================================================================
// Operations
// =============================================================================

// Reachable reports whether the server accepts connections.
func (c *Client) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, protocol.ClassFast.Duration())
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Initialize performs the initialize handshake and returns the server's
// identity.
func (c *Client) Initialize(ctx context.Context) (protocol.InitializeResult, error) {
	var result protocol.InitializeResult

	resp, err := c.Invoke(ctx, protocol.MethodInitialize, map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "hotswap", "version": "1.0"},
	})
	if err != nil {
		return result, err
	}
	if err := resp.UnmarshalResult(&result); err != nil {
		return result, protocol.NewRPCError(protocol.MethodInitialize, protocol.ErrProtocol, "decode initialize result", err)
	}
	if result.ServerInfo.Version == "" {
		return result, protocol.NewRPCError(protocol.MethodInitialize, protocol.ErrProtocol, "serverInfo.version missing", nil)
	}
	return result, nil
}

// Quit asks the target application to exit. The server may close the
// connection without answering while it shuts down; that counts as sent.
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.CallTool(ctx, protocol.ToolQuit, nil)
	if err == nil || errors.Is(err, protocol.ErrProtocol) || errors.Is(err, protocol.ErrTimeout) {
		return nil
	}
	return err
}

// BuildStatus queries getBuildStatus once.
func (c *Client) BuildStatus(ctx context.Context) (protocol.BuildStatus, error) {
	resp, err := c.CallTool(ctx, protocol.ToolGetBuildStatus, nil)
	if err != nil {
		return protocol.BuildStatus{State: protocol.BuildStateUnknown}, err
	}
	text, err := resp.ResultText()
	if err != nil {
		return protocol.BuildStatus{State: protocol.BuildStateUnknown}, protocol.NewRPCError(protocol.ToolGetBuildStatus, protocol.ErrProtocol, "decode status", err)
	}
	return protocol.ParseBuildStatus(text), nil
}

// PollBuild queries the build status every interval until it reports
// completion or budget elapses. Transient RPC failures are logged and
// polling continues; past the budget it returns poll.ErrBudgetExceeded
// with the last status seen.
func (c *Client) PollBuild(ctx context.Context, interval, budget time.Duration) (protocol.BuildStatus, error) {
	last := protocol.BuildStatus{State: protocol.BuildStateUnknown}

	err := poll.Every(ctx, interval, budget, func(ctx context.Context) (bool, error) {
		status, err := c.BuildStatus(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			switch {
			case errors.Is(err, protocol.ErrTimeout):
				c.logger.Info("build status timed out, build still working")
			case errors.Is(err, protocol.ErrConnectionRefused):
				c.logger.Info("build status: server not ready")
			default:
				c.logger.Warn("build status query failed", "error", err)
			}
			return false, nil
		}

		last = status
		c.logger.Info("build status", "state", status.State, "progress", status.Progress)
		return status.Complete(), nil
	})
	if err != nil {
		return last, fmt.Errorf("poll build status: %w", err)
	}
	return last, nil
}
