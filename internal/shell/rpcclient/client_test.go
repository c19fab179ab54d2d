package rpcclient

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/hotswap/internal/core/protocol"
	"github.com/artpar/hotswap/internal/poll"
)

// =============================================================================
// Fake Server
// =============================================================================

// handlerFunc answers one request on conn. It owns the connection until it
// returns; the server closes it afterwards.
type handlerFunc func(t *testing.T, conn net.Conn, req protocol.Request)

type fakeServer struct {
	t        *testing.T
	ln       net.Listener
	handler  handlerFunc
	mu       sync.Mutex
	requests []protocol.Request
}

func newFakeServer(t *testing.T, handler handlerFunc) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{t: t, ln: ln, handler: handler}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			line, err := bufio.NewReader(conn).ReadBytes('\n')
			if err != nil {
				return
			}
			var req protocol.Request
			if err := json.Unmarshal(line, &req); err != nil {
				return
			}
			s.mu.Lock()
			s.requests = append(s.requests, req)
			s.mu.Unlock()
			s.handler(s.t, conn, req)
		}()
	}
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) received() []protocol.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Request(nil), s.requests...)
}

func reply(conn net.Conn, id string, result any) {
	data, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	conn.Write(append(data, '\n'))
}

func toolText(text string) map[string]any {
	return map[string]any{"content": []map[string]string{{"type": "text", "text": text}}}
}

func initializeHandler(version string) handlerFunc {
	return func(_ *testing.T, conn net.Conn, req protocol.Request) {
		reply(conn, req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": "Qt MCP Plugin", "version": version},
		})
	}
}

type callRecord struct {
	method string
	err    error
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []callRecord
}

func (o *recordingObserver) ObserveRPC(method string, _ time.Duration, err error) {
	o.mu.Lock()
	o.calls = append(o.calls, callRecord{method, err})
	o.mu.Unlock()
}

func fastTable(entries map[string]time.Duration) *protocol.TimeoutTable {
	return protocol.DefaultTimeoutTable().WithSchema(entries)
}

// =============================================================================
// Call Tests
// =============================================================================

func TestInitialize(t *testing.T) {
	srv := newFakeServer(t, initializeHandler("1.31.4"))
	obs := &recordingObserver{}
	c := New(Config{Address: srv.addr()}, obs, nil)

	result, err := c.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Qt MCP Plugin", result.ServerInfo.Name)
	assert.Equal(t, "1.31.4", result.ServerInfo.Version)

	reqs := srv.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, protocol.MethodInitialize, reqs[0].Method)
	assert.NotEmpty(t, reqs[0].ID)

	require.Len(t, obs.calls, 1)
	assert.Equal(t, protocol.MethodInitialize, obs.calls[0].method)
	assert.NoError(t, obs.calls[0].err)
}

func TestCall_ResponseSplitAcrossChunks(t *testing.T) {
	srv := newFakeServer(t, func(_ *testing.T, conn net.Conn, req protocol.Request) {
		data, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"result": map[string]any{"serverInfo": map[string]string{"name": "p", "version": "2.0.1"}},
		})
		half := len(data) / 2
		conn.Write(data[:half])
		time.Sleep(50 * time.Millisecond)
		conn.Write(data[half:])
		// No trailing newline; the client must stop reading once the JSON parses.
		time.Sleep(time.Second)
	})
	c := New(Config{Address: srv.addr(), ReadChunk: 16}, nil, nil)

	start := time.Now()
	result, err := c.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.0.1", result.ServerInfo.Version)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestCall_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := New(Config{Address: addr}, nil, nil)
	_, err = c.Initialize(context.Background())
	assert.ErrorIs(t, err, protocol.ErrConnectionRefused)
	assert.False(t, c.Reachable(context.Background()))
}

func TestCall_Timeout(t *testing.T) {
	srv := newFakeServer(t, func(_ *testing.T, conn net.Conn, _ protocol.Request) {
		time.Sleep(2 * time.Second)
	})
	c := New(Config{
		Address:  srv.addr(),
		Timeouts: fastTable(map[string]time.Duration{protocol.MethodInitialize: 200 * time.Millisecond}),
	}, nil, nil)

	start := time.Now()
	_, err := c.Initialize(context.Background())
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
	assert.True(t, c.Reachable(context.Background()))
}

func TestCall_PartialResponse(t *testing.T) {
	srv := newFakeServer(t, func(_ *testing.T, conn net.Conn, _ protocol.Request) {
		conn.Write([]byte(`{"jsonrpc":"2.0","id":"x","result":{"serverInfo":`))
	})
	c := New(Config{Address: srv.addr()}, nil, nil)

	_, err := c.Initialize(context.Background())
	assert.ErrorIs(t, err, protocol.ErrProtocol)
	assert.NotErrorIs(t, err, protocol.ErrTimeout)
}

func TestCall_ClosedWithoutResponse(t *testing.T) {
	srv := newFakeServer(t, func(*testing.T, net.Conn, protocol.Request) {})
	c := New(Config{Address: srv.addr()}, nil, nil)

	_, err := c.Initialize(context.Background())
	assert.ErrorIs(t, err, protocol.ErrProtocol)
}

func TestCall_IDMismatch(t *testing.T) {
	srv := newFakeServer(t, func(_ *testing.T, conn net.Conn, _ protocol.Request) {
		reply(conn, "someone-else", map[string]any{"serverInfo": map[string]string{"version": "1.0.0"}})
	})
	c := New(Config{Address: srv.addr()}, nil, nil)

	_, err := c.Initialize(context.Background())
	assert.ErrorIs(t, err, protocol.ErrProtocol)
}

func TestCall_RemoteError(t *testing.T) {
	srv := newFakeServer(t, func(_ *testing.T, conn net.Conn, req protocol.Request) {
		data, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32601, "message": "Method not found"},
		})
		conn.Write(append(data, '\n'))
	})
	c := New(Config{Address: srv.addr()}, nil, nil)

	_, err := c.Invoke(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, protocol.ErrRemote)
	assert.Contains(t, err.Error(), "Method not found")
}

func TestCall_ContextCancelled(t *testing.T) {
	srv := newFakeServer(t, func(_ *testing.T, conn net.Conn, _ protocol.Request) {
		time.Sleep(2 * time.Second)
	})
	c := New(Config{Address: srv.addr()}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.CallTool(ctx, "build", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// =============================================================================
// Operation Tests
// =============================================================================

func TestQuit_ServerClosesWithoutReply(t *testing.T) {
	srv := newFakeServer(t, func(*testing.T, net.Conn, protocol.Request) {})
	c := New(Config{Address: srv.addr()}, nil, nil)

	require.NoError(t, c.Quit(context.Background()))

	reqs := srv.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, protocol.MethodToolsCall, reqs[0].Method)
	assert.JSONEq(t, `{"name":"quit","arguments":{}}`, string(reqs[0].Params))
}

func TestQuit_NotListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := New(Config{Address: addr}, nil, nil)
	assert.ErrorIs(t, c.Quit(context.Background()), protocol.ErrConnectionRefused)
}

func TestBuildStatus(t *testing.T) {
	tests := []struct {
		text     string
		complete bool
	}{
		{"Status: Not building", true},
		{"Building: 57%", false},
		{"Building: 100%", true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			srv := newFakeServer(t, func(_ *testing.T, conn net.Conn, req protocol.Request) {
				reply(conn, req.ID, toolText(tt.text))
			})
			c := New(Config{Address: srv.addr()}, nil, nil)

			status, err := c.BuildStatus(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.complete, status.Complete())
		})
	}
}

func TestPollBuild_UntilComplete(t *testing.T) {
	var mu sync.Mutex
	sequence := []string{"Building: 12%", "Building: 57%", "Building: 100%"}
	calls := 0

	srv := newFakeServer(t, func(_ *testing.T, conn net.Conn, req protocol.Request) {
		mu.Lock()
		text := sequence[min(calls, len(sequence)-1)]
		calls++
		mu.Unlock()
		reply(conn, req.ID, text)
	})
	c := New(Config{Address: srv.addr()}, nil, nil)

	status, err := c.PollBuild(context.Background(), 10*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 100, status.Progress)
	assert.True(t, status.Complete())
	assert.Len(t, srv.received(), 3)
}

func TestPollBuild_ToleratesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	srv := newFakeServer(t, func(_ *testing.T, conn net.Conn, req protocol.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			conn.Write([]byte(`{"broken`))
			return
		}
		reply(conn, req.ID, toolText("Status: Not building"))
	})
	c := New(Config{Address: srv.addr()}, nil, nil)

	status, err := c.PollBuild(context.Background(), 10*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.BuildStateIdle, status.State)
}

func TestPollBuild_GivesUpPastBudget(t *testing.T) {
	srv := newFakeServer(t, func(_ *testing.T, conn net.Conn, req protocol.Request) {
		reply(conn, req.ID, "Building: 10%")
	})
	c := New(Config{Address: srv.addr()}, nil, nil)

	start := time.Now()
	status, err := c.PollBuild(context.Background(), 20*time.Millisecond, 150*time.Millisecond)
	assert.ErrorIs(t, err, poll.ErrBudgetExceeded)
	assert.Equal(t, 10, status.Progress)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// =============================================================================
// Timeout Table Tests
// =============================================================================

func TestLoadTimeoutTable_MissingFile(t *testing.T) {
	table, err := LoadTimeoutTable(filepath.Join(t.TempDir(), "mcp.json"), nil)
	require.NoError(t, err)

	d, src := table.Lookup("build")
	assert.Equal(t, 1200*time.Second, d)
	assert.Equal(t, protocol.SourceBuiltin, src)
}

func TestLoadTimeoutTable_SchemaOverridesBuiltin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mcp":{"tools":[{"name":"build","timeout":"20 minutes"},{"name":"quit","timeout":"default"}]}}`), 0o644))

	table, err := LoadTimeoutTable(path, nil)
	require.NoError(t, err)

	d, src := table.Lookup("quit")
	assert.Equal(t, 5*time.Second, d)
	assert.Equal(t, protocol.SourceSchema, src)

	d, src = table.Lookup(protocol.MethodInitialize)
	assert.Equal(t, time.Second, d)
	assert.Equal(t, protocol.SourceBuiltin, src)
}

func TestLoadTimeoutTable_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte("mcp: [broken"), 0o644))

	_, err := LoadTimeoutTable(path, nil)
	assert.Error(t, err)
}
