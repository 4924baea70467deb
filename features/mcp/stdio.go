package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StdioOptions configures the stdio-based MCP caller.
type StdioOptions struct {
	Command         string
	Args            []string
	Env             []string
	Dir             string
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
}

// StdioCaller drives an MCP server subprocess over its stdin/stdout using
// Content-Length framed JSON-RPC.
type StdioCaller struct {
	rpcCaller
}

type stdioTransport struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	pending    map[uint64]chan stdioResult
	pendingMu  sync.Mutex
	writeMu    sync.Mutex
	nextID     uint64
	closed     chan struct{}
	closeOnce  sync.Once
	closeErr   error
	closeErrMu sync.Mutex
}

type stdioResult struct {
	resp rpcResponse
	err  error
}

// NewStdioCaller launches the target command, performs the MCP initialize
// handshake, and returns a Caller that keeps the subprocess alive across tool
// invocations. The subprocess inherits the parent environment extended with
// opts.Env.
func NewStdioCaller(ctx context.Context, opts StdioOptions) (*StdioCaller, error) {
	if opts.Command == "" {
		return nil, errors.New("mcp: stdio command is required")
	}
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	t := &stdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan stdioResult),
		closed:  make(chan struct{}),
	}
	go t.readLoop(stdout)
	if stderr != nil {
		// Servers log freely on stderr; drain it so the pipe never fills.
		go func() { _, _ = io.Copy(io.Discard, stderr) }()
	}
	h := handshake{
		protocolVersion: opts.ProtocolVersion,
		clientName:      opts.ClientName,
		clientVersion:   opts.ClientVersion,
		initTimeout:     opts.InitTimeout,
	}
	if err := initialize(ctx, t, h); err != nil {
		_ = t.close()
		return nil, err
	}
	return &StdioCaller{rpcCaller{t}}, nil
}

func (t *stdioTransport) close() error {
	t.closeOnce.Do(func() {
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.cmd != nil && t.cmd.ProcessState == nil {
			_ = t.cmd.Process.Kill()
		}
		if t.cmd != nil {
			_ = t.cmd.Wait()
		}
		close(t.closed)
	})
	return nil
}

func (t *stdioTransport) call(ctx context.Context, method string, params, result any) error {
	id := t.next()
	ch := make(chan stdioResult, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	if err := t.writeMessage(req); err != nil {
		t.removePending(id)
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return res.resp.Error
		}
		if result != nil && res.resp.Result != nil {
			if err := json.Unmarshal(res.resp.Result, result); err != nil {
				return err
			}
		}
		return nil
	case <-ctx.Done():
		t.removePending(id)
		return ctx.Err()
	case <-t.closed:
		return t.closeError()
	}
}

func (t *stdioTransport) notify(_ context.Context, method string, params any) error {
	return t.writeMessage(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

func (t *stdioTransport) writeMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := io.WriteString(t.stdin, header); err != nil {
		return err
	}
	if _, err := t.stdin.Write(data); err != nil {
		return err
	}
	return nil
}

func (t *stdioTransport) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			t.failPending(err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			continue
		}
		// Server-initiated notifications carry no id.
		if resp.ID == 0 {
			continue
		}
		t.pendingMu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.pendingMu.Unlock()
		if ok {
			ch <- stdioResult{resp: resp}
			close(ch)
		}
	}
}

func (t *stdioTransport) failPending(err error) {
	t.pendingMu.Lock()
	for id, ch := range t.pending {
		delete(t.pending, id)
		ch <- stdioResult{err: err}
		close(ch)
	}
	t.pendingMu.Unlock()
	t.setCloseError(err)
	_ = t.close()
}

func (t *stdioTransport) removePending(id uint64) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

func (t *stdioTransport) next() uint64 {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	t.nextID++
	return t.nextID
}

func (t *stdioTransport) setCloseError(err error) {
	if err == nil {
		return
	}
	t.closeErrMu.Lock()
	if t.closeErr == nil {
		t.closeErr = err
	}
	t.closeErrMu.Unlock()
}

func (t *stdioTransport) closeError() error {
	t.closeErrMu.Lock()
	defer t.closeErrMu.Unlock()
	if t.closeErr == nil {
		return errors.New("mcp: stdio connection closed")
	}
	return t.closeErr
}

func readFrame(reader *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				continue
			}
			break
		}
		if after, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			val := strings.TrimSpace(after)
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, err
			}
			length = n
		}
	}
	if length < 0 {
		return nil, errors.New("content-length header missing")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
