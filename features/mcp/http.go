package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// ErrUnauthorized reports that the server rejected the connection's
// credentials. The manager maps it to the degraded (unauthorized) state
// instead of treating it as a connection fault.
var ErrUnauthorized = errors.New("mcp: unauthorized")

// HTTPOptions configures the HTTP-based MCP caller.
type HTTPOptions struct {
	Endpoint        string
	Headers         map[string]string
	BearerToken     string
	Client          *http.Client
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
}

// HTTPCaller speaks JSON-RPC over HTTP POST. Servers answer either with a
// plain JSON body or with an event stream; both are handled transparently.
type HTTPCaller struct {
	rpcCaller
}

type httpTransport struct {
	endpoint string
	headers  map[string]string
	token    string
	client   *http.Client
	id       uint64
}

// NewHTTPCaller creates an HTTP-based Caller and performs the MCP initialize
// handshake against opts.Endpoint.
func NewHTTPCaller(ctx context.Context, opts HTTPOptions) (*HTTPCaller, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("mcp: http endpoint is required")
	}
	httpClient := opts.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	t := &httpTransport{
		endpoint: opts.Endpoint,
		headers:  opts.Headers,
		token:    opts.BearerToken,
		client:   httpClient,
	}
	h := handshake{
		protocolVersion: opts.ProtocolVersion,
		clientName:      opts.ClientName,
		clientVersion:   opts.ClientVersion,
		initTimeout:     opts.InitTimeout,
	}
	if err := initialize(ctx, t, h); err != nil {
		return nil, err
	}
	return &HTTPCaller{rpcCaller{t}}, nil
}

func (t *httpTransport) nextID() uint64 {
	return atomic.AddUint64(&t.id, 1)
}

func (t *httpTransport) close() error { return nil }

func (t *httpTransport) call(ctx context.Context, method string, params, result any) error {
	id := t.nextID()
	resp, err := t.post(ctx, rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return err
	}
	rpcResp, err := readResponse(resp, id)
	if err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return err
		}
	}
	return nil
}

func (t *httpTransport) notify(ctx context.Context, method string, params any) error {
	resp, err := t.post(ctx, rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp)
}

func (t *httpTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	injectTraceHeaders(ctx, req.Header)
	return t.client.Do(req)
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		return nil
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("mcp rpc status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
}

// readResponse decodes the JSON-RPC response for id from either a plain JSON
// body or an event stream. Stream events that are notifications or answers to
// other requests are skipped.
func readResponse(resp *http.Response, id uint64) (rpcResponse, error) {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "text/event-stream") {
		var rpcResp rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return rpcResponse{}, err
		}
		return rpcResp, nil
	}
	reader := bufio.NewReader(resp.Body)
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return rpcResponse{}, errors.New("mcp: event stream closed before response")
			}
			return rpcResponse{}, err
		}
		switch event {
		case "", "message", "response", "error":
			var rpcResp rpcResponse
			if err := json.Unmarshal(data, &rpcResp); err != nil {
				continue
			}
			if rpcResp.ID != id {
				continue
			}
			return rpcResp, nil
		default:
			continue
		}
	}
}

func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			chunk := strings.TrimPrefix(after, " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
			continue
		}
	}
}
