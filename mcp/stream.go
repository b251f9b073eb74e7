package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// StreamTransport speaks newline-delimited JSON-RPC over a pair of byte
// streams, usually the stdin and stdout of a server process.
type StreamTransport struct {
	r io.Reader
	w io.WriteCloser

	nextID atomic.Int64

	mu       sync.Mutex
	writeMu  sync.Mutex
	pending  map[int64]chan *inbound
	handler  func(method string, params json.RawMessage)
	started  bool
	closed   bool
	readErr  error
	done     chan struct{}
	closeOne sync.Once
}

// NewStreamTransport creates a transport that writes requests to w and reads
// responses from r.
func NewStreamTransport(r io.Reader, w io.WriteCloser) *StreamTransport {
	return &StreamTransport{
		r:       r,
		w:       w,
		pending: make(map[int64]chan *inbound),
		done:    make(chan struct{}),
	}
}

// Connect starts the read loop.
func (t *StreamTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	if !t.started {
		t.started = true
		go t.readLoop()
	}
	return nil
}

// Send writes a request and waits for the response with the same id.
func (t *StreamTransport) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	ch := make(chan *inbound, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := t.write(req); err != nil {
		return nil, err
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, msg.Error)
		}
		return msg.Result, nil
	case <-t.done:
		return nil, t.err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify writes a notification.
func (t *StreamTransport) Notify(ctx context.Context, method string, params any) error {
	return t.write(JSONRPCNotification{JSONRPC: "2.0", Method: method, Params: params})
}

// OnNotification registers a handler for server notifications.
func (t *StreamTransport) OnNotification(handler func(method string, params json.RawMessage)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Close closes the write side. The read loop ends when the server closes
// its output.
func (t *StreamTransport) Close() error {
	var err error
	t.closeOne.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		err = t.w.Close()
	})
	return err
}

func (t *StreamTransport) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (t *StreamTransport) readLoop() {
	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			// Servers may print non-protocol noise; skip it.
			continue
		}

		if msg.ID == nil {
			t.mu.Lock()
			handler := t.handler
			t.mu.Unlock()
			if handler != nil && msg.Method != "" {
				go handler(msg.Method, msg.Params)
			}
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[*msg.ID]
		t.mu.Unlock()
		if ok {
			m := msg
			ch <- &m
		}
	}

	t.mu.Lock()
	if err := scanner.Err(); err != nil {
		t.readErr = fmt.Errorf("read: %w", err)
	} else {
		t.readErr = io.EOF
	}
	t.mu.Unlock()
	close(t.done)
}

func (t *StreamTransport) err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr == nil {
		return io.EOF
	}
	return fmt.Errorf("server stream ended: %w", t.readErr)
}
