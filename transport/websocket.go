package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meow-io/go-courier/config"
	"go.uber.org/zap"
)

// wsFrame is the JSON envelope multiplexed over a single websocket
// connection. Requests and responses are correlated by ID.
type wsFrame struct {
	Type      string            `json:"type"`
	ID        uint64            `json:"id"`
	Verb      string            `json:"verb,omitempty"`
	Path      string            `json:"path,omitempty"`
	Status    int               `json:"status,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	KeepAlive bool              `json:"keepAlive,omitempty"`
}

const (
	frameTypeRequest  = "request"
	frameTypeResponse = "response"
)

type wsClient struct {
	config *config.Config
	log    *zap.SugaredLogger

	lock    sync.Mutex
	conn    *websocket.Conn
	nextID  uint64
	pending map[uint64]chan *wsFrame
	closed  bool
}

func newWsClient(c *config.Config) *wsClient {
	return &wsClient{
		config:  c,
		log:     c.Logger("transport/websocket"),
		pending: make(map[uint64]chan *wsFrame),
	}
}

// connect dials the authenticated websocket if no connection is live. Must be
// called with the lock held.
func (w *wsClient) connect(ctx context.Context, auth Auth) error {
	if w.conn != nil {
		return nil
	}

	base, err := url.Parse(w.config.ServiceURL)
	if err != nil {
		return fmt.Errorf("transport: error parsing service url: %w", err)
	}
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	case "http":
		base.Scheme = "ws"
	}
	base.Path = "/v1/websocket/"
	if auth.Basic != nil {
		q := base.Query()
		q.Set("login", auth.Basic.Username)
		q.Set("password", auth.Basic.Password)
		base.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: time.Duration(w.config.RequestTimeoutMs) * time.Millisecond}
	conn, _, err := dialer.DialContext(ctx, base.String(), nil)
	if err != nil {
		return err
	}
	w.conn = conn
	go w.readLoop(conn)
	return nil
}

func (w *wsClient) readLoop(conn *websocket.Conn) {
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			w.fail(conn, err)
			return
		}
		if frame.Type != frameTypeResponse {
			continue
		}
		w.lock.Lock()
		ch, ok := w.pending[frame.ID]
		if ok {
			delete(w.pending, frame.ID)
		}
		w.lock.Unlock()
		if ok {
			ch <- &frame
		}
	}
}

// fail tears down a dead connection and releases every request waiting on it.
func (w *wsClient) fail(conn *websocket.Conn, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.conn != conn {
		return
	}
	w.log.Debugf("websocket read failed: %v", err)
	_ = conn.Close()
	w.conn = nil
	for id, ch := range w.pending {
		delete(w.pending, id)
		close(ch)
	}
}

func (w *wsClient) do(ctx context.Context, req *Request) (*Response, error) {
	w.lock.Lock()
	if w.closed {
		w.lock.Unlock()
		return nil, &WebsocketError{Err: fmt.Errorf("client shut down")}
	}
	if err := w.connect(ctx, req.Auth); err != nil {
		w.lock.Unlock()
		return nil, &WebsocketError{Err: err}
	}
	w.nextID++
	id := w.nextID
	ch := make(chan *wsFrame, 1)
	w.pending[id] = ch
	conn := w.conn

	frame := &wsFrame{
		Type: frameTypeRequest,
		ID:   id,
		Verb: req.Verb,
		Path: req.Path,
		Body: req.Body,
	}
	if req.Auth.AccessKey != nil {
		frame.Headers = map[string]string{accessKeyHeader: base64.StdEncoding.EncodeToString(req.Auth.AccessKey)}
	}
	err := conn.WriteJSON(frame)
	w.lock.Unlock()
	if err != nil {
		w.fail(conn, err)
		return nil, &WebsocketError{Err: err}
	}

	timeout := time.Duration(w.config.RequestTimeoutMs) * time.Millisecond
	select {
	case <-ctx.Done():
		w.abandon(id)
		return nil, &WebsocketError{Err: ctx.Err()}
	case <-time.After(timeout):
		w.abandon(id)
		return nil, &WebsocketError{Err: fmt.Errorf("timed out after %s waiting for %s", timeout, req.Path)}
	case resp, ok := <-ch:
		if !ok {
			return nil, &WebsocketError{Err: fmt.Errorf("connection lost while waiting for %s", req.Path)}
		}
		return &Response{Status: resp.Status, Body: resp.Body}, nil
	}
}

func (w *wsClient) abandon(id uint64) {
	w.lock.Lock()
	defer w.lock.Unlock()
	delete(w.pending, id)
}

func (w *wsClient) shutdown() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.closed = true
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
