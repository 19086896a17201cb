// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rpcclient is the tabconductorctl-side half of internal/rpc's
// websocket protocol: it dials a running tabconductord, correlates
// request/response frames by requestId, and demultiplexes pushed
// RunEvents to whichever caller subscribed to their run.
package rpcclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tombee/tabconductor/internal/rpc"
	"github.com/tombee/tabconductor/internal/store"
)

// RemoteError wraps the {code, message} an RPC call failed with.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client is one websocket connection to a tabconductord instance.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *rpc.Message
	subs    map[string]chan *store.RunEvent

	done chan struct{}
}

// Dial opens a websocket connection to addr (host:port) and starts the
// background read loop. authToken, if non-empty, is sent in the
// X-Auth-Token header the server's TokenValidator checks during the
// handshake.
func Dial(ctx context.Context, addr, authToken string) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}

	header := http.Header{}
	if authToken != "" {
		header.Set("X-Auth-Token", authToken)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *rpc.Message),
		subs:    make(map[string]chan *store.RunEvent),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failPending(err)
			return
		}
		msg, err := rpc.ParseMessage(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case rpc.MessageTypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[msg.RequestID]
			if ok {
				delete(c.pending, msg.RequestID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case rpc.MessageTypeEvent:
			if msg.Event == nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.subs[msg.Event.RunID]
			if !ok {
				ch, ok = c.subs[""]
			}
			c.mu.Unlock()
			if ok {
				select {
				case ch <- msg.Event:
				default:
				}
			}
		}
	}
}

// failPending delivers a synthetic failure response to every in-flight
// call when the connection drops out from under them.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ok := false
		ch <- &rpc.Message{
			Type:      rpc.MessageTypeResponse,
			RequestID: id,
			Ok:        &ok,
			Error:     &rpc.ErrorResponse{Code: "CONNECTION_CLOSED", Message: err.Error()},
		}
	}
	c.pending = make(map[string]chan *rpc.Message)
}

// Call sends a request and blocks until its response arrives, ctx is
// done, or the connection drops. out, if non-nil, receives the decoded
// result.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	req, err := rpc.NewRequest(method, params)
	if err != nil {
		return err
	}

	ch := make(chan *rpc.Message, 1)
	c.mu.Lock()
	c.pending[req.RequestID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return ctx.Err()
	case resp := <-ch:
		if resp.Ok != nil && !*resp.Ok {
			if resp.Error != nil {
				return &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
			}
			return fmt.Errorf("rpc: %s failed with no error detail", method)
		}
		if out != nil {
			return resp.UnmarshalResult(out)
		}
		return nil
	}
}

// Subscribe registers interest in runID's events (empty runID subscribes
// to every run) and returns a channel fed by the background read loop.
// The returned func unsubscribes and closes the channel; callers must
// call it exactly once.
func (c *Client) Subscribe(runID string) (<-chan *store.RunEvent, func(), error) {
	ch := make(chan *store.RunEvent, 64)
	c.mu.Lock()
	c.subs[runID] = ch
	c.mu.Unlock()

	req, err := rpc.NewRequest("subscribe", map[string]string{"runId": runID})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, runID)
		c.mu.Unlock()
		return nil, nil, err
	}

	c.writeMu.Lock()
	err = c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.subs, runID)
		c.mu.Unlock()
		return nil, nil, err
	}

	unsub := func() {
		unreq, err := rpc.NewRequest("unsubscribe", map[string]string{"runId": runID})
		if err == nil {
			c.writeMu.Lock()
			_ = c.conn.WriteJSON(unreq)
			c.writeMu.Unlock()
		}
		c.mu.Lock()
		delete(c.subs, runID)
		close(ch)
		c.mu.Unlock()
	}
	return ch, unsub, nil
}

// Close closes the underlying connection and waits for the read loop to exit.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}
