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

/*
Package rpc provides the daemon's WebSocket RPC server.

Clients send request frames over a WebSocket connection; the server answers
each with a response frame and pushes run events to clients that subscribed
to them.

# Overview

The RPC server supports:

  - Request/response messaging correlated by requestId
  - Run-event push to subscribed connections
  - Token-based authentication
  - Multiple concurrent connections

# Server Setup

Create and start an RPC server:

	cfg := rpc.DefaultConfig()
	cfg.AuthToken = token

	server := rpc.NewServer(cfg)
	server.SetDispatcher(dispatcher, bus)
	port, err := server.Start(ctx)
	if err != nil {
	    log.Fatal(err)
	}

Start listens on the first free 127.0.0.1 port in ServerConfig.PortRange,
prints TABCONDUCTOR_BACKEND_PORT=<port> on stdout, and serves /ws (the
WebSocket endpoint) and /health.

# Methods

Every request method other than subscribe and unsubscribe is handed to the
Dispatcher, which implements the flow, run, queue, trigger, var and debug
methods against the engine. subscribe (params {"runId": ...}, an empty runId
meaning every run) starts pushing that run's events to the connection;
unsubscribe stops it. Both are answered with a subscribeAck frame.

# Protocol

Every frame is a JSON object with a "type" field:

	// Request (client to server)
	{"type": "request", "requestId": "req-123", "method": "getRun", "params": {...}}

	// Response, success
	{"type": "response", "requestId": "req-123", "ok": true, "result": {...}}

	// Response, failure; code is an rrerror code such as "NOT_FOUND"
	{"type": "response", "requestId": "req-123", "ok": false,
	 "error": {"code": "NOT_FOUND", "message": "...", "data": {...}}}

	// Pushed run event
	{"type": "event", "event": {...}}

	// Subscription acknowledgement
	{"type": "subscribeAck", "runId": "..."}

# Authentication

When AuthToken is configured, clients must send it in the X-Auth-Token
header of the WebSocket upgrade request. A missing or wrong token is
answered with 401; after 5 failed attempts from one client IP within a
minute, that IP is refused with 429 for 60 seconds.

# Connection Lifecycle

 1. Client connects via WebSocket
 2. Server validates authentication (if enabled)
 3. Bidirectional message exchange
 4. Either side can close the connection
 5. Server tracks active connections for graceful shutdown

# Graceful Shutdown

The server supports graceful shutdown:

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
	    log.Printf("Shutdown error: %v", err)
	}

Active connections are closed with a close frame.
*/
package rpc
