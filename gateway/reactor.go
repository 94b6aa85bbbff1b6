// Copyright 2021-2022 The ranger Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/ranger/auth"
	"github.com/alwitt/ranger/common"
	"github.com/alwitt/ranger/ranger"
	"github.com/apex/log"
)

// Reactor serializes every router and connection operation onto one event loop
//
// Socket readers, the bus reader and the admin API call the Reactor from their own
// goroutines. The Reactor hands the work to the event loop, which is the only goroutine
// touching the Router.
type Reactor interface {
	// OpenConnection handshake and register a new connection. Blocks until processed.
	OpenConnection(
		ctxt context.Context, socket ranger.Socket, request ranger.HandshakeRequest,
	) (*ranger.Connection, error)
	// HandleFrame process one client frame
	HandleFrame(ctxt context.Context, conn *ranger.Connection, frame []byte) error
	// CloseConnection unregister a connection
	CloseConnection(ctxt context.Context, conn *ranger.Connection) error
	// DeliverBusMessage dispatch one bus message
	DeliverBusMessage(ctxt context.Context, routingKey string, payload []byte) error
	// Stats fetch the router counters. Blocks until processed.
	Stats(ctxt context.Context) (ranger.RouterStats, error)
}

// reactorImpl implements Reactor
type reactorImpl struct {
	common.Component
	tp            common.TaskProcessor
	router        *ranger.Router
	authenticator auth.Authenticator
}

// GetReactor define new Reactor
//
// The handlers are installed on tp. The caller starts and stops the event loop of tp.
func GetReactor(
	tp common.TaskProcessor, router *ranger.Router, authenticator auth.Authenticator, instance string,
) (Reactor, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "reactor", "instance": instance,
	}
	reactor := reactorImpl{
		Component:     common.Component{LogTags: logTags},
		tp:            tp,
		router:        router,
		authenticator: authenticator,
	}
	// Add handlers
	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(openConnectionRequest{}):  reactor.processOpenConnection,
		reflect.TypeOf(clientFrameRequest{}):     reactor.processClientFrame,
		reflect.TypeOf(closeConnectionRequest{}): reactor.processCloseConnection,
		reflect.TypeOf(busMessageRequest{}):      reactor.processBusMessage,
		reflect.TypeOf(routerStatsRequest{}):     reactor.processRouterStats,
	}
	for taskType, handler := range handlers {
		if err := tp.AddToTaskExecutionMap(taskType, handler); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to install %s handler", taskType)
			return nil, err
		}
	}
	return &reactor, nil
}

// =========================================================================

type openConnectionRequest struct {
	socket  ranger.Socket
	request ranger.HandshakeRequest
	// resultCB returns false when the caller stopped waiting
	resultCB func(conn *ranger.Connection, err error) bool
}

// OpenConnection handshake and register a new connection
func (r *reactorImpl) OpenConnection(
	ctxt context.Context, socket ranger.Socket, request ranger.HandshakeRequest,
) (*ranger.Connection, error) {
	type result struct {
		conn *ranger.Connection
		err  error
	}
	resultChan := make(chan result, 1)
	lock := sync.Mutex{}
	abandoned := false
	handler := func(conn *ranger.Connection, err error) bool {
		lock.Lock()
		defer lock.Unlock()
		if abandoned {
			return false
		}
		resultChan <- result{conn: conn, err: err}
		return true
	}
	if err := r.tp.Submit(
		ctxt, openConnectionRequest{socket: socket, request: request, resultCB: handler},
	); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit connection open")
		return nil, err
	}
	// Wait for the response or timeout
	select {
	case resp := <-resultChan:
		return resp.conn, resp.err
	case <-ctxt.Done():
		lock.Lock()
		abandoned = true
		lock.Unlock()
		// The result may have landed just before giving up
		select {
		case resp := <-resultChan:
			return resp.conn, resp.err
		default:
			return nil, ctxt.Err()
		}
	}
}

// processOpenConnection support TaskProcessor, handle openConnectionRequest
func (r *reactorImpl) processOpenConnection(param interface{}) error {
	request, ok := param.(openConnectionRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for open connection", reflect.TypeOf(param),
		)
	}
	conn := ranger.NewConnection(r.router, request.socket)
	if err := conn.Handshake(r.authenticator, request.request); err != nil {
		request.resultCB(nil, err)
		return nil
	}
	if !request.resultCB(conn, nil) {
		log.WithFields(r.LogTags).Debugf("Caller gone, closing %s", conn)
		r.router.OnConnectionClose(conn)
	}
	return nil
}

// =========================================================================

type clientFrameRequest struct {
	conn  *ranger.Connection
	frame []byte
}

// HandleFrame process one client frame
func (r *reactorImpl) HandleFrame(
	ctxt context.Context, conn *ranger.Connection, frame []byte,
) error {
	return r.tp.Submit(ctxt, clientFrameRequest{conn: conn, frame: frame})
}

// processClientFrame support TaskProcessor, handle clientFrameRequest
func (r *reactorImpl) processClientFrame(param interface{}) error {
	request, ok := param.(clientFrameRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for client frame", reflect.TypeOf(param),
		)
	}
	if !r.router.IsOpen(request.conn) {
		log.WithFields(r.LogTags).Debugf("Dropping frame of closed %s", request.conn)
		return nil
	}
	request.conn.Handle(request.frame)
	return nil
}

// =========================================================================

type closeConnectionRequest struct {
	conn *ranger.Connection
}

// CloseConnection unregister a connection
func (r *reactorImpl) CloseConnection(ctxt context.Context, conn *ranger.Connection) error {
	return r.tp.Submit(ctxt, closeConnectionRequest{conn: conn})
}

// processCloseConnection support TaskProcessor, handle closeConnectionRequest
func (r *reactorImpl) processCloseConnection(param interface{}) error {
	request, ok := param.(closeConnectionRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for close connection", reflect.TypeOf(param),
		)
	}
	r.router.OnConnectionClose(request.conn)
	return nil
}

// =========================================================================

type busMessageRequest struct {
	routingKey string
	payload    []byte
}

// DeliverBusMessage dispatch one bus message
func (r *reactorImpl) DeliverBusMessage(
	ctxt context.Context, routingKey string, payload []byte,
) error {
	return r.tp.Submit(ctxt, busMessageRequest{routingKey: routingKey, payload: payload})
}

// processBusMessage support TaskProcessor, handle busMessageRequest
func (r *reactorImpl) processBusMessage(param interface{}) error {
	request, ok := param.(busMessageRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for bus message", reflect.TypeOf(param),
		)
	}
	r.router.OnMessage(request.routingKey, request.payload)
	return nil
}

// =========================================================================

type routerStatsRequest struct {
	resultCB func(stats ranger.RouterStats)
}

// Stats fetch the router counters
func (r *reactorImpl) Stats(ctxt context.Context) (ranger.RouterStats, error) {
	resultChan := make(chan ranger.RouterStats, 1)
	handler := func(stats ranger.RouterStats) {
		resultChan <- stats
	}
	if err := r.tp.Submit(ctxt, routerStatsRequest{resultCB: handler}); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit stats request")
		return ranger.RouterStats{}, err
	}
	select {
	case stats := <-resultChan:
		return stats, nil
	case <-ctxt.Done():
		return ranger.RouterStats{}, ctxt.Err()
	}
}

// processRouterStats support TaskProcessor, handle routerStatsRequest
func (r *reactorImpl) processRouterStats(param interface{}) error {
	request, ok := param.(routerStatsRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for router stats", reflect.TypeOf(param),
		)
	}
	request.resultCB(r.router.Stats())
	return nil
}
