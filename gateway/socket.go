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
	"errors"
	"sync"
	"time"

	"github.com/alwitt/ranger/common"
	"github.com/alwitt/ranger/ranger"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// SocketParams are the per connection websocket parameters
type SocketParams struct {
	// SendQueueSize is the number of outbound frames buffered for the client
	SendQueueSize int
	// MaxMessageSize is the max size of a client frame in bytes
	MaxMessageSize int64
	// PingInterval is the interval between server pings
	PingInterval time.Duration
	// PongWait is the max duration to wait for a client pong
	PongWait time.Duration
	// WriteWait is the max duration for writing one frame
	WriteWait time.Duration
}

// SocketParamsFromConfig convert the websocket config section into socket parameters
func SocketParamsFromConfig(cfg common.WebSocketConfig) SocketParams {
	return SocketParams{
		SendQueueSize:  cfg.SendQueueSize,
		MaxMessageSize: cfg.MaxMessageSize,
		PingInterval:   time.Second * time.Duration(cfg.PingInterval),
		PongWait:       time.Second * time.Duration(cfg.PongWait),
		WriteWait:      time.Second * time.Duration(cfg.WriteWait),
	}
}

var (
	errSocketClosed = errors.New("socket closed")
	errSlowConsumer = errors.New("send queue full")
)

// wsSocket binds one websocket to its Connection
//
// Send is called from the event loop and never blocks. Frames are written by the write pump.
// The read pump forwards client frames to the reactor, and closes the connection when the
// websocket goes away.
type wsSocket struct {
	common.Component
	params      SocketParams
	reactor     Reactor
	send        chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
	ws          *websocket.Conn
	conn        *ranger.Connection
	// pumpLogTags is only read by the pumps
	pumpLogTags log.Fields
}

// newWSSocket define a new socket. The send queue is usable before the websocket is attached.
func newWSSocket(params SocketParams, reactor Reactor, remote string) *wsSocket {
	return &wsSocket{
		Component: common.Component{LogTags: log.Fields{
			"module": "gateway", "component": "websocket", "instance": remote,
		}},
		params:  params,
		reactor: reactor,
		send:    make(chan []byte, params.SendQueueSize),
		closed:  make(chan struct{}),
	}
}

// Send queue one text frame for the client
func (s *wsSocket) Send(frame []byte) error {
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	default:
		log.WithFields(s.LogTags).Warn("Send queue full, disconnecting slow consumer")
		s.shutdown(websocket.ClosePolicyViolation, "slow consumer")
		return errSlowConsumer
	}
}

// shutdown mark the socket closed. The write pump sends the close frame.
func (s *wsSocket) shutdown(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.closed)
	})
}

// start attach the websocket and start the pumps
func (s *wsSocket) start(
	ctxt context.Context, ws *websocket.Conn, conn *ranger.Connection, wg *sync.WaitGroup,
) {
	s.ws = ws
	s.conn = conn
	s.pumpLogTags = common.CopyLogTags(s.LogTags, log.Fields{"connection": conn.ID()})
	wg.Add(2)
	go s.writePump(ctxt, wg)
	go s.readPump(ctxt, wg)
}

// writePump drain the send queue into the websocket, and keep the client alive with pings
func (s *wsSocket) writePump(ctxt context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(s.params.PingInterval)
	defer func() {
		ticker.Stop()
		if err := s.ws.Close(); err != nil {
			log.WithError(err).WithFields(s.pumpLogTags).Debug("Websocket close failed")
		}
	}()
	for {
		select {
		case <-s.closed:
			deadline := time.Now().Add(s.params.WriteWait)
			msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
			if err := s.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				log.WithError(err).WithFields(s.pumpLogTags).Debug("Unable to send close frame")
			}
			return

		case <-ctxt.Done():
			s.shutdown(websocket.CloseGoingAway, "server shutdown")

		case frame := <-s.send:
			if err := s.ws.SetWriteDeadline(time.Now().Add(s.params.WriteWait)); err != nil {
				s.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.WithError(err).WithFields(s.pumpLogTags).Debug("Write failed")
				s.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(s.params.WriteWait)
			if err := s.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.WithError(err).WithFields(s.pumpLogTags).Debug("Ping failed")
				s.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// readPump forward client frames to the reactor until the websocket goes away
func (s *wsSocket) readPump(ctxt context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		s.shutdown(websocket.CloseNormalClosure, "")
		// The event loop may be gone already during shutdown
		if err := s.reactor.CloseConnection(ctxt, s.conn); err != nil {
			log.WithError(err).WithFields(s.pumpLogTags).Debug("Unable to submit connection close")
		}
		log.WithFields(s.pumpLogTags).Debug("Websocket connection closed")
	}()
	s.ws.SetReadLimit(s.params.MaxMessageSize)
	if err := s.ws.SetReadDeadline(time.Now().Add(s.params.PongWait)); err != nil {
		return
	}
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(s.params.PongWait))
	})
	for {
		msgType, frame, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(s.pumpLogTags).Info("Websocket error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := s.reactor.HandleFrame(ctxt, s.conn, frame); err != nil {
			log.WithError(err).WithFields(s.pumpLogTags).Error("Unable to submit client frame")
			return
		}
	}
}
