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
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/ranger/auth"
	"github.com/alwitt/ranger/common"
	"github.com/alwitt/ranger/ranger"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server accepts websocket clients and binds them to the reactor
type Server struct {
	common.Component
	ctxt           context.Context
	wg             *sync.WaitGroup
	reactor        Reactor
	params         SocketParams
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
}

// GetServer define new websocket Server
//
// The socket pumps of every accepted client stop when ctxt is cancelled.
func GetServer(
	ctxt context.Context, wg *sync.WaitGroup, reactor Reactor, cfg common.GatewayConfig,
) (*Server, error) {
	logTags := log.Fields{
		"module":    "gateway",
		"component": "server",
		"instance":  fmt.Sprintf("%s:%d%s", cfg.Server.ListenOn, cfg.Server.Port, cfg.EndpointPath),
	}
	params := SocketParamsFromConfig(cfg.WebSocket)
	if params.SendQueueSize < 1 || params.PingInterval <= 0 || params.PongWait <= 0 {
		err := fmt.Errorf("invalid websocket parameters %+v", params)
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket server")
		return nil, err
	}
	allowed := map[string]bool{}
	for _, origin := range cfg.WebSocket.AllowedOrigins {
		allowed[strings.ToLower(origin)] = true
	}
	instance := &Server{
		Component:      common.Component{LogTags: logTags},
		ctxt:           ctxt,
		wg:             wg,
		reactor:        reactor,
		params:         params,
		allowedOrigins: allowed,
	}
	instance.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     instance.checkOrigin,
	}
	return instance, nil
}

// checkOrigin accept any origin unless an allow list is configured
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || s.allowedOrigins[strings.ToLower(origin)]
}

// RegisterRoutes attach the websocket endpoint to a router
func (s *Server) RegisterRoutes(router *mux.Router, endpointPath string) {
	router.Handle(endpointPath, s).Methods("GET")
}

// ServeHTTP accept one websocket client
//
// The handshake runs before the upgrade. A rejected token is answered with 401 and
// nothing is registered.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	localLogTags := common.CopyLogTags(s.LogTags, log.Fields{"remote": r.RemoteAddr})
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade expected", http.StatusBadRequest)
		return
	}
	if !s.checkOrigin(r) {
		log.WithFields(localLogTags).Debugf("Rejected origin %s", r.Header.Get("Origin"))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	socket := newWSSocket(s.params, s.reactor, r.RemoteAddr)
	request := ranger.HandshakeRequest{Query: r.URL.Query(), Header: r.Header}
	conn, err := s.reactor.OpenConnection(r.Context(), socket, request)
	if err != nil {
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			log.WithError(err).WithFields(localLogTags).Debug("Handshake rejected")
			http.Error(w, authErr.Error(), http.StatusUnauthorized)
			return
		}
		log.WithError(err).WithFields(localLogTags).Error("Unable to open connection")
		http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		log.WithError(err).WithFields(localLogTags).Debug("Websocket upgrade failed")
		ctxt, cancel := context.WithTimeout(s.ctxt, time.Second*5)
		defer cancel()
		if err := s.reactor.CloseConnection(ctxt, conn); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Unable to submit connection close")
		}
		return
	}
	log.WithFields(localLogTags).Debugf("WebSocket connection opened %s", conn)
	socket.start(s.ctxt, ws, conn, s.wg)
}
