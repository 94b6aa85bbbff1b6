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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/ranger/apis"
	"github.com/alwitt/ranger/auth"
	"github.com/alwitt/ranger/bus"
	"github.com/alwitt/ranger/common"
	"github.com/alwitt/ranger/core"
	"github.com/alwitt/ranger/gateway"
	"github.com/alwitt/ranger/ranger"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunGateway run the websocket gateway, and the admin server if configured
//
// Returns once runtimeContext is cancelled, or a server fails.
func RunGateway(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	if config.Gateway == nil {
		return fmt.Errorf("gateway can't start without its configurations")
	}
	if len(config.Auth.JWT.PublicKey) == 0 {
		return fmt.Errorf("gateway can't start without a JWT public key")
	}

	authenticator, err := auth.NewJWTAuthenticator(config.Auth.JWT)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define JWT authenticator")
		return err
	}

	lclCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Event loop owning the router

	tp, err := common.GetNewTaskProcessorInstance(
		lclCtxt, "ranger-router", config.Gateway.EventLoopBuffer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event loop")
		return err
	}
	reactor, err := gateway.GetReactor(tp, ranger.NewRouter(instance), authenticator, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define reactor")
		return err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return err
	}
	defer func() {
		if err := tp.StopEventLoop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop event loop")
		}
	}()

	// -------------------------------------------------------------------
	// Bus binding

	subscriber, err := bus.GetSubscriber(lclCtxt, natsClient, config.Bus.Exchange)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to subscribe to exchange %s", config.Bus.Exchange,
		)
		return err
	}
	if err := gateway.BindBusSubscriber(subscriber, reactor, func(err error) {
		log.WithError(err).WithFields(logTags).Error("Bus subscriber failed. Shutting down")
		lclCancel()
	}, wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to bind bus subscriber")
		return err
	}

	statsTimer, err := gateway.StartStatsLogger(
		lclCtxt, wg, reactor, time.Second*time.Duration(config.Gateway.StatsLogInterval),
	)
	if err != nil {
		return err
	}
	defer func() {
		_ = statsTimer.Stop()
	}()

	// -------------------------------------------------------------------
	// Start the websocket server

	wsServer, err := gateway.GetServer(lclCtxt, wg, reactor, *config.Gateway)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket server")
		return err
	}
	wsRouter := mux.NewRouter()
	wsServer.RegisterRoutes(wsRouter, config.Gateway.EndpointPath)

	wsListen := fmt.Sprintf(
		"%s:%d", config.Gateway.Server.ListenOn, config.Gateway.Server.Port,
	)
	wsSrv := &http.Server{
		Addr:        wsListen,
		ReadTimeout: time.Second * time.Duration(config.Gateway.Server.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(config.Gateway.Server.IdleTimeout),
		Handler:     wsRouter,
	}
	wsSrv.RegisterOnShutdown(lclCancel)
	servers := []*http.Server{wsSrv}

	go func() {
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("Websocket server failure")
			lclCancel()
		}
	}()
	log.WithFields(logTags).Infof(
		"Started websocket server on ws://%s%s", wsListen, config.Gateway.EndpointPath,
	)

	// -------------------------------------------------------------------
	// Start the admin server

	if config.Admin != nil {
		publisher, err := bus.GetPublisher(
			natsClient, instance, time.Second*time.Duration(config.Bus.PublishTimeout),
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define bus publisher")
			return err
		}
		httpHandler, err := apis.GetAPIRestRangerAdminHandler(
			config.Bus.Exchange, reactor, publisher, func() (bool, error) {
				return natsClient.IsConnected(), nil
			}, &config.Admin.HTTPSetting,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define admin HTTP handler")
			return err
		}

		router := mux.NewRouter()
		httpHandler.RegisterRoutes(router, config.Admin.Endpoints.PathPrefix)

		// Add logging
		router.Use(func(next http.Handler) http.Handler {
			return handlers.CombinedLoggingHandler(httpHandler, next)
		})

		serverCfg := config.Admin.HTTPSetting.Server
		adminListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
		adminSrv := &http.Server{
			Addr:         adminListen,
			WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
			ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
			IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
			Handler:      h2c.NewHandler(router, &http2.Server{}),
		}
		servers = append(servers, adminSrv)

		go func() {
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).WithFields(logTags).Error("Admin HTTP server failure")
				lclCancel()
			}
		}()
		log.WithFields(logTags).Infof("Started admin HTTP server on http://%s", adminListen)
	}

	// ============================================================================

	<-lclCtxt.Done()

	// Stop the HTTP servers
	for _, srv := range servers {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failure during HTTP shutdown of %s", srv.Addr,
			)
		}
		cancel()
	}

	return nil
}
