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
	"sync"

	"github.com/alwitt/ranger/bus"
	"github.com/alwitt/ranger/core"
	"github.com/apex/log"
)

// RunInspector log every event published on the exchange until runtimeContext is cancelled
func RunInspector(
	runtimeContext context.Context,
	exchange string,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "inspector",
		"instance":  instance,
	}

	lclCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	subscriber, err := bus.GetSubscriber(lclCtxt, natsClient, exchange)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to subscribe to exchange %s", exchange)
		return err
	}

	forward := func(_ context.Context, routingKey string, payload []byte) error {
		log.WithFields(logTags).WithField("routing_key", routingKey).Infof("%s", payload)
		return nil
	}
	var readErr error
	if err := subscriber.StartReading(forward, func(err error) {
		log.WithError(err).WithFields(logTags).Error("Bus subscriber failed")
		readErr = err
		lclCancel()
	}, wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start reading")
		return err
	}

	<-lclCtxt.Done()
	return readErr
}
