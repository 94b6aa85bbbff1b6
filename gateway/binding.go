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
	"sync"
	"time"

	"github.com/alwitt/ranger/bus"
	"github.com/alwitt/ranger/common"
	"github.com/apex/log"
)

// BindBusSubscriber feed every event read by the subscriber into the reactor
func BindBusSubscriber(
	subscriber bus.Subscriber, reactor Reactor, errorCB bus.AlertOnErrorCB, wg *sync.WaitGroup,
) error {
	return subscriber.StartReading(reactor.DeliverBusMessage, errorCB, wg)
}

// StartStatsLogger periodically log the router counters
func StartStatsLogger(
	ctxt context.Context, wg *sync.WaitGroup, reactor Reactor, interval time.Duration,
) (common.IntervalTimer, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "stats-logger", "instance": interval.String(),
	}
	timer, err := common.GetIntervalTimerInstance(ctxt, wg, "router-stats")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stats timer")
		return nil, err
	}
	logStats := func(timerCtxt context.Context) error {
		callCtxt, cancel := context.WithTimeout(timerCtxt, interval)
		defer cancel()
		stats, err := reactor.Stats(callCtxt)
		if err != nil {
			return err
		}
		log.WithFields(common.CopyLogTags(logTags, log.Fields{
			"connections":          stats.Connections,
			"authorized_users":     stats.AuthorizedUsers,
			"streams":              stats.Streams,
			"stores":               stats.Stores,
			"buffered_increments":  stats.BufferedIncrements,
			"bus_messages":         stats.BusMessages,
			"invalid_routing_keys": stats.InvalidRoutingKeys,
			"invalid_payloads":     stats.InvalidPayloads,
			"orphan_increments":    stats.OrphanIncrements,
			"frames_delivered":     stats.FramesDelivered,
		})).Info("Router stats")
		return nil
	}
	if err := timer.Start(interval, logStats, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start stats timer")
		return nil, err
	}
	return timer, nil
}
