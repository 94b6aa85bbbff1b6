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
	"time"

	"github.com/alwitt/ranger/bus"
	"github.com/apex/log"
)

// sampleEvent one canned event of the injector
type sampleEvent struct {
	scope   string
	id      string
	event   string
	payload interface{}
}

const (
	sampleMarket      = "eurusd"
	sampleMarketName  = "EUR/USD"
	sampleSellerUser  = "IDABC0000001"
	sampleBuyerUser   = "IDABC0000002"
	sampleOrderID     = 22
	sampleTradeID     = 7
	sampleAskOrderID  = 15
	sampleTradePrice  = "1020.0"
	sampleTradeVolume = "0.001"
)

// sampleOrderBook order book levels used by the update and snapshot events
func sampleOrderBook() map[string]interface{} {
	return map[string]interface{}{
		"asks": [][]string{{"1020.0", "0.005"}, {"1026.0", "0.03"}},
		"bids": [][]string{
			{"1000.0", "0.25"}, {"999.0", "0.005"}, {"994.0", "0.005"}, {"1.0", "11.0"},
		},
	}
}

// sampleTrade a private trade as seen by one side
func sampleTrade(kind string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":     sampleTradeID,
		"kind":   kind,
		"at":     at.Unix(),
		"price":  sampleTradePrice,
		"volume": sampleTradeVolume,
		"ask_id": sampleAskOrderID,
		"bid_id": sampleOrderID,
		"market": sampleMarket,
	}
}

// sampleEvents the canned event sequence published by the injector
//
// The order book events start with an increment which has no snapshot to attach to.
func sampleEvents(now time.Time) []sampleEvent {
	createdAt := now.Add(-time.Minute * 10)
	return []sampleEvent{
		{"public", "global", "tickers", map[string]interface{}{
			sampleMarket: map[string]interface{}{
				"name":       sampleMarketName,
				"base_unit":  "eur",
				"quote_unit": "usd",
				"low":        "1000.0",
				"high":       "10000.0",
				"last":       "1000.0",
				"open":       1000.0,
				"volume":     "0.0",
				"sell":       "1020.0",
				"buy":        "1000.0",
				"at":         now.Unix(),
			},
		}},
		{"public", sampleMarket, "update", sampleOrderBook()},
		{"private", sampleSellerUser, "order", map[string]interface{}{
			"id":            sampleOrderID,
			"at":            createdAt.Unix(),
			"market":        sampleMarket,
			"kind":          "bid",
			"price":         "1026.0",
			"state":         "wait",
			"volume":        sampleTradeVolume,
			"origin_volume": sampleTradeVolume,
		}},
		{"private", sampleSellerUser, "trade", sampleTrade("ask", createdAt)},
		{"private", sampleBuyerUser, "trade", sampleTrade("bid", createdAt)},
		{"public", sampleMarket, "trades", map[string]interface{}{
			"trades": []map[string]interface{}{{
				"tid":        sampleTradeID,
				"taker_type": "buy",
				"date":       createdAt.Unix(),
				"price":      sampleTradePrice,
				"amount":     sampleTradeVolume,
			}},
		}},
		{"public", sampleMarket, "ob-inc", map[string]interface{}{
			"asks": [][]string{{"1020.0", "0.015"}},
		}},
		{"public", sampleMarket, "ob-snap", sampleOrderBook()},
		{"public", sampleMarket, "ob-inc", map[string]interface{}{
			"bids": [][]string{{"1000.0", "0"}},
		}},
		{"public", sampleMarket, "ob-inc", map[string]interface{}{
			"bids": [][]string{{"999.0", "0.001"}},
		}},
	}
}

// RunInjector publish the sample event sequence onto the exchange, in order
func RunInjector(
	runtimeContext context.Context, exchange string, instance string, publisher bus.Publisher,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "injector",
		"instance":  instance,
	}
	for _, oneEvent := range sampleEvents(time.Now()) {
		if err := publisher.Publish(
			runtimeContext, exchange, oneEvent.scope, oneEvent.id, oneEvent.event, oneEvent.payload,
		); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to publish %s.%s.%s", oneEvent.scope, oneEvent.id, oneEvent.event,
			)
			return err
		}
		log.WithFields(logTags).Infof(
			"Published %s.%s.%s", oneEvent.scope, oneEvent.id, oneEvent.event,
		)
	}
	return nil
}
