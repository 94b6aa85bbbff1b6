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

package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/ranger/common"
	"github.com/alwitt/ranger/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// ForwardEventHandlerCB callback used to forward a bus event to the next pipeline stage
type ForwardEventHandlerCB func(ctxt context.Context, routingKey string, payload []byte) error

// AlertOnErrorCB callback used to expose internal error to an outer context for handling
type AlertOnErrorCB func(err error)

// Subscriber reads every event published on an exchange
//
// All events of the exchange are read through one subscription, so they are forwarded in the
// order the server delivered them.
type Subscriber interface {
	// StartReading begin reading events from the exchange
	StartReading(
		forwardCB ForwardEventHandlerCB,
		errorCB AlertOnErrorCB,
		wg *sync.WaitGroup,
	) error
}

// subscriberImpl implements Subscriber
type subscriberImpl struct {
	common.Component
	exchange  string
	sub       *nats.Subscription
	reading   bool
	forwardCB ForwardEventHandlerCB
	errorCB   AlertOnErrorCB
	lock      sync.Mutex
	ctxt      context.Context
}

// GetSubscriber define new exchange Subscriber
//
// The read loop runs until ctxt is cancelled.
func GetSubscriber(
	ctxt context.Context, natsClient *core.NatsClient, exchange string,
) (Subscriber, error) {
	logTags := log.Fields{
		"module": "bus", "component": "subscriber", "instance": exchange,
	}
	filter := common.ExchangeSubjectFilter(exchange)
	s, err := natsClient.NATs().SubscribeSync(filter)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to subscribe to %s", filter)
		return nil, err
	}
	log.WithFields(logTags).Infof("Subscribed to %s", filter)
	return &subscriberImpl{
		Component: common.Component{LogTags: logTags},
		exchange:  exchange,
		sub:       s,
		ctxt:      ctxt,
	}, nil
}

// StartReading begin reading events from the exchange
func (r *subscriberImpl) StartReading(
	forwardCB ForwardEventHandlerCB,
	errorCB AlertOnErrorCB,
	wg *sync.WaitGroup,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	// Already reading
	if r.reading {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start reading")
		return err
	}
	wg.Add(1)
	r.forwardCB = forwardCB
	r.errorCB = errorCB
	r.reading = true
	go func() {
		defer wg.Done()
		log.WithFields(r.LogTags).Info("Starting reading from exchange")
		defer log.WithFields(r.LogTags).Info("Stopping exchange read loop")
		defer func() {
			if err := r.sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(r.LogTags).Debug("Unsubscribe failed")
			}
		}()
		for {
			newMsg, err := r.sub.NextMsgWithContext(r.ctxt)
			if err != nil {
				if r.ctxt.Err() == nil {
					log.WithError(err).WithFields(r.LogTags).Error("Read failure")
					r.errorCB(err)
				}
				return
			}
			if newMsg == nil {
				continue
			}
			routingKey, err := common.RoutingKeyFromSubject(r.exchange, newMsg.Subject)
			if err != nil {
				log.WithError(err).WithFields(r.LogTags).Error("Dropping message")
				continue
			}
			log.WithFields(r.LogTags).Debugf("Received %s (%dB)", routingKey, len(newMsg.Data))
			if err := r.forwardCB(r.ctxt, routingKey, newMsg.Data); err != nil {
				log.WithError(err).WithFields(r.LogTags).Errorf("Unable to forward %s", routingKey)
				r.errorCB(err)
			}
		}
	}()
	return nil
}
