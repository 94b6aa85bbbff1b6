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
	"encoding/json"
	"time"

	"github.com/alwitt/ranger/common"
	"github.com/alwitt/ranger/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Publisher publishes events onto an exchange
type Publisher interface {
	// Publish JSON-encode payload and publish it under the routing key "scope.id.event".
	// A json.RawMessage payload is published verbatim.
	Publish(ctxt context.Context, exchange, scope, id, event string, payload interface{}) error
}

// publisherImpl implements Publisher
type publisherImpl struct {
	common.Component
	nats     *core.NatsClient
	timeout  time.Duration
	validate *validator.Validate
}

// GetPublisher get new Publisher
//
// Each publish waits up to timeout for the server to acknowledge the flush.
func GetPublisher(
	natsClient *core.NatsClient, instance string, timeout time.Duration,
) (Publisher, error) {
	logTags := log.Fields{
		"module": "bus", "component": "publisher", "instance": instance,
	}
	return &publisherImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		timeout:   timeout,
		validate:  validator.New(),
	}, nil
}

// Publish JSON-encode payload and publish it under the routing key "scope.id.event"
func (s *publisherImpl) Publish(
	ctxt context.Context, exchange, scope, id, event string, payload interface{},
) error {
	key := common.RoutingKey{Type: scope, ID: id, Event: event}
	if err := key.Validate(s.validate); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to publish event")
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to encode %s payload", key)
		return err
	}
	subject := key.Subject(exchange)
	if err := s.nats.NATs().Publish(subject, data); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to send %s", subject)
		return err
	}
	flushCtxt, cancel := context.WithTimeout(ctxt, s.timeout)
	defer cancel()
	if err := s.nats.NATs().FlushWithContext(flushCtxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Flush after %s failed", subject)
		return err
	}
	log.WithFields(s.LogTags).Debugf("Sent %s (%dB)", subject, len(data))
	return nil
}
