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

package common

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Event delivery scopes
const (
	// ScopePublic events are delivered to subscribers of "<id>.<event>"
	ScopePublic = "public"
	// ScopePrivate events are delivered to connections of the user "<id>"
	ScopePrivate = "private"
)

// ErrInvalidRoutingKey is returned when a routing key does not follow "type.id.event"
var ErrInvalidRoutingKey = errors.New("invalid routing key")

// RoutingKey is the bus tag of an event
//
// Format: "type.id.event"
//   - type is "public" or "private"
//   - id is a user id (private) or market / object id (public)
//   - event is the event name, ex: order, trade, ob-snap, ob-inc
type RoutingKey struct {
	Type  string `json:"type" validate:"required,oneof=public private"`
	ID    string `json:"id" validate:"required,excludesall=. *>"`
	Event string `json:"event" validate:"required,excludesall=. *>"`
}

// String toString function
func (k RoutingKey) String() string {
	return fmt.Sprintf("%s.%s.%s", k.Type, k.ID, k.Event)
}

// Subject the NATS subject carrying this routing key on an exchange
func (k RoutingKey) Subject(exchange string) string {
	return fmt.Sprintf("%s.%s", exchange, k.String())
}

// Validate validate the routing key content
func (k RoutingKey) Validate(validate *validator.Validate) error {
	if err := validate.Struct(&k); err != nil {
		return fmt.Errorf("%w %s: %s", ErrInvalidRoutingKey, k.String(), err.Error())
	}
	return nil
}

// ParseRoutingKey split a routing key into its three segments
//
// This only checks the structure of the key. Whether the type is known is left to the caller.
func ParseRoutingKey(key string) (RoutingKey, error) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 {
		return RoutingKey{}, fmt.Errorf("%w '%s': expected 3 segments", ErrInvalidRoutingKey, key)
	}
	return RoutingKey{Type: parts[0], ID: parts[1], Event: parts[2]}, nil
}

// ExchangeSubjectFilter the NATS subject filter matching every routing key on an exchange
func ExchangeSubjectFilter(exchange string) string {
	return fmt.Sprintf("%s.>", exchange)
}

// RoutingKeyFromSubject strip the exchange prefix from a NATS subject
func RoutingKeyFromSubject(exchange, subject string) (string, error) {
	prefix := exchange + "."
	if !strings.HasPrefix(subject, prefix) {
		return "", fmt.Errorf(
			"%w: subject %s is not part of exchange %s", ErrInvalidRoutingKey, subject, exchange,
		)
	}
	return strings.TrimPrefix(subject, prefix), nil
}
