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

package ranger

import (
	"encoding/json"

	"github.com/alwitt/ranger/common"
	"github.com/apex/log"
)

// RouterStats are the router counters
type RouterStats struct {
	// Connections is the number of open connections
	Connections int `json:"connections"`
	// AuthorizedUsers is the number of users with at least one open connection
	AuthorizedUsers int `json:"authorized_users"`
	// Streams is the number of streams with at least one subscriber
	Streams int `json:"streams"`
	// Stores is the number of store keys which received a snapshot
	Stores int `json:"stores"`
	// BufferedIncrements is the number of increments held across all stores
	BufferedIncrements int `json:"buffered_increments"`
	// BusMessages is the number of bus messages received
	BusMessages uint64 `json:"bus_messages"`
	// InvalidRoutingKeys is the number of bus messages dropped for a malformed routing key
	InvalidRoutingKeys uint64 `json:"invalid_routing_keys"`
	// InvalidPayloads is the number of bus messages dropped for a payload which is not JSON
	InvalidPayloads uint64 `json:"invalid_payloads"`
	// OrphanIncrements is the number of increments dropped for lack of a snapshot
	OrphanIncrements uint64 `json:"orphan_increments"`
	// FramesDelivered is the number of frames handed to client sockets
	FramesDelivered uint64 `json:"frames_delivered"`
}

// streamStore is the state of one store key: the last snapshot and the increments after it
type streamStore struct {
	snapshot   []byte
	increments [][]byte
}

// connectionSet set of connections keyed by connection ID
type connectionSet map[string]*Connection

// Router tracks which connection gets which message, and reconciles snapshot and increment
// streams for late subscribers
//
// Router is not safe for concurrent use. All calls, including calls made through the
// Connections bound to it, must come from one goroutine.
type Router struct {
	common.Component
	connections       connectionSet
	connectionsByUser map[string]connectionSet
	streamSubscribers map[string]connectionSet
	stores            map[string]*streamStore
	stats             RouterStats
}

// NewRouter define a new router
func NewRouter(instance string) *Router {
	return &Router{
		Component: common.Component{LogTags: log.Fields{
			"module": "ranger", "component": "router", "instance": instance,
		}},
		connections:       make(connectionSet),
		connectionsByUser: make(map[string]connectionSet),
		streamSubscribers: make(map[string]connectionSet),
		stores:            make(map[string]*streamStore),
	}
}

// addToBucket insert a connection into a keyed set, creating the set on demand
func addToBucket(buckets map[string]connectionSet, key string, c *Connection) {
	bucket, ok := buckets[key]
	if !ok {
		bucket = make(connectionSet)
		buckets[key] = bucket
	}
	bucket[c.id] = c
}

// removeFromBucket remove a connection from a keyed set, pruning the set when empty
func removeFromBucket(buckets map[string]connectionSet, key string, c *Connection) {
	bucket, ok := buckets[key]
	if !ok {
		return
	}
	delete(bucket, c.id)
	if len(bucket) == 0 {
		delete(buckets, key)
	}
}

// OnConnectionOpen register a new connection
func (r *Router) OnConnectionOpen(c *Connection) {
	r.connections[c.id] = c
	if c.authorized {
		addToBucket(r.connectionsByUser, c.user, c)
	}
	log.WithFields(r.LogTags).Debugf("Opened %s", c)
}

// OnConnectionClose unregister a connection from every index
func (r *Router) OnConnectionClose(c *Connection) {
	delete(r.connections, c.id)
	for stream := range c.streams {
		r.OnUnsubscribe(c, stream)
	}
	if c.authorized {
		removeFromBucket(r.connectionsByUser, c.user, c)
	}
	log.WithFields(r.LogTags).Debugf("Closed %s", c)
}

// OnConnectionAuthenticated move an open connection into the bucket of its new user
//
// previousUser is "" when the connection was anonymous.
func (r *Router) OnConnectionAuthenticated(c *Connection, previousUser string) {
	if previousUser != "" {
		removeFromBucket(r.connectionsByUser, previousUser, c)
	}
	if _, ok := r.connections[c.id]; ok && c.authorized {
		addToBucket(r.connectionsByUser, c.user, c)
	}
}

// OnSubscribe add a connection to the stream subscribers
//
// A subscriber of an increment stream is immediately sent the stored snapshot, followed by
// every increment since that snapshot.
func (r *Router) OnSubscribe(c *Connection, stream string) {
	addToBucket(r.streamSubscribers, stream, c)
	if !IsIncrementStream(stream) {
		return
	}
	store, ok := r.stores[StoreKey(stream)]
	if !ok {
		return
	}
	if store.snapshot != nil {
		r.deliverRaw(c, store.snapshot)
	}
	for _, increment := range store.increments {
		r.deliverRaw(c, increment)
	}
}

// OnUnsubscribe remove a connection from the stream subscribers
func (r *Router) OnUnsubscribe(c *Connection, stream string) {
	removeFromBucket(r.streamSubscribers, stream, c)
}

// OnMessage dispatch one bus message
//
// routingKey is "type.id.event". Private messages go to the connections of user "id" which
// subscribed to "event". All others are public, and go to subscribers of stream "id.event".
func (r *Router) OnMessage(routingKey string, payload []byte) {
	r.stats.BusMessages++
	key, err := common.ParseRoutingKey(routingKey)
	if err != nil {
		r.stats.InvalidRoutingKeys++
		log.WithError(err).WithFields(r.LogTags).Error("Dropping bus message")
		return
	}
	if !json.Valid(payload) {
		r.stats.InvalidPayloads++
		log.WithFields(r.LogTags).Errorf("Dropping %s: payload is not JSON", routingKey)
		return
	}

	if key.Type == common.ScopePrivate {
		for _, c := range r.connectionsByUser[key.ID] {
			if c.IsSubscribed(key.Event) {
				r.deliver(c, key.Event, json.RawMessage(payload))
			}
		}
		return
	}

	stream := key.ID + "." + key.Event
	message, err := json.Marshal(map[string]json.RawMessage{stream: payload})
	if err != nil {
		r.stats.InvalidPayloads++
		log.WithError(err).WithFields(r.LogTags).Errorf("Dropping %s", routingKey)
		return
	}

	switch {
	case IsSnapshotStream(key.Event):
		storeKey := StoreKey(stream)
		if _, ok := r.stores[storeKey]; !ok {
			// First snapshot of this store key seeds early increment subscribers
			r.broadcast(incrementStreamOf(storeKey), message)
		}
		r.stores[storeKey] = &streamStore{snapshot: message, increments: [][]byte{}}
		return

	case IsIncrementStream(key.Event):
		storeKey := StoreKey(stream)
		store, ok := r.stores[storeKey]
		if !ok {
			r.stats.OrphanIncrements++
			log.WithFields(r.LogTags).Warnf("Dropping %s: no snapshot for %s yet", routingKey, storeKey)
			return
		}
		store.increments = append(store.increments, message)
	}

	r.broadcast(stream, message)
}

// broadcast send a serialized message to every subscriber of a stream
func (r *Router) broadcast(stream string, message []byte) {
	for _, c := range r.streamSubscribers[stream] {
		r.deliverRaw(c, message)
	}
}

// deliver send {event: data} to one connection
func (r *Router) deliver(c *Connection, event string, data interface{}) {
	if err := c.Send(event, data); err != nil {
		log.WithError(err).WithFields(r.LogTags).Debugf("Delivery to %s failed", c)
		return
	}
	r.stats.FramesDelivered++
}

// deliverRaw send a serialized message to one connection
func (r *Router) deliverRaw(c *Connection, message []byte) {
	if err := c.SendRaw(message); err != nil {
		log.WithError(err).WithFields(r.LogTags).Debugf("Delivery to %s failed", c)
		return
	}
	r.stats.FramesDelivered++
}

// Stats the current router counters
func (r *Router) Stats() RouterStats {
	result := r.stats
	result.Connections = len(r.connections)
	result.AuthorizedUsers = len(r.connectionsByUser)
	result.Streams = len(r.streamSubscribers)
	result.Stores = len(r.stores)
	result.BufferedIncrements = 0
	for _, store := range r.stores {
		result.BufferedIncrements += len(store.increments)
	}
	return result
}

// IsOpen whether the connection is registered
func (r *Router) IsOpen(c *Connection) bool {
	_, ok := r.connections[c.id]
	return ok
}
