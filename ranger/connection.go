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
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/alwitt/ranger/auth"
	"github.com/alwitt/ranger/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Socket is the outbound side of a client transport
type Socket interface {
	// Send queue one text frame for the client. Must not block.
	Send(frame []byte) error
}

// HandshakeRequest is the part of the transport open request a connection needs
type HandshakeRequest struct {
	// Query is the connect URI query. Each "stream" value is an initial subscription.
	Query url.Values
	// Header is the connect request header
	Header http.Header
}

// Connection is the protocol state of one client
//
// A Connection is not safe for concurrent use. It must only be driven from the goroutine
// which owns its Router.
type Connection struct {
	common.Component
	id            string
	user          string
	authorized    bool
	streams       map[string]struct{}
	socket        Socket
	router        *Router
	authenticator auth.Authenticator
}

// NewConnection define a new connection bound to a router
func NewConnection(router *Router, socket Socket) *Connection {
	id := uuid.New().String()
	return &Connection{
		Component: common.Component{LogTags: log.Fields{
			"module": "ranger", "component": "connection", "instance": id,
		}},
		id:      id,
		streams: make(map[string]struct{}),
		socket:  socket,
		router:  router,
	}
}

// ID the connection ID
func (c *Connection) ID() string {
	return c.id
}

// User the authenticated user, "" if anonymous
func (c *Connection) User() string {
	return c.user
}

// Authorized whether the connection presented a valid token
func (c *Connection) Authorized() bool {
	return c.authorized
}

// Streams the subscribed streams, sorted
func (c *Connection) Streams() []string {
	result := make([]string, 0, len(c.streams))
	for stream := range c.streams {
		result = append(result, stream)
	}
	sort.Strings(result)
	return result
}

// IsSubscribed whether the connection wants a stream delivered
func (c *Connection) IsSubscribed(stream string) bool {
	_, ok := c.streams[stream]
	return ok
}

// String toString function
func (c *Connection) String() string {
	if c.authorized {
		return fmt.Sprintf("<Connection id=%s user=%s>", c.id, c.user)
	}
	return fmt.Sprintf("<Connection id=%s>", c.id)
}

// Handshake accept the transport open request
//
// A request carrying an "Authorization" header must present a valid bearer token. On
// failure an *auth.Error is returned and the connection is not registered with the router.
// Otherwise the connection is registered, and subscribed to the streams named in the query.
func (c *Connection) Handshake(authenticator auth.Authenticator, request HandshakeRequest) error {
	c.authenticator = authenticator
	if headers := request.Header.Values("Authorization"); len(headers) > 0 {
		claims, err := c.authenticate(headers[0])
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Handshake authentication failed")
			return err
		}
		c.user = claims.UID
		c.authorized = true
		log.WithFields(c.LogTags).Debugf("User %s authenticated", c.user)
	}
	c.router.OnConnectionOpen(c)
	if err := c.Subscribe(request.Query["stream"]); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Unable to send subscribe reply")
	}
	return nil
}

// authenticate verify an "Authorization" header value
func (c *Connection) authenticate(header string) (*auth.Claims, error) {
	if c.authenticator == nil {
		return nil, &auth.Error{Reason: "authentication is not enabled"}
	}
	return c.authenticator.Authenticate(header)
}

// Subscribe add streams to the subscription set, and reply with the resulting set
func (c *Connection) Subscribe(streams []string) error {
	for _, stream := range streams {
		if stream == "" || c.IsSubscribed(stream) {
			continue
		}
		c.streams[stream] = struct{}{}
		c.router.OnSubscribe(c, stream)
	}
	return c.Send("success", subscriptionReply{Message: "subscribed", Streams: c.Streams()})
}

// Unsubscribe remove streams from the subscription set, and reply with the resulting set
func (c *Connection) Unsubscribe(streams []string) error {
	for _, stream := range streams {
		if stream == "" || !c.IsSubscribed(stream) {
			continue
		}
		delete(c.streams, stream)
		c.router.OnUnsubscribe(c, stream)
	}
	return c.Send("success", subscriptionReply{Message: "unsubscribed", Streams: c.Streams()})
}

// subscriptionReply is the body of a subscribe / unsubscribe reply
type subscriptionReply struct {
	Message string   `json:"message"`
	Streams []string `json:"streams"`
}

// messageReply is the body of a plain reply
type messageReply struct {
	Message string `json:"message"`
}

// clientFrame is a JSON frame sent by the client
type clientFrame struct {
	Event   string          `json:"event"`
	Streams json.RawMessage `json:"streams"`
	JWT     *string         `json:"jwt"`
}

// errStreamsNotStrings is a protocol error on subscribe / unsubscribe
var errStreamsNotStrings = errors.New("streams must be an array of strings")

// Handle process one client text frame
//
// A frame carrying "jwt" authenticates first. Its "event", if any, is processed afterwards
// whether or not authentication succeeded. Frames which are not understood are ignored.
func (c *Connection) Handle(raw []byte) {
	if len(raw) == 0 {
		return
	}
	if string(raw) == "ping" {
		if err := c.SendRaw([]byte("pong")); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Unable to send pong")
		}
		return
	}
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debugf("Ignoring frame `%s`", raw)
		return
	}
	if frame.JWT != nil {
		c.reauthenticate(*frame.JWT)
		if frame.Event == "" {
			return
		}
	}
	var err error
	switch frame.Event {
	case "subscribe":
		var streams []string
		if streams, err = decodeStreams(frame.Streams); err == nil {
			err = c.Subscribe(streams)
		}
	case "unsubscribe":
		var streams []string
		if streams, err = decodeStreams(frame.Streams); err == nil {
			err = c.Unsubscribe(streams)
		}
	default:
		log.WithFields(c.LogTags).Debugf("Ignoring frame `%s`", raw)
	}
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Debugf("Unable to process `%s`", raw)
	}
}

// decodeStreams parse the streams argument of subscribe / unsubscribe
func decodeStreams(raw json.RawMessage) ([]string, error) {
	var streams []string
	if len(raw) == 0 {
		return nil, errStreamsNotStrings
	}
	if err := json.Unmarshal(raw, &streams); err != nil || streams == nil {
		return nil, errStreamsNotStrings
	}
	return streams, nil
}

// reauthenticate process a message based authentication request
func (c *Connection) reauthenticate(header string) {
	claims, err := c.authenticate(header)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Message authentication failed")
		if err := c.Send("error", messageReply{Message: "Authentication failed."}); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Unable to send reply")
		}
		return
	}
	previousUser := ""
	if c.authorized {
		previousUser = c.user
	}
	c.user = claims.UID
	c.authorized = true
	c.router.OnConnectionAuthenticated(c, previousUser)
	log.WithFields(c.LogTags).Debugf("User %s authenticated", c.user)
	if err := c.Send("success", messageReply{Message: "Authenticated."}); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Unable to send reply")
	}
}

// Send serialize {event: data} and send it as one frame
func (c *Connection) Send(event string, data interface{}) error {
	frame, err := json.Marshal(map[string]interface{}{event: data})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to encode %s frame", event)
		return err
	}
	return c.SendRaw(frame)
}

// SendRaw send a serialized frame verbatim
func (c *Connection) SendRaw(frame []byte) error {
	log.WithFields(c.LogTags).Debugf("Sending to user '%s': %s", c.user, frame)
	return c.socket.Send(frame)
}
