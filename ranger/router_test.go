package ranger

import (
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"github.com/alwitt/ranger/auth"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// recordingSocket captures the frames sent to a client
type recordingSocket struct {
	frames []string
	fail   bool
}

func (s *recordingSocket) Send(frame []byte) error {
	if s.fail {
		return fmt.Errorf("queue full")
	}
	s.frames = append(s.frames, string(frame))
	return nil
}

// take return and clear the captured frames
func (s *recordingSocket) take() []string {
	result := s.frames
	s.frames = nil
	return result
}

// staticAuthenticator accepts "Bearer <uid>" for known uids
type staticAuthenticator struct {
	users map[string]bool
}

func (a staticAuthenticator) Authenticate(header string) (*auth.Claims, error) {
	var uid string
	if _, err := fmt.Sscanf(header, "Bearer %s", &uid); err != nil || !a.users[uid] {
		return nil, &auth.Error{Reason: "unknown user"}
	}
	return &auth.Claims{UID: uid}, nil
}

func openConnection(
	t *testing.T, router *Router, authenticator auth.Authenticator, user string, streams ...string,
) (*Connection, *recordingSocket) {
	socket := &recordingSocket{}
	c := NewConnection(router, socket)
	request := HandshakeRequest{Query: url.Values{"stream": streams}, Header: http.Header{}}
	if user != "" {
		request.Header.Set("Authorization", "Bearer "+user)
	}
	assert.Nil(t, c.Handshake(authenticator, request))
	socket.take()
	return c, socket
}

func TestStoreKey(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("eurusd.ob", StoreKey("eurusd.ob-snap"))
	assert.Equal("eurusd.ob", StoreKey("eurusd.ob-inc"))
	assert.Equal("eurusd.trades", StoreKey("eurusd.trades"))
	assert.True(IsSnapshotStream("ob-snap"))
	assert.False(IsSnapshotStream("ob-inc"))
	assert.True(IsIncrementStream("eurusd.ob-inc"))
	assert.False(IsIncrementStream("eurusd.trades"))
}

func TestRouterAnonymousLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRouter(uuid.New().String())
	authenticator := staticAuthenticator{}

	// Case 1: two anonymous connections on shared streams
	c1, _ := openConnection(t, uut, authenticator, "", "some-feed")
	c2, _ := openConnection(t, uut, authenticator, "", "some-feed", "another-feed")
	assert.Len(uut.connections, 2)
	assert.Len(uut.connectionsByUser, 0)
	assert.Len(uut.streamSubscribers["some-feed"], 2)
	assert.Len(uut.streamSubscribers["another-feed"], 1)

	// Case 2: subscribing twice does not duplicate
	assert.Nil(c1.Subscribe([]string{"some-feed", "some-feed"}))
	uut.OnSubscribe(c1, "some-feed")
	assert.Len(uut.streamSubscribers["some-feed"], 2)

	// Case 3: closing both empties every registry
	uut.OnConnectionClose(c1)
	uut.OnConnectionClose(c2)
	assert.Empty(uut.connections)
	assert.Empty(uut.connectionsByUser)
	assert.Empty(uut.streamSubscribers)
}

func TestRouterAuthenticatedLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRouter(uuid.New().String())
	authenticator := staticAuthenticator{users: map[string]bool{"user1": true, "user2": true}}

	c1, _ := openConnection(t, uut, authenticator, "user1")
	c2, _ := openConnection(t, uut, authenticator, "user2")

	// Case 1: users are indexed
	{
		assert.Len(uut.connectionsByUser, 2)
		assert.Equal(connectionSet{c1.ID(): c1}, uut.connectionsByUser["user1"])
		assert.Equal(connectionSet{c2.ID(): c2}, uut.connectionsByUser["user2"])
		assert.True(c1.Authorized())
		assert.Equal("user1", c1.User())
	}

	// Case 2: failed handshake registers nothing
	{
		socket := &recordingSocket{}
		c3 := NewConnection(uut, socket)
		header := http.Header{}
		header.Set("Authorization", "Bearer user3")
		err := c3.Handshake(authenticator, HandshakeRequest{
			Query: url.Values{"stream": []string{"eurusd.trades"}}, Header: header,
		})
		assert.NotNil(err)
		assert.Len(uut.connections, 2)
		assert.Empty(uut.streamSubscribers)
		assert.Empty(socket.frames)
	}

	// Case 3: closing both empties every registry
	{
		uut.OnConnectionClose(c1)
		uut.OnConnectionClose(c2)
		assert.Empty(uut.connections)
		assert.Empty(uut.connectionsByUser)
		assert.Empty(uut.streamSubscribers)
	}
}

func TestRouterSnapshotIncrementReplay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRouter(uuid.New().String())
	authenticator := staticAuthenticator{}

	// Case 1: late subscriber gets snapshot then increments
	uut.OnMessage("public.abc.object-snap", []byte(`[1,2,3]`))
	uut.OnMessage("public.abc.object-inc", []byte(`[4]`))
	c1, s1 := openConnection(t, uut, authenticator, "")
	assert.Nil(c1.Subscribe([]string{"abc.object-inc"}))
	assert.Equal(
		[]string{
			`{"abc.object-snap":[1,2,3]}`,
			`{"abc.object-inc":[4]}`,
			`{"success":{"message":"subscribed","streams":["abc.object-inc"]}}`,
		},
		s1.take(),
	)

	// Case 2: a later snapshot is not broadcast, the following increment is
	uut.OnMessage("public.abc.object-snap", []byte(`[1,2,3,4]`))
	assert.Empty(s1.take())
	uut.OnMessage("public.abc.object-inc", []byte(`[5]`))
	assert.Equal([]string{`{"abc.object-inc":[5]}`}, s1.take())

	// Case 3: the store holds only the increments since the last snapshot
	{
		store := uut.stores["abc.object"]
		assert.Equal(`{"abc.object-snap":[1,2,3,4]}`, string(store.snapshot))
		assert.Len(store.increments, 1)
		assert.Equal(`{"abc.object-inc":[5]}`, string(store.increments[0]))
	}

	// Case 4: a second late subscriber replays the new lineage
	c2, s2 := openConnection(t, uut, authenticator, "")
	assert.Nil(c2.Subscribe([]string{"abc.object-inc"}))
	assert.Equal(
		[]string{
			`{"abc.object-snap":[1,2,3,4]}`,
			`{"abc.object-inc":[5]}`,
			`{"success":{"message":"subscribed","streams":["abc.object-inc"]}}`,
		},
		s2.take(),
	)
	uut.OnMessage("public.abc.object-inc", []byte(`[6]`))
	assert.Equal([]string{`{"abc.object-inc":[6]}`}, s2.take())
	assert.Equal([]string{`{"abc.object-inc":[6]}`}, s1.take())

	// Case 5: snapshot subscribers get no snapshot broadcast
	_, s3 := openConnection(t, uut, authenticator, "", "abc.object-snap")
	uut.OnMessage("public.abc.object-snap", []byte(`[7]`))
	assert.Empty(s3.take())

	stats := uut.Stats()
	assert.Equal(1, stats.Stores)
	assert.Equal(0, stats.BufferedIncrements)
	assert.Equal(3, stats.Connections)
}

func TestRouterHandshakeReplayOrdering(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRouter(uuid.New().String())
	uut.OnMessage("public.eurusd.ob-snap", []byte(`{"asks":[],"bids":[]}`))
	uut.OnMessage("public.eurusd.ob-inc", []byte(`{"asks":[["1.0","2"]]}`))

	socket := &recordingSocket{}
	c := NewConnection(uut, socket)
	assert.Nil(c.Handshake(staticAuthenticator{}, HandshakeRequest{
		Query: url.Values{"stream": []string{"eurusd.ob-inc"}}, Header: http.Header{},
	}))
	assert.Equal(
		[]string{
			`{"eurusd.ob-snap":{"asks":[],"bids":[]}}`,
			`{"eurusd.ob-inc":{"asks":[["1.0","2"]]}}`,
			`{"success":{"message":"subscribed","streams":["eurusd.ob-inc"]}}`,
		},
		socket.take(),
	)
}

func TestRouterOrphanIncrement(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRouter(uuid.New().String())
	authenticator := staticAuthenticator{}
	_, early := openConnection(t, uut, authenticator, "", "abc.object-inc")

	// Case 1: increment without snapshot is dropped
	uut.OnMessage("public.abc.object-inc", []byte(`[4]`))
	assert.Empty(early.take())
	assert.Empty(uut.stores)
	assert.Equal(uint64(1), uut.Stats().OrphanIncrements)

	// Case 2: first snapshot seeds early increment subscribers
	uut.OnMessage("public.abc.object-snap", []byte(`[1,2,3]`))
	assert.Equal([]string{`{"abc.object-snap":[1,2,3]}`}, early.take())
	uut.OnMessage("public.abc.object-inc", []byte(`[4]`))
	assert.Equal([]string{`{"abc.object-inc":[4]}`}, early.take())

	// Case 3: late subscriber behaves as usual
	c, late := openConnection(t, uut, authenticator, "")
	assert.Nil(c.Subscribe([]string{"abc.object-inc"}))
	assert.Equal(
		[]string{
			`{"abc.object-snap":[1,2,3]}`,
			`{"abc.object-inc":[4]}`,
			`{"success":{"message":"subscribed","streams":["abc.object-inc"]}}`,
		},
		late.take(),
	)
}

func TestRouterPrivateDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRouter(uuid.New().String())
	authenticator := staticAuthenticator{users: map[string]bool{"user42": true, "user7": true}}

	_, subscribed := openConnection(t, uut, authenticator, "user42", "order_created")
	_, notSubscribed := openConnection(t, uut, authenticator, "user42", "trade")
	_, otherUser := openConnection(t, uut, authenticator, "user7", "order_created")
	_, anonymous := openConnection(t, uut, authenticator, "", "order_created")

	uut.OnMessage("private.user42.order_created", []byte(`{"id": 1, "state": "wait"}`))
	assert.Equal([]string{`{"order_created":{"id":1,"state":"wait"}}`}, subscribed.take())
	assert.Empty(notSubscribed.take())
	assert.Empty(otherUser.take())
	assert.Empty(anonymous.take())

	// Private events never touch the public registries
	assert.Empty(uut.stores)
}

func TestRouterPublicBroadcast(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := NewRouter(uuid.New().String())
	authenticator := staticAuthenticator{}
	c1, s1 := openConnection(t, uut, authenticator, "", "eurusd.trades")
	_, s2 := openConnection(t, uut, authenticator, "", "eurusd.trades", "global.tickers")

	// Case 1: broadcast to all stream subscribers
	uut.OnMessage("public.eurusd.trades", []byte(`{"trades":[{"tid":1}]}`))
	assert.Equal([]string{`{"eurusd.trades":{"trades":[{"tid":1}]}}`}, s1.take())
	assert.Equal([]string{`{"eurusd.trades":{"trades":[{"tid":1}]}}`}, s2.take())

	// Case 2: unsubscribed connections no longer receive
	assert.Nil(c1.Unsubscribe([]string{"eurusd.trades"}))
	assert.Equal(
		[]string{`{"success":{"message":"unsubscribed","streams":[]}}`}, s1.take(),
	)
	uut.OnMessage("public.eurusd.trades", []byte(`[]`))
	assert.Empty(s1.take())
	assert.Equal([]string{`{"eurusd.trades":[]}`}, s2.take())

	// Case 3: invalid routing keys and payloads are dropped
	uut.OnMessage("public.eurusd", []byte(`[]`))
	uut.OnMessage("public.eurusd.trades.extra", []byte(`[]`))
	uut.OnMessage("public.eurusd.trades", []byte(`not json`))
	assert.Empty(s2.take())
	stats := uut.Stats()
	assert.Equal(uint64(2), stats.InvalidRoutingKeys)
	assert.Equal(uint64(1), stats.InvalidPayloads)
	assert.Equal(uint64(5), stats.BusMessages)

	// Case 4: a failing socket does not stop delivery to others
	s1.fail = true
	assert.NotNil(c1.Subscribe([]string{"global.tickers"}))
	uut.OnMessage("public.global.tickers", []byte(`{}`))
	assert.Equal([]string{`{"global.tickers":{}}`}, s2.take())
}
