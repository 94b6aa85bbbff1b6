package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alwitt/goutils"
	"github.com/alwitt/ranger/common"
	"github.com/alwitt/ranger/ranger"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

type fakeStatsReader struct {
	stats ranger.RouterStats
	err   error
}

func (f *fakeStatsReader) Stats(_ context.Context) (ranger.RouterStats, error) {
	return f.stats, f.err
}

type publishedEvent struct {
	exchange string
	key      string
	payload  []byte
}

type fakePublisher struct {
	lock      sync.Mutex
	published []publishedEvent
	err       error
}

func (f *fakePublisher) Publish(
	_ context.Context, exchange, scope, id, event string, payload interface{},
) error {
	if f.err != nil {
		return f.err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.published = append(f.published, publishedEvent{
		exchange: exchange,
		key:      common.RoutingKey{Type: scope, ID: id, Event: event}.String(),
		payload:  data,
	})
	return nil
}

func TestAdminHealth(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ready := true
	var readyErr error
	uut, err := GetAPIRestRangerAdminHandler(
		"ut", &fakeStatsReader{}, &fakePublisher{}, func() (bool, error) {
			return ready, readyErr
		}, &common.HTTPConfig{},
	)
	assert.Nil(err)

	call := func(handler http.HandlerFunc) int {
		req, err := http.NewRequest("GET", "/", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		handler.ServeHTTP(respRecorder, req)
		return respRecorder.Code
	}

	// Case 1: alive
	assert.Equal(http.StatusOK, call(uut.AliveHandler()))

	// Case 2: ready
	assert.Equal(http.StatusOK, call(uut.ReadyHandler()))

	// Case 3: bus disconnected
	ready = false
	assert.Equal(http.StatusInternalServerError, call(uut.ReadyHandler()))

	// Case 4: readiness check failure
	ready = true
	readyErr = fmt.Errorf("dummy error")
	assert.Equal(http.StatusInternalServerError, call(uut.ReadyHandler()))
}

func TestAdminRouterStats(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	stats := &fakeStatsReader{
		stats: ranger.RouterStats{Connections: 3, Streams: 2, FramesDelivered: 17},
	}
	uut, err := GetAPIRestRangerAdminHandler(
		"ut", stats, &fakePublisher{}, func() (bool, error) { return true, nil },
		&common.HTTPConfig{},
	)
	assert.Nil(err)

	router := mux.NewRouter()
	uut.RegisterRoutes(router, "/")

	// Case 1: read the stats
	{
		req, err := http.NewRequest("GET", "/v1/admin/stats", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespRouterStats
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(stats.stats, msg.Stats)
	}

	// Case 2: stats not readable
	stats.err = fmt.Errorf("dummy error")
	{
		req, err := http.NewRequest("GET", "/v1/admin/stats", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusInternalServerError, respRecorder.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.False(msg.Success)
	}
}

func TestAdminPublishEvent(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	publisher := &fakePublisher{}
	uut, err := GetAPIRestRangerAdminHandler(
		"peatio.events.ranger", &fakeStatsReader{}, publisher,
		func() (bool, error) { return true, nil }, &common.HTTPConfig{},
	)
	assert.Nil(err)

	router := mux.NewRouter()
	uut.RegisterRoutes(router, "/ranger")

	post := func(path string, body []byte) int {
		req, err := http.NewRequest("POST", path, bytes.NewReader(body))
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		return respRecorder.Code
	}

	// Case 1: public event
	{
		payload := []byte(`{"asks":[["0.5","1"]],"bids":[]}`)
		assert.Equal(
			http.StatusOK, post("/ranger/v1/admin/event/public/eurusd/ob-snap", payload),
		)
		assert.Len(publisher.published, 1)
		assert.Equal("peatio.events.ranger", publisher.published[0].exchange)
		assert.Equal("public.eurusd.ob-snap", publisher.published[0].key)
		assert.JSONEq(string(payload), string(publisher.published[0].payload))
	}

	// Case 2: private event
	{
		assert.Equal(
			http.StatusOK,
			post("/ranger/v1/admin/event/private/IDABC0000001/order", []byte(`{"id":1}`)),
		)
		assert.Len(publisher.published, 2)
		assert.Equal("private.IDABC0000001.order", publisher.published[1].key)
	}

	// Case 3: unknown scope
	assert.Equal(
		http.StatusBadRequest,
		post("/ranger/v1/admin/event/global/eurusd/trades", []byte(`{}`)),
	)

	// Case 4: payload is not JSON
	assert.Equal(
		http.StatusBadRequest,
		post("/ranger/v1/admin/event/public/eurusd/trades", []byte(`{"trades":`)),
	)
	assert.Len(publisher.published, 2)

	// Case 5: publish failures
	publisher.err = fmt.Errorf("dummy error")
	assert.Equal(
		http.StatusInternalServerError,
		post("/ranger/v1/admin/event/public/eurusd/trades", []byte(`{}`)),
	)
	publisher.err = fmt.Errorf("%w: rejected", common.ErrInvalidRoutingKey)
	assert.Equal(
		http.StatusBadRequest,
		post("/ranger/v1/admin/event/public/eurusd/trades", []byte(`{}`)),
	)

}
