package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/ranger/common"
	"github.com/alwitt/ranger/core"
	"github.com/alwitt/ranger/ranger"
	"github.com/apex/log"
	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
)

type recordingPublisher struct {
	keys     []string
	payloads [][]byte
	failAt   int
}

func (p *recordingPublisher) Publish(
	_ context.Context, exchange, scope, id, event string, payload interface{},
) error {
	if p.failAt > 0 && len(p.keys)+1 == p.failAt {
		return fmt.Errorf("dummy error")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.keys = append(p.keys, common.RoutingKey{Type: scope, ID: id, Event: event}.String())
	p.payloads = append(p.payloads, data)
	return nil
}

func TestInjectorSequence(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 1: full sequence in order
	publisher := &recordingPublisher{}
	assert.Nil(RunInjector(context.Background(), "peatio.events.ranger", "testing", publisher))
	assert.Equal([]string{
		"public.global.tickers",
		"public.eurusd.update",
		"private.IDABC0000001.order",
		"private.IDABC0000001.trade",
		"private.IDABC0000002.trade",
		"public.eurusd.trades",
		"public.eurusd.ob-inc",
		"public.eurusd.ob-snap",
		"public.eurusd.ob-inc",
		"public.eurusd.ob-inc",
	}, publisher.keys)

	// Case 2: stop on first failure
	publisher = &recordingPublisher{failAt: 3}
	assert.NotNil(RunInjector(context.Background(), "peatio.events.ranger", "testing", publisher))
	assert.Len(publisher.keys, 2)
}

func TestInjectorSequenceThroughRouter(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	publisher := &recordingPublisher{}
	assert.Nil(RunInjector(context.Background(), "peatio.events.ranger", "testing", publisher))

	router := ranger.NewRouter("testing")
	for idx, key := range publisher.keys {
		router.OnMessage(key, publisher.payloads[idx])
	}

	// The leading increment has no snapshot, the two after the snapshot are buffered
	stats := router.Stats()
	assert.Equal(uint64(10), stats.BusMessages)
	assert.Equal(uint64(1), stats.OrphanIncrements)
	assert.Equal(uint64(0), stats.InvalidRoutingKeys)
	assert.Equal(uint64(0), stats.InvalidPayloads)
	assert.Equal(1, stats.Stores)
	assert.Equal(2, stats.BufferedIncrements)
}

func TestInspectorLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	server := natsserver.RunServer(&opts)
	defer server.Shutdown()

	wg := sync.WaitGroup{}
	defer wg.Wait()

	nc, err := core.GetNATSClient(core.NATSConnectParams{
		ServerURI:           server.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
	})
	assert.Nil(err)
	defer func() {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		nc.Close(ctxt)
	}()

	exchange := fmt.Sprintf("ut.%s", uuid.New().String())
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- RunInspector(utCtxt, exchange, "testing", &nc, &wg)
	}()

	// Case 1: traffic does not stop the inspector
	time.Sleep(time.Millisecond * 100)
	assert.Nil(nc.NATs().Publish(
		common.RoutingKey{Type: "public", ID: "eurusd", Event: "trades"}.Subject(exchange),
		[]byte(`{"trades":[]}`),
	))
	select {
	case err := <-done:
		assert.Failf("inspector exited early", "%v", err)
	case <-time.After(time.Millisecond * 200):
	}

	// Case 2: cancel stops the inspector
	utCtxtCancel()
	select {
	case err := <-done:
		assert.Nil(err)
	case <-time.After(time.Second * 2):
		assert.Fail("inspector did not exit")
	}
}
