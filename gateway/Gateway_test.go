package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charge_core/common"
)

func accepting(delay time.Duration) Function {
	return func(serial string, payload []byte, responseChannel chan common.Response) {
		time.Sleep(delay)
		responseChannel <- common.Response{Payload: map[string]interface{}{"status": "Accepted"}}
	}
}

func TestSendRejectsOfflineDevice(t *testing.T) {
	g := New(time.Second)
	g.AddHandler("reset", accepting(0))

	_, err := g.Send(context.Background(), "CP001", "reset", nil)
	assert.ErrorIs(t, err, common.ErrDeviceOffline)
}

func TestSendDeliversAcknowledgment(t *testing.T) {
	g := New(time.Second)
	g.AddHandler("reset", accepting(0))
	g.MarkConnected("CP001")

	response, err := g.Send(context.Background(), "CP001", "reset", nil)
	require.NoError(t, err)
	require.Nil(t, response.Err)
	payload := response.Payload.(map[string]interface{})
	assert.Equal(t, "Accepted", payload["status"])
}

func TestSendTimesOut(t *testing.T) {
	g := New(50 * time.Millisecond)
	g.AddHandler("reset", func(serial string, payload []byte, responseChannel chan common.Response) {
		// never answers within the deadline
		time.Sleep(time.Second)
		responseChannel <- common.Response{}
	})
	g.MarkConnected("CP001")

	start := time.Now()
	_, err := g.Send(context.Background(), "CP001", "reset", nil)
	assert.ErrorIs(t, err, common.ErrCommandTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLateAcknowledgmentIsDrainedAndIgnored(t *testing.T) {
	g := New(50 * time.Millisecond)

	var calls atomic.Int32
	g.AddHandler("reset", func(serial string, payload []byte, responseChannel chan common.Response) {
		if calls.Add(1) == 1 {
			// answers well past the deadline
			time.Sleep(150 * time.Millisecond)
			responseChannel <- common.Response{Payload: map[string]interface{}{"status": "Late"}}
			return
		}
		responseChannel <- common.Response{Payload: map[string]interface{}{"status": "Accepted"}}
	})
	g.MarkConnected("CP001")

	_, err := g.Send(context.Background(), "CP001", "reset", nil)
	assert.ErrorIs(t, err, common.ErrCommandTimeout)

	// The straggling answer must not be delivered to the next command.
	response, err := g.Send(context.Background(), "CP001", "reset", nil)
	require.NoError(t, err)
	payload := response.Payload.(map[string]interface{})
	assert.Equal(t, "Accepted", payload["status"])
	assert.EqualValues(t, 2, calls.Load())
}

func TestCommandsForOneSerialAreSerialized(t *testing.T) {
	g := New(time.Second)

	var mu sync.Mutex
	var inFlight, maxInFlight int
	g.AddHandler("reset", func(serial string, payload []byte, responseChannel chan common.Response) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		responseChannel <- common.Response{}
	})
	g.MarkConnected("CP001")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Send(context.Background(), "CP001", "reset", nil)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "one device must never see concurrent commands")
}

func TestDifferentSerialsRunInParallel(t *testing.T) {
	g := New(time.Second)
	g.AddHandler("reset", accepting(50*time.Millisecond))
	g.MarkConnected("CP001")
	g.MarkConnected("CP002")

	start := time.Now()
	var wg sync.WaitGroup
	for _, serial := range []string{"CP001", "CP002"} {
		wg.Add(1)
		go func(serial string) {
			defer wg.Done()
			g.Send(context.Background(), serial, "reset", nil)
		}(serial)
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 90*time.Millisecond)
}
