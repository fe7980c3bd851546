package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitalfleet/swarmcore/agentid"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []Envelope
	failN    int // fail the next failN calls
	deliverTo *Bus
}

func (f *fakeTransport) Send(ctx context.Context, env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("transient transport failure")
	}
	f.sent = append(f.sent, env)
	if f.deliverTo != nil {
		f.deliverTo.Deliver(env)
	}
	return nil
}

func TestPublishAtMostOnceDropsOnFailure(t *testing.T) {
	tr := &fakeTransport{failN: 1}
	b := New(agentid.ID("A"), tr)
	err := b.Publish(context.Background(), "health/summary", []byte("x"), AtMostOnce)
	require.NoError(t, err)
	require.Empty(t, tr.sent)
}

func TestPublishAtLeastOnceRetriesThenSucceeds(t *testing.T) {
	tr := &fakeTransport{failN: 2}
	b := New(agentid.ID("A"), tr, WithRetry(5, time.Millisecond))
	err := b.Publish(context.Background(), "coord/heartbeat", []byte("x"), AtLeastOnce)
	require.NoError(t, err)
	require.Len(t, tr.sent, 1)
}

func TestPublishAtLeastOnceExhaustsRetries(t *testing.T) {
	tr := &fakeTransport{failN: 100}
	b := New(agentid.ID("A"), tr, WithRetry(3, time.Millisecond))
	err := b.Publish(context.Background(), "coord/heartbeat", []byte("x"), AtLeastOnce)
	require.Error(t, err)
}

func TestBackpressureRejectsOverLimit(t *testing.T) {
	tr := &fakeTransport{}
	b := New(agentid.ID("A"), tr, WithBackpressureLimit(0))
	err := b.Publish(context.Background(), "health/summary", []byte("x"), AtMostOnce)
	require.ErrorIs(t, err, ErrBackpressure)
}

func TestDeliverDedupesExactlyOnce(t *testing.T) {
	b := New(agentid.ID("A"), &fakeTransport{})
	var count int
	b.Subscribe("coord/proposal_request", ExactlyOnce, func(env Envelope) { count++ })

	env := Envelope{Topic: "coord/proposal_request", SenderID: agentid.ID("B"), MsgID: 1, QoS: ExactlyOnce}
	b.Deliver(env)
	b.Deliver(env) // duplicate
	require.Equal(t, 1, count)
}

func TestDeliverPreservesOrderPerTopicSender(t *testing.T) {
	b := New(agentid.ID("A"), &fakeTransport{})
	var mu sync.Mutex
	var got []uint64
	b.Subscribe("control/action_command", AtLeastOnce, func(env Envelope) {
		mu.Lock()
		got = append(got, env.MsgID)
		mu.Unlock()
	})

	// deliver out of order: 2 arrives before 1
	b.Deliver(Envelope{Topic: "control/action_command", SenderID: agentid.ID("B"), MsgID: 2, QoS: AtLeastOnce})
	require.Empty(t, got) // buffered, waiting for 1
	b.Deliver(Envelope{Topic: "control/action_command", SenderID: agentid.ID("B"), MsgID: 1, QoS: AtLeastOnce})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{1, 2}, got)
}

func TestPublishAcrossTopicsDoesNotStallOrderedDelivery(t *testing.T) {
	sender := New(agentid.ID("B"), &fakeTransport{})
	receiver := New(agentid.ID("A"), &fakeTransport{})

	var mu sync.Mutex
	var heartbeats []uint64
	receiver.Subscribe("coord/heartbeat", AtLeastOnce, func(env Envelope) {
		mu.Lock()
		heartbeats = append(heartbeats, env.MsgID)
		mu.Unlock()
	})

	publish := func(topic string) {
		env := Envelope{Topic: topic, SenderID: sender.selfID, MsgID: sender.nextMsgID(topic), QoS: AtLeastOnce}
		receiver.Deliver(env)
	}

	// Interleave publishes on two topics from the same sender: if MsgID were
	// drawn from one counter shared across topics, coord/heartbeat would see
	// non-contiguous values (1, 4) and the second heartbeat would never
	// flush out of the pending buffer.
	publish("coord/heartbeat") // heartbeat seq 1
	publish("health/summary")  // unrelated topic, same sender
	publish("health/summary")  // unrelated topic, same sender
	publish("coord/heartbeat") // heartbeat seq 2

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{1, 2}, heartbeats)
}

func TestDedupPrunedBehindOrderingBaseline(t *testing.T) {
	b := New(agentid.ID("A"), &fakeTransport{})
	b.Subscribe("coord/proposal_request", ExactlyOnce, func(env Envelope) {})

	for i := uint64(1); i <= 5; i++ {
		b.Deliver(Envelope{Topic: "coord/proposal_request", SenderID: agentid.ID("B"), MsgID: i, QoS: ExactlyOnce})
	}

	key := orderKey{topic: "coord/proposal_request", sender: agentid.ID("B")}
	b.mu.Lock()
	remaining := len(b.dedup[key])
	b.mu.Unlock()
	// Every MsgID below the current expected baseline has already been
	// delivered and can never recur, so it should have been pruned rather
	// than accumulating forever.
	require.LessOrEqual(t, remaining, 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(agentid.ID("A"), &fakeTransport{})
	var count int
	sub := b.Subscribe("health/summary", AtMostOnce, func(env Envelope) { count++ })
	b.Deliver(Envelope{Topic: "health/summary", SenderID: agentid.ID("B"), MsgID: 1, QoS: AtMostOnce})
	sub.Unsubscribe()
	b.Deliver(Envelope{Topic: "health/summary", SenderID: agentid.ID("B"), MsgID: 2, QoS: AtMostOnce})
	require.Equal(t, 1, count)
}

func TestUtilizationReflectsFailureRate(t *testing.T) {
	tr := &fakeTransport{}
	b := New(agentid.ID("A"), tr, WithRetry(1, time.Millisecond))
	require.Equal(t, 0.0, b.Utilization())
	tr.failN = 1
	_ = b.Publish(context.Background(), "x", []byte("y"), AtMostOnce)
	require.Greater(t, b.Utilization(), 0.0)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := New(agentid.ID("A"), &fakeTransport{})
	b.Subscribe("health/summary", AtMostOnce, func(env Envelope) { panic("boom") })
	require.NotPanics(t, func() {
		b.Deliver(Envelope{Topic: "health/summary", SenderID: agentid.ID("B"), MsgID: 1, QoS: AtMostOnce})
	})
}
