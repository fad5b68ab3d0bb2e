package events

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPublishReachesTypedSubscriber(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var trades, alerts atomic.Int64
	cancelTrades := bus.Subscribe(func(n Notification) { trades.Add(1) }, TypeTrade)
	defer cancelTrades()
	cancelAlerts := bus.Subscribe(func(n Notification) { alerts.Add(1) }, TypeAlert)
	defer cancelAlerts()

	bus.Publish(TypeTrade, "t1")
	bus.Publish(TypeTrade, "t2")
	bus.Publish(TypeStateChange, "ignored by both")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && trades.Load() < 2 {
		time.Sleep(time.Millisecond)
	}
	if trades.Load() != 2 {
		t.Errorf("trade handler saw %d, want 2", trades.Load())
	}
	if alerts.Load() != 0 {
		t.Errorf("alert handler saw %d, want 0", alerts.Load())
	}
}

func TestSubscribeAllTypes(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var all atomic.Int64
	cancel := bus.Subscribe(func(n Notification) { all.Add(1) })
	defer cancel()

	bus.Publish(TypeTrade, nil)
	bus.Publish(TypeAlert, nil)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && all.Load() < 2 {
		time.Sleep(time.Millisecond)
	}
	if all.Load() != 2 {
		t.Errorf("catch-all saw %d, want 2", all.Load())
	}
}

func TestObserverPanicDoesNotPropagate(t *testing.T) {
	bus := NewBus(zap.NewNop())

	cancel := bus.Subscribe(func(n Notification) { panic("observer bug") }, TypeAlert)
	defer cancel()

	bus.Publish(TypeAlert, nil) // must not crash the publisher
	time.Sleep(20 * time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var count atomic.Int64
	cancel := bus.Subscribe(func(n Notification) { count.Add(1) }, TypeTrade)

	bus.Publish(TypeTrade, nil)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && count.Load() < 1 {
		time.Sleep(time.Millisecond)
	}

	cancel()
	bus.Publish(TypeTrade, nil)
	time.Sleep(20 * time.Millisecond)

	if count.Load() != 1 {
		t.Errorf("handler saw %d, want exactly 1", count.Load())
	}
}
