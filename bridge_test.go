package leap

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	cfg := DefaultConfig("192.0.2.1")
	return NewBridge(BridgeOptions{Config: cfg})
}

func zoneStatus(t *testing.T, jsonBody string) zoneStatusDTO {
	t.Helper()
	var dto zoneStatusDTO
	require.NoError(t, json.Unmarshal([]byte(jsonBody), &dto))
	return dto
}

// TestZoneStatusDispatch is §8 scenario 2: an unsolicited zone status update
// mutates the owning device and fans out to subscribers exactly once.
func TestZoneStatusDispatch(t *testing.T) {
	b := newTestBridge(t)
	zoneID := 1
	b.model.upsertDevice(2, func(d *Device) { d.ZoneID = &zoneID })
	b.model.upsertZone(1, func(z *Zone) { z.DeviceID = 2 })

	var calls int
	var mu sync.Mutex
	unsubscribe := b.AddSubscriber(2, func(d *Device) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	defer unsubscribe()

	b.handleZoneStatus(1, zoneStatus(t, `{"ZoneStatus":{"Level":50,"Zone":{"href":"/zone/1"}}}`))

	dev, ok := b.GetDevice(2)
	require.True(t, ok)
	require.NotNil(t, dev.CurrentState)
	require.Equal(t, 50, *dev.CurrentState)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

// TestButtonEventDispatch is §8 scenario 5.
func TestButtonEventDispatch(t *testing.T) {
	b := newTestBridge(t)

	var gotEvent string
	var gotID int
	unsubscribe := b.AddButtonSubscriber(12, func(eventType string, buttonID int) {
		gotEvent = eventType
		gotID = buttonID
	})
	defer unsubscribe()

	b.handleButtonEvent(8, 2, 12, "Press")

	require.Equal(t, "Press", gotEvent)
	require.Equal(t, 12, gotID)
}

func TestOccupancyDispatchUpdatesGroupAndArea(t *testing.T) {
	b := newTestBridge(t)
	areaID := 3
	b.model.upsertOccupancyGroup(9, func(g *OccupancyGroup) { g.AssociatedAreaID = &areaID })
	b.model.upsertArea(3, func(a *Area) {})

	var got Occupancy
	unsubscribe := b.AddOccupancySubscriber(9, func(o Occupancy) { got = o })
	defer unsubscribe()

	b.handleOccupancyStatus(9, OccupancyOccupied)

	require.Equal(t, OccupancyOccupied, got)
	area, _ := b.GetArea(3)
	require.Equal(t, OccupancyOccupied, area.OccupancyState)
	group, _ := b.model.GetOccupancyGroup(9)
	require.Equal(t, group.Status, area.OccupancyState)
}

// TestObserverPanicDoesNotDisruptOtherSubscribers is §4.4/§7: a failing
// observer is logged and swallowed, delivery to peers proceeds.
func TestObserverPanicDoesNotDisruptOtherSubscribers(t *testing.T) {
	b := newTestBridge(t)
	zoneID := 1
	b.model.upsertDevice(2, func(d *Device) { d.ZoneID = &zoneID })
	b.model.upsertZone(1, func(z *Zone) { z.DeviceID = 2 })

	var secondCalled bool
	unsub1 := b.AddSubscriber(2, func(d *Device) { panic("boom") })
	defer unsub1()
	unsub2 := b.AddSubscriber(2, func(d *Device) { secondCalled = true })
	defer unsub2()

	require.NotPanics(t, func() {
		b.handleZoneStatus(1, zoneStatus(t, `{"ZoneStatus":{"Level":10,"Zone":{"href":"/zone/1"}}}`))
	})
	require.True(t, secondCalled)
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	b := newTestBridge(t)
	var calls int
	unsubscribe := b.AddButtonSubscriber(1, func(string, int) { calls++ })
	b.handleButtonEvent(0, 0, 1, "Press")
	unsubscribe()
	b.handleButtonEvent(0, 0, 1, "Release")
	require.Equal(t, 1, calls)
}

func TestBackoffIsExponentialJitteredAndCapped(t *testing.T) {
	cfg := DefaultConfig("192.0.2.1")
	var prev time.Duration
	for i := 0; i < 10; i++ {
		next := nextBackoff(cfg, prev)
		require.LessOrEqual(t, next, cfg.ReconnectMaxBackoff)
		prev = next
	}
	require.Equal(t, cfg.ReconnectMaxBackoff, nextBackoff(cfg, cfg.ReconnectMaxBackoff*10/8))
}
