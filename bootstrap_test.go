package leap

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// scriptedBridge answers a fixed number of ReadRequest/SubscribeRequest
// envelopes from a URL->body table, driving runBootstrap end to end without
// a real LEAP bridge. It runs on its own goroutine but never fails the test
// itself from there; mismatches surface once control returns to the test
// goroutine because runBootstrap's model ends up missing the expected data.
type scriptedBridge struct {
	bridge *testBridge
	bodies map[string]string
}

func newScriptedBridge(bridge *testBridge, bodies map[string]string) *scriptedBridge {
	return &scriptedBridge{bridge: bridge, bodies: bodies}
}

// serve answers exactly n requests, in order, then returns.
func (s *scriptedBridge) serve(n int) {
	for i := 0; i < n; i++ {
		line, err := s.bridge.reader.ReadBytes('\n')
		if err != nil {
			return
		}
		raw := bytes.TrimRight(line, "\r\n")

		var req Envelope
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		body, ok := s.bodies[req.Header.Url]
		respType := "ReadResponse"
		if req.CommuniqueType == "SubscribeRequest" {
			respType = "SubscribeResponse"
		}
		status := "200 OK"
		if !ok {
			status = "404 Not Found"
			body = "{}"
		}
		resp, err := json.Marshal(Envelope{
			CommuniqueType: respType,
			Header:         Header{ClientTag: req.Header.ClientTag, Url: req.Header.Url, StatusCode: status},
			Body:           json.RawMessage(body),
		})
		if err != nil {
			return
		}
		if _, err := s.bridge.conn.Write(append(resp, '\r', '\n')); err != nil {
			return
		}
	}
}

func TestRunBootstrapPopulatesModelAndSubscribes(t *testing.T) {
	conn, fakeBridge := newConnectedPair(t)
	req := NewRequester(conn, 2*time.Second, logrus.New())

	bodies := map[string]string{
		urlSystemType: `{"SystemType":"Caseta"}`,
		areaPageURL(0): `{"Areas":[{"href":"/area/1","Name":"Kitchen"}]}`,
		urlDevices: `{"Devices":[{"href":"/device/2","FullyQualifiedName":["Kitchen","Sink Light"],` +
			`"DeviceType":"WallDimmer","AssociatedArea":{"href":"/area/1"},` +
			`"LocalZones":[{"href":"/zone/1"}],"ButtonGroups":[{"href":"/buttongroup/7"}]}]}`,
		"/buttongroup/7":     `{"href":"/buttongroup/7","Buttons":[{"href":"/button/12"}]}`,
		"/button/12":         `{"href":"/button/12","Name":"Raise","ButtonNumber":1}`,
		urlOccupancyGroups: `{"OccupancyGroups":[{"href":"/occupancygroup/9","OccupancyGroupStatus":"Occupied","AssociatedArea":{"href":"/area/1"}}]}`,
		urlVirtualButtons:  `{"VirtualButtons":[{"href":"/virtualbutton/4","Name":"Goodnight"}]}`,
	}
	script := newScriptedBridge(fakeBridge, bodies)
	// 10 requests: systemtype, one area page, devices, zone subscribe,
	// button group read, button read, button event subscribe, occupancy
	// group read, occupancy subscribe, virtual buttons.
	go script.serve(10)

	m := newModel()
	hooks := bootstrapHooks{
		onZoneStatus:      func(int, zoneStatusDTO) {},
		onButtonEvent:      func(int, int, int, string) {},
		onOccupancyStatus: func(int, Occupancy) {},
	}
	flavor, err := runBootstrap(context.Background(), req, m, hooks, logrus.New())
	require.NoError(t, err)
	require.Equal(t, flavorCaseta, flavor)

	area, ok := m.GetArea(1)
	require.True(t, ok)
	require.Equal(t, "Kitchen", area.Name)
	require.Equal(t, OccupancyOccupied, area.OccupancyState)

	dev, ok := m.GetDevice(2)
	require.True(t, ok)
	require.Equal(t, "Sink Light", dev.DeviceName, "area-name prefix must be stripped")
	require.Equal(t, DomainLight, dev.Domain)
	require.NotNil(t, dev.ZoneID)
	require.Equal(t, 1, *dev.ZoneID)

	zone, ok := m.GetZone(1)
	require.True(t, ok)
	require.Equal(t, dev.ID, zone.DeviceID)

	btn, ok := m.GetButton(12)
	require.True(t, ok)
	require.Equal(t, "Raise", btn.Name)

	group, ok := m.GetOccupancyGroup(9)
	require.True(t, ok)
	require.Equal(t, OccupancyOccupied, group.Status)

	scenes := m.Scenes()
	require.Len(t, scenes, 1)
	require.Equal(t, "Goodnight", scenes[0].Name)
}

func TestRunBootstrapAbortsOnSystemTypeFailure(t *testing.T) {
	conn, fakeBridge := newConnectedPair(t)
	req := NewRequester(conn, 200*time.Millisecond, logrus.New())

	// No scripted responses at all: the very first request (systemtype)
	// times out, which must abort the whole sequence per §4.4.
	_ = fakeBridge

	m := newModel()
	hooks := bootstrapHooks{}
	_, err := runBootstrap(context.Background(), req, m, hooks, logrus.New())
	require.Error(t, err)
}
