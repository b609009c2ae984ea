package leap

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// bridgeWithLiveRequester builds a Bridge whose requester is wired to an
// in-memory TLS pipe, without running Connect/bootstrap, so command methods
// can be exercised against a scripted fake bridge.
func bridgeWithLiveRequester(t *testing.T) (*Bridge, *testBridge) {
	t.Helper()
	b := newTestBridge(t)
	req, fake := newConnectedRequester(t)
	b.mu.Lock()
	b.requester = req
	b.mu.Unlock()
	return b, fake
}

// TestTurnOnSendsGoToLevel is §8 scenario 1: it checks the request's
// CommuniqueType, Url and GoToLevel command, not the exact bytes.
func TestTurnOnSendsGoToLevel(t *testing.T) {
	b, fake := bridgeWithLiveRequester(t)
	zoneID := 1
	b.model.upsertDevice(2, func(d *Device) {
		d.ZoneID = &zoneID
		d.Domain = DomainLight
	})

	done := make(chan error, 1)
	go func() { done <- b.TurnOn(context.Background(), 2, nil) }()

	raw := fake.readLine(t)
	var sent Envelope
	require.NoError(t, json.Unmarshal(raw, &sent))
	require.Equal(t, "CreateRequest", sent.CommuniqueType)
	require.Equal(t, "/zone/1/commandprocessor", sent.Header.Url)

	var body commandRequestBody
	require.NoError(t, json.Unmarshal(sent.Body, &body))
	require.Equal(t, "GoToLevel", body.Command.CommandType)
	require.Equal(t, "Level", body.Command.Parameter[0].Type)
	require.EqualValues(t, 100, body.Command.Parameter[0].Value)

	fake.writeLine(t, mustMarshal(t, Envelope{
		CommuniqueType: "CreateResponse",
		Header:         Header{ClientTag: sent.Header.ClientTag, StatusCode: "201 Created"},
	}))
	require.NoError(t, <-done)
}

func TestTurnOnFanGoesToHighSpeed(t *testing.T) {
	b, fake := bridgeWithLiveRequester(t)
	zoneID := 1
	b.model.upsertDevice(2, func(d *Device) {
		d.ZoneID = &zoneID
		d.Domain = DomainFan
	})

	done := make(chan error, 1)
	go func() { done <- b.TurnOn(context.Background(), 2, nil) }()

	raw := fake.readLine(t)
	var sent Envelope
	require.NoError(t, json.Unmarshal(raw, &sent))
	var body commandRequestBody
	require.NoError(t, json.Unmarshal(sent.Body, &body))
	require.Equal(t, "GoToFanSpeed", body.Command.CommandType)
	require.Equal(t, "High", body.Command.Parameter[0].Value)

	fake.writeLine(t, mustMarshal(t, Envelope{
		CommuniqueType: "CreateResponse",
		Header:         Header{ClientTag: sent.Header.ClientTag, StatusCode: "201 Created"},
	}))
	require.NoError(t, <-done)
}

func TestTurnOnCoverRaises(t *testing.T) {
	b, fake := bridgeWithLiveRequester(t)
	zoneID := 1
	b.model.upsertDevice(2, func(d *Device) {
		d.ZoneID = &zoneID
		d.Domain = DomainCover
	})

	done := make(chan error, 1)
	go func() { done <- b.TurnOn(context.Background(), 2, nil) }()

	raw := fake.readLine(t)
	var sent Envelope
	require.NoError(t, json.Unmarshal(raw, &sent))
	var body commandRequestBody
	require.NoError(t, json.Unmarshal(sent.Body, &body))
	require.Equal(t, "Raise", body.Command.CommandType)

	fake.writeLine(t, mustMarshal(t, Envelope{
		CommuniqueType: "CreateResponse",
		Header:         Header{ClientTag: sent.Header.ClientTag, StatusCode: "201 Created"},
	}))
	require.NoError(t, <-done)
}

func TestSetValueWithFadeTimeUsesGoToDimmedLevel(t *testing.T) {
	b, fake := bridgeWithLiveRequester(t)
	zoneID := 1
	b.model.upsertDevice(2, func(d *Device) { d.ZoneID = &zoneID })

	fade := "00:00:05"
	done := make(chan error, 1)
	go func() { done <- b.SetValue(context.Background(), 2, 80, &fade) }()

	raw := fake.readLine(t)
	var sent Envelope
	require.NoError(t, json.Unmarshal(raw, &sent))
	var body commandRequestBody
	require.NoError(t, json.Unmarshal(sent.Body, &body))
	require.Equal(t, "GoToDimmedLevel", body.Command.CommandType)
	require.Len(t, body.Command.Parameter, 2)

	fake.writeLine(t, mustMarshal(t, Envelope{
		CommuniqueType: "CreateResponse",
		Header:         Header{ClientTag: sent.Header.ClientTag, StatusCode: "201 Created"},
	}))
	require.NoError(t, <-done)
}

// TestCommandAgainstUnknownDeviceFailsFast is §4.4 "if absent, they fail with
// UnknownEntity" — no request should even be sent.
func TestCommandAgainstUnknownDeviceFailsFast(t *testing.T) {
	b, _ := bridgeWithLiveRequester(t)
	err := b.SetValue(context.Background(), 999, 50, nil)
	var unknown *UnknownEntityError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "device", unknown.Kind)
}

func TestCommandAgainstDeviceWithoutZoneFailsFast(t *testing.T) {
	b, _ := bridgeWithLiveRequester(t)
	b.model.upsertDevice(5, func(d *Device) {})
	err := b.SetValue(context.Background(), 5, 50, nil)
	var unknown *UnknownEntityError
	require.ErrorAs(t, err, &unknown)
}

func TestTapButtonSendsPressAndRelease(t *testing.T) {
	b, fake := bridgeWithLiveRequester(t)
	b.model.upsertButton(12, func(btn *Button) {})

	done := make(chan error, 1)
	go func() { done <- b.TapButton(context.Background(), 12) }()

	raw := fake.readLine(t)
	var sent Envelope
	require.NoError(t, json.Unmarshal(raw, &sent))
	require.Equal(t, "/button/12/commandprocessor", sent.Header.Url)
	var body commandRequestBody
	require.NoError(t, json.Unmarshal(sent.Body, &body))
	require.Equal(t, "PressAndRelease", body.Command.CommandType)

	fake.writeLine(t, mustMarshal(t, Envelope{
		CommuniqueType: "CreateResponse",
		Header:         Header{ClientTag: sent.Header.ClientTag, StatusCode: "201 Created"},
	}))
	require.NoError(t, <-done)
}

func TestActivateSceneSendsPressAndReleaseToVirtualButton(t *testing.T) {
	b, fake := bridgeWithLiveRequester(t)
	b.model.upsertScene(4, &Scene{ID: 4, Name: "Goodnight"})

	done := make(chan error, 1)
	go func() { done <- b.ActivateScene(context.Background(), 4) }()

	raw := fake.readLine(t)
	var sent Envelope
	require.NoError(t, json.Unmarshal(raw, &sent))
	require.Equal(t, "/virtualbutton/4/commandprocessor", sent.Header.Url)

	fake.writeLine(t, mustMarshal(t, Envelope{
		CommuniqueType: "CreateResponse",
		Header:         Header{ClientTag: sent.Header.ClientTag, StatusCode: "201 Created"},
	}))
	require.NoError(t, <-done)
}
