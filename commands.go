package leap

import (
	"context"
	"fmt"
)

// commandParameter is one {"Type": ..., "Value": ...} entry in a LEAP
// command's Parameter array.
type commandParameter struct {
	Type  string `json:"Type"`
	Value any    `json:"Value"`
}

type command struct {
	CommandType string             `json:"CommandType"`
	Parameter   []commandParameter `json:"Parameter,omitempty"`
}

type commandRequestBody struct {
	Command command `json:"Command"`
}

// sendCommand issues a CreateRequest carrying cmd to url and waits for the
// bridge's ack (§8 scenario 1: a 2xx response, not the resulting status
// notification, completes the caller's await — see §5 ordering guarantee c).
func (b *Bridge) sendCommand(ctx context.Context, url string, cmd command) error {
	req, err := b.currentRequester()
	if err != nil {
		return err
	}
	_, err = req.Do(ctx, "CreateRequest", url, commandRequestBody{Command: cmd})
	return err
}

// TurnOn is turn_on(device_id, fade_time?) (§4.4): full brightness for
// lights, high speed for fans, fully raised for covers.
func (b *Bridge) TurnOn(ctx context.Context, deviceID int, fadeTime *string) error {
	dev, ok := b.model.GetDevice(deviceID)
	if !ok {
		return &UnknownEntityError{Kind: "device", ID: deviceID}
	}
	dev.mu.RLock()
	domain := dev.Domain
	dev.mu.RUnlock()

	switch domain {
	case DomainFan:
		return b.SetFanSpeed(ctx, deviceID, FanHigh)
	case DomainCover:
		return b.RaiseCover(ctx, deviceID)
	default:
		return b.SetValue(ctx, deviceID, 100, fadeTime)
	}
}

// TurnOff is turn_off(device_id, fade_time?) (§4.4).
func (b *Bridge) TurnOff(ctx context.Context, deviceID int, fadeTime *string) error {
	dev, ok := b.model.GetDevice(deviceID)
	if !ok {
		return &UnknownEntityError{Kind: "device", ID: deviceID}
	}
	dev.mu.RLock()
	domain := dev.Domain
	dev.mu.RUnlock()

	switch domain {
	case DomainFan:
		return b.SetFanSpeed(ctx, deviceID, FanOff)
	case DomainCover:
		return b.LowerCover(ctx, deviceID)
	default:
		return b.SetValue(ctx, deviceID, 0, fadeTime)
	}
}

// SetValue is set_value(device_id, level, fade_time?): GoToLevel, or
// GoToDimmedLevel when fadeTime is set.
func (b *Bridge) SetValue(ctx context.Context, deviceID int, level int, fadeTime *string) error {
	zoneURL, err := b.zoneURLFor(deviceID)
	if err != nil {
		return err
	}
	if fadeTime == nil {
		return b.sendCommand(ctx, zoneURL, command{
			CommandType: "GoToLevel",
			Parameter:   []commandParameter{{Type: "Level", Value: level}},
		})
	}
	return b.sendCommand(ctx, zoneURL, command{
		CommandType: "GoToDimmedLevel",
		Parameter: []commandParameter{
			{Type: "Level", Value: level},
			{Type: "FadeTime", Value: *fadeTime},
		},
	})
}

// SetFanSpeed is set_fan_speed(device_id, speed): GoToFanSpeed.
func (b *Bridge) SetFanSpeed(ctx context.Context, deviceID int, speed FanSpeed) error {
	zoneURL, err := b.zoneURLFor(deviceID)
	if err != nil {
		return err
	}
	return b.sendCommand(ctx, zoneURL, command{
		CommandType: "GoToFanSpeed",
		Parameter:   []commandParameter{{Type: "FanSpeed", Value: string(speed)}},
	})
}

// RaiseCover, LowerCover and StopCover issue Raise/Lower/Stop on the zone.
func (b *Bridge) RaiseCover(ctx context.Context, deviceID int) error {
	return b.coverCommand(ctx, deviceID, "Raise")
}

func (b *Bridge) LowerCover(ctx context.Context, deviceID int) error {
	return b.coverCommand(ctx, deviceID, "Lower")
}

func (b *Bridge) StopCover(ctx context.Context, deviceID int) error {
	return b.coverCommand(ctx, deviceID, "Stop")
}

func (b *Bridge) coverCommand(ctx context.Context, deviceID int, commandType string) error {
	zoneURL, err := b.zoneURLFor(deviceID)
	if err != nil {
		return err
	}
	return b.sendCommand(ctx, zoneURL, command{CommandType: commandType})
}

// SetTilt is set_tilt(device_id, tilt): GoToTilt.
func (b *Bridge) SetTilt(ctx context.Context, deviceID int, tilt int) error {
	zoneURL, err := b.zoneURLFor(deviceID)
	if err != nil {
		return err
	}
	return b.sendCommand(ctx, zoneURL, command{
		CommandType: "GoToTilt",
		Parameter:   []commandParameter{{Type: "Tilt", Value: tilt}},
	})
}

// TapButton is tap_button(button_id): PressAndRelease.
func (b *Bridge) TapButton(ctx context.Context, buttonID int) error {
	btn, ok := b.model.GetButton(buttonID)
	if !ok {
		return &UnknownEntityError{Kind: "button", ID: buttonID}
	}
	url := fmt.Sprintf("/button/%d/commandprocessor", btn.ID)
	return b.sendCommand(ctx, url, command{CommandType: "PressAndRelease"})
}

// ActivateScene is activate_scene(scene_id): sends PressAndRelease to the
// scene's virtual button.
func (b *Bridge) ActivateScene(ctx context.Context, sceneID int) error {
	scene, ok := b.model.GetScene(sceneID)
	if !ok {
		return &UnknownEntityError{Kind: "scene", ID: sceneID}
	}
	url := fmt.Sprintf("/virtualbutton/%d/commandprocessor", scene.ID)
	return b.sendCommand(ctx, url, command{CommandType: "PressAndRelease"})
}

// zoneURLFor resolves a device to its zone's command URL, or UnknownEntity
// if the device has no zone (§4.4 "if absent, they fail with UnknownEntity").
func (b *Bridge) zoneURLFor(deviceID int) (string, error) {
	dev, ok := b.model.GetDevice(deviceID)
	if !ok {
		return "", &UnknownEntityError{Kind: "device", ID: deviceID}
	}
	dev.mu.RLock()
	zoneID := dev.ZoneID
	dev.mu.RUnlock()
	if zoneID == nil {
		return "", &UnknownEntityError{Kind: "zone for device", ID: deviceID}
	}
	return zoneCommandURL(fmt.Sprintf("/zone/%d", *zoneID)), nil
}
