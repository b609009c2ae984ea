package leap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// bootstrapHooks lets the Bridge own event dispatch while bootstrap owns
// enumeration and subscription wiring: bootstrap never touches an observer
// registry directly, it only forwards parsed DTOs to these callbacks.
type bootstrapHooks struct {
	onZoneStatus      func(zoneID int, dto zoneStatusDTO)
	onButtonEvent      func(deviceID, groupID, buttonID int, eventType string)
	onOccupancyStatus func(groupID int, status Occupancy)
}

// runBootstrap executes the §4.4 sequence against a freshly-connected
// Requester, populating (or re-populating, in place) m. Only a step-1
// failure aborts the sequence and is returned as an error; every later step
// is best-effort and logged on failure.
func runBootstrap(ctx context.Context, req *Requester, m *model, hooks bootstrapHooks, logger *logrus.Logger) (bridgeFlavor, error) {
	flavor, err := discoverFlavor(ctx, req)
	if err != nil {
		return flavorUnknown, fmt.Errorf("leap: bootstrap step 1 (systemtype) failed: %w", err)
	}
	logger.WithField("flavor", flavor).Debug("leap: bridge flavor discovered")

	seenAreas := make(map[int]struct{})
	if err := bootstrapAreas(ctx, req, m, seenAreas); err != nil {
		logger.WithError(err).Warn("leap: bootstrap: area enumeration failed, continuing")
	} else {
		m.pruneAreas(seenAreas)
	}

	seenDevices := make(map[int]struct{})
	devices, err := bootstrapDevices(ctx, req, m, seenDevices)
	if err != nil {
		logger.WithError(err).Warn("leap: bootstrap: device enumeration failed, continuing")
	} else {
		m.pruneDevices(seenDevices)
	}

	if err := bootstrapZones(ctx, req, m, devices, hooks, logger); err != nil {
		logger.WithError(err).Warn("leap: bootstrap: zone enumeration failed, continuing")
	}

	if err := bootstrapButtons(ctx, req, m, devices, hooks, logger); err != nil {
		logger.WithError(err).Warn("leap: bootstrap: button enumeration failed, continuing")
	}

	if err := bootstrapOccupancyGroups(ctx, req, m, hooks, logger); err != nil {
		logger.WithField("err", err).Debug("leap: bootstrap: no occupancy data (older firmware, not an error)")
	}

	if err := bootstrapScenes(ctx, req, m); err != nil {
		logger.WithError(err).Warn("leap: bootstrap: scene enumeration failed, continuing")
	}

	return flavor, nil
}

func discoverFlavor(ctx context.Context, req *Requester) (bridgeFlavor, error) {
	resp, err := req.Do(ctx, "ReadRequest", urlSystemType, nil)
	if err != nil {
		return flavorUnknown, err
	}
	var body systemTypeBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return flavorCaseta, nil // absent/unparsable body: assume the common case
	}
	return parseFlavor(body.SystemType), nil
}

func bootstrapAreas(ctx context.Context, req *Requester, m *model, seen map[int]struct{}) error {
	start := 0
	for {
		resp, err := req.Do(ctx, "ReadRequest", areaPageURL(start), nil)
		if err != nil {
			if start == 0 {
				return err
			}
			return nil // partial enumeration; keep what we have
		}
		var page areaListBody
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return &DecodeError{Raw: resp.Body, Err: err}
		}
		if len(page.Areas) == 0 {
			return nil
		}
		for _, a := range page.Areas {
			id, ok := idFromHref(a.Href)
			if !ok {
				continue
			}
			seen[id] = struct{}{}
			m.upsertArea(id, func(area *Area) {
				area.Name = a.Name
				if a.Parent != nil {
					if pid, ok := idFromHref(a.Parent.Href); ok {
						area.ParentID = &pid
					}
				}
				area.ControlStationIDs = hrefIDs(a.ControlStations)
				area.SensorIDs = hrefIDs(a.Sensors)
			})
			if a.Parent != nil {
				if pid, ok := idFromHref(a.Parent.Href); ok {
					if parent, ok := m.GetArea(pid); ok {
						parent.mu.Lock()
						parent.Children[id] = struct{}{}
						parent.mu.Unlock()
					}
				}
			}
		}
		if len(page.Areas) < areaPageSize {
			return nil
		}
		start += len(page.Areas)
	}
}

func hrefIDs(refs []hrefRef) []int {
	if len(refs) == 0 {
		return nil
	}
	ids := make([]int, 0, len(refs))
	for _, r := range refs {
		if id, ok := idFromHref(r.Href); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func bootstrapDevices(ctx context.Context, req *Requester, m *model, seen map[int]struct{}) ([]deviceDTO, error) {
	resp, err := req.Do(ctx, "ReadRequest", urlDevices, nil)
	if err != nil {
		return nil, err
	}
	var list deviceListBody
	if err := json.Unmarshal(resp.Body, &list); err != nil {
		return nil, &DecodeError{Raw: resp.Body, Err: err}
	}

	for _, d := range list.Devices {
		id, ok := idFromHref(d.Href)
		if !ok {
			continue
		}
		seen[id] = struct{}{}

		var areaID *int
		var areaName string
		if d.AreaHref != nil {
			if aid, ok := idFromHref(d.AreaHref.Href); ok {
				areaID = &aid
				if area, ok := m.GetArea(aid); ok {
					area.mu.RLock()
					areaName = area.Name
					area.mu.RUnlock()
				}
			}
		}
		fullName := d.fullName()
		deviceName := deriveDeviceName(fullName, areaName)
		domain := classifyDomain(d.DeviceType)

		m.upsertDevice(id, func(dev *Device) {
			dev.Name = fullName
			dev.DeviceName = deviceName
			dev.Type = d.DeviceType
			dev.Domain = domain
			dev.Model = d.ModelNumber
			dev.Serial = d.SerialNumber
			dev.AreaID = areaID
			dev.ButtonGroupIDs = hrefIDs(d.ButtonGroups)
			dev.OccupancySensorIDs = hrefIDs(d.OccupancySensors)
			dev.ButtonLEDIDs = hrefIDs(d.RepeaterLEDs)
		})
	}
	return list.Devices, nil
}

func bootstrapZones(ctx context.Context, req *Requester, m *model, devices []deviceDTO, hooks bootstrapHooks, logger *logrus.Logger) error {
	for _, d := range devices {
		deviceID, ok := idFromHref(d.Href)
		if !ok || len(d.LocalZones) == 0 {
			continue
		}
		zoneRef := d.LocalZones[0]
		zoneID, ok := idFromHref(zoneRef.Href)
		if !ok {
			continue
		}

		m.upsertZone(zoneID, func(z *Zone) { z.DeviceID = deviceID })
		if dev, ok := m.GetDevice(deviceID); ok {
			dev.mu.Lock()
			dev.ZoneID = &zoneID
			dev.mu.Unlock()
		}

		capturedZoneID := zoneID
		_, _, err := req.Subscribe(ctx, zoneStatusURL(zoneRef.Href), func(env Envelope) {
			var status zoneStatusDTO
			if err := json.Unmarshal(env.Body, &status); err != nil {
				logger.WithError(err).Debug("leap: dropping unparsable zone status")
				return
			}
			hooks.onZoneStatus(capturedZoneID, status)
		})
		if err != nil {
			logger.WithError(err).WithField("zone", zoneRef.Href).Warn("leap: zone subscription failed")
		}
	}
	return nil
}

func bootstrapButtons(ctx context.Context, req *Requester, m *model, devices []deviceDTO, hooks bootstrapHooks, logger *logrus.Logger) error {
	for _, d := range devices {
		deviceID, ok := idFromHref(d.Href)
		if !ok {
			continue
		}
		for _, bgRef := range d.ButtonGroups {
			resp, err := req.Do(ctx, "ReadRequest", buttonGroupURL(bgRef.Href), nil)
			if err != nil {
				logger.WithError(err).WithField("buttonGroup", bgRef.Href).Warn("leap: button group read failed")
				continue
			}
			var bg buttonGroupDTO
			if err := json.Unmarshal(resp.Body, &bg); err != nil {
				continue
			}
			groupID, ok := idFromHref(bg.Href)
			if !ok {
				groupID, ok = idFromHref(bgRef.Href)
				if !ok {
					continue
				}
			}

			buttonIDs := make([]int, 0, len(bg.Buttons))
			for _, bRef := range bg.Buttons {
				buttonResp, err := req.Do(ctx, "ReadRequest", bRef.Href, nil)
				if err != nil {
					logger.WithError(err).WithField("button", bRef.Href).Warn("leap: button read failed")
					continue
				}
				var bdto buttonDTO
				if err := json.Unmarshal(buttonResp.Body, &bdto); err != nil {
					continue
				}
				buttonID, ok := idFromHref(bRef.Href)
				if !ok {
					continue
				}
				buttonIDs = append(buttonIDs, buttonID)

				m.upsertButton(buttonID, func(b *Button) {
					b.ParentDeviceID = deviceID
					b.Number = bdto.ButtonNumber
					b.Name = bdto.Name
					b.Engraving = bdto.Engraving
					if bdto.AssociatedLED != nil {
						if ledID, ok := idFromHref(bdto.AssociatedLED.Href); ok {
							b.LEDID = &ledID
						}
					}
				})

				capturedDeviceID, capturedGroupID, capturedButtonID := deviceID, groupID, buttonID
				_, unsub, subErr := req.Subscribe(ctx, buttonEventURL(capturedDeviceID, capturedGroupID, capturedButtonID), func(env Envelope) {
					var evt buttonEventDTO
					if err := json.Unmarshal(env.Body, &evt); err != nil {
						logger.WithError(err).Debug("leap: dropping unparsable button event")
						return
					}
					hooks.onButtonEvent(capturedDeviceID, capturedGroupID, capturedButtonID, evt.ButtonEvent.EventType)
				})
				if subErr != nil {
					logger.WithError(subErr).WithField("button", bRef.Href).Warn("leap: button event subscription failed")
				}
				_ = unsub // kept registered for the engine's lifetime; Bridge.Close tears down the connection instead
			}

			m.upsertButtonGroup(groupID, func(g *ButtonGroup) {
				g.ParentDeviceID = deviceID
				g.ButtonIDs = buttonIDs
			})
		}
	}
	return nil
}

func bootstrapOccupancyGroups(ctx context.Context, req *Requester, m *model, hooks bootstrapHooks, logger *logrus.Logger) error {
	resp, err := req.Do(ctx, "ReadRequest", urlOccupancyGroups, nil)
	if err != nil {
		return err
	}
	var list occupancyGroupListBody
	if err := json.Unmarshal(resp.Body, &list); err != nil {
		return &DecodeError{Raw: resp.Body, Err: err}
	}

	for _, g := range list.OccupancyGroups {
		groupID, ok := idFromHref(g.Href)
		if !ok {
			continue
		}
		status := Occupancy(g.Status)
		if status == "" {
			status = OccupancyUnknown
		}
		var areaID *int
		if g.AssociatedArea != nil {
			if aid, ok := idFromHref(g.AssociatedArea.Href); ok {
				areaID = &aid
			}
		}

		m.upsertOccupancyGroup(groupID, func(og *OccupancyGroup) {
			og.Status = status
			og.SensorIDs = hrefIDs(g.AssociatedSensors)
			og.AssociatedAreaID = areaID
		})
		if areaID != nil {
			if area, ok := m.GetArea(*areaID); ok {
				capturedGroupID := groupID
				area.mu.Lock()
				area.OccupancyGroupID = &capturedGroupID
				area.OccupancyState = status
				area.mu.Unlock()
			}
		}

		capturedGroupID := groupID
		_, _, err := req.Subscribe(ctx, occupancyGroupStatusURL(g.Href), func(env Envelope) {
			var statusDTO occupancyGroupStatusDTO
			if err := json.Unmarshal(env.Body, &statusDTO); err != nil {
				logger.WithError(err).Debug("leap: dropping unparsable occupancy status")
				return
			}
			hooks.onOccupancyStatus(capturedGroupID, Occupancy(statusDTO.OccupancyGroupStatus.OccupancyStatus))
		})
		if err != nil {
			logger.WithError(err).WithField("occupancyGroup", g.Href).Warn("leap: occupancy subscription failed")
		}
	}
	return nil
}

func bootstrapScenes(ctx context.Context, req *Requester, m *model) error {
	resp, err := req.Do(ctx, "ReadRequest", urlVirtualButtons, nil)
	if err != nil {
		return err
	}
	var list virtualButtonListBody
	if err := json.Unmarshal(resp.Body, &list); err != nil {
		return &DecodeError{Raw: resp.Body, Err: err}
	}
	for _, v := range list.VirtualButtons {
		id, ok := idFromHref(v.Href)
		if !ok {
			continue
		}
		m.upsertScene(id, &Scene{ID: id, Name: v.Name})
	}
	return nil
}
