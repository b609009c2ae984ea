package leap

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Domain classifies a Device's bridge-reported Type into the small set of
// behaviors the command API understands (§3).
type Domain string

const (
	DomainLight  Domain = "light"
	DomainFan    Domain = "fan"
	DomainCover  Domain = "cover"
	DomainSwitch Domain = "switch"
	DomainSensor Domain = "sensor"
)

// domainTable classifies a bridge Device.Type string into a Domain. It is a
// static table, not a protocol response; entries are a pragmatic sample of
// the type strings Caséta/RA2/RA3 bridges have been observed to report.
var domainTable = map[string]Domain{
	"WallDimmer":            DomainLight,
	"PlugInDimmer":          DomainLight,
	"InLineDimmer":          DomainLight,
	"Dimmed":                DomainLight,
	"SunnataDimmer":         DomainLight,
	"WallSwitch":            DomainSwitch,
	"PlugInSwitch":          DomainSwitch,
	"OutdoorPlugInSwitch":   DomainSwitch,
	"SunnataSwitch":         DomainSwitch,
	"CasetaFanSpeedController": DomainFan,
	"FanSpeedDevice":        DomainFan,
	"MaestroFanSpeedController": DomainFan,
	"SerenaHoneycombShade":  DomainCover,
	"SerenaRollerShade":     DomainCover,
	"TriathlonHoneycombShade": DomainCover,
	"QsWirelessShade":       DomainCover,
	"RPSOccupancySensor":    DomainSensor,
	"RPSCeilingMountedOccupancySensor": DomainSensor,
	"RPSMotionSensor":       DomainSensor,
}

// classifyDomain returns the Domain for a bridge-reported device type, or
// "" if the type is not one the command API can act on directly (e.g. a
// remote or keypad, which is addressed through its buttons instead).
func classifyDomain(deviceType string) Domain {
	return domainTable[deviceType]
}

// FanSpeed is one of the bridge's named fan speed settings.
type FanSpeed string

const (
	FanOff        FanSpeed = "Off"
	FanLow        FanSpeed = "Low"
	FanMedium     FanSpeed = "Medium"
	FanMediumHigh FanSpeed = "MediumHigh"
	FanHigh       FanSpeed = "High"
)

// Occupancy is the tri-state reported for areas and occupancy groups.
type Occupancy string

const (
	OccupancyOccupied   Occupancy = "Occupied"
	OccupancyUnoccupied Occupancy = "Unoccupied"
	OccupancyUnknown    Occupancy = "Unknown"
)

// Area is a room or grouping node in the bridge's topology tree (§3). It is
// allocated once per id and mutated in place for the life of the Bridge.
type Area struct {
	mu sync.RWMutex

	ID                int
	Name              string
	ParentID          *int
	Children          map[int]struct{}
	ControlStationIDs []int
	SensorIDs         []int
	OccupancyGroupID  *int
	OccupancyState    Occupancy
}

func newArea(id int) *Area {
	return &Area{ID: id, Children: make(map[int]struct{}), OccupancyState: OccupancyUnknown}
}

// Snapshot returns a value copy safe to hand to a caller without exposing
// the live struct's lock.
func (a *Area) Snapshot() Area {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cp := Area{
		ID:                a.ID,
		Name:              a.Name,
		ParentID:          a.ParentID,
		OccupancyGroupID:  a.OccupancyGroupID,
		OccupancyState:    a.OccupancyState,
		Children:          make(map[int]struct{}, len(a.Children)),
		ControlStationIDs: append([]int(nil), a.ControlStationIDs...),
		SensorIDs:         append([]int(nil), a.SensorIDs...),
	}
	for k := range a.Children {
		cp.Children[k] = struct{}{}
	}
	return cp
}

// Device is a bridge-controlled endpoint: a dimmer, switch, shade, sensor,
// remote or keypad (§3). Allocated once per id, mutated in place.
type Device struct {
	mu sync.RWMutex

	ID                 int
	Name               string // fully qualified, "/"-joined
	DeviceName         string // leaf name, area prefix stripped
	Type               string
	Domain             Domain
	Model              string
	Serial             string
	AreaID             *int
	ZoneID             *int
	ButtonGroupIDs     []int
	OccupancySensorIDs []int
	CurrentState       *int
	FanSpeed           FanSpeed
	Tilt               *int
	ButtonLEDIDs       []int
	TypeExtras         map[string]json.RawMessage
}

func newDevice(id int) *Device {
	return &Device{ID: id, TypeExtras: make(map[string]json.RawMessage)}
}

func (d *Device) Snapshot() Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Device{
		ID:                 d.ID,
		Name:               d.Name,
		DeviceName:         d.DeviceName,
		Type:               d.Type,
		Domain:             d.Domain,
		Model:              d.Model,
		Serial:             d.Serial,
		AreaID:             d.AreaID,
		ZoneID:             d.ZoneID,
		CurrentState:       d.CurrentState,
		FanSpeed:           d.FanSpeed,
		Tilt:               d.Tilt,
		TypeExtras:         d.TypeExtras,
		ButtonGroupIDs:     append([]int(nil), d.ButtonGroupIDs...),
		OccupancySensorIDs: append([]int(nil), d.OccupancySensorIDs...),
		ButtonLEDIDs:       append([]int(nil), d.ButtonLEDIDs...),
	}
}

// deriveDeviceName strips a leading "<areaName>/" prefix from fullName, the
// deterministic rule required by §3 so DeviceName never repeats the area.
func deriveDeviceName(fullName, areaName string) string {
	if areaName == "" {
		return fullName
	}
	prefix := areaName + "/"
	if strings.HasPrefix(fullName, prefix) {
		return strings.TrimPrefix(fullName, prefix)
	}
	return fullName
}

// Zone is an output channel (dimmer, fan, shade) attached to a device (§3).
type Zone struct {
	mu sync.RWMutex

	ID       int
	DeviceID int
}

func newZone(id int) *Zone {
	return &Zone{ID: id}
}

// ButtonGroup collects the buttons on a keypad or remote (§3).
type ButtonGroup struct {
	ID             int
	ParentDeviceID int
	ButtonIDs      []int
}

// Button is a single physical or virtual button (§3). Pressing it produces
// a Press/Release event on its device's button group URL.
type Button struct {
	ID             int
	ParentDeviceID int
	Number         int
	Name           string
	Engraving      string
	LEDID          *int
}

// OccupancyGroup aggregates one or more occupancy sensors into a single
// reported state (§3).
type OccupancyGroup struct {
	mu sync.RWMutex

	ID               int
	Status           Occupancy
	SensorIDs        []int
	AssociatedAreaID *int
}

func newOccupancyGroup(id int) *OccupancyGroup {
	return &OccupancyGroup{ID: id, Status: OccupancyUnknown}
}

func (g *OccupancyGroup) Snapshot() OccupancyGroup {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return OccupancyGroup{
		ID:               g.ID,
		Status:           g.Status,
		AssociatedAreaID: g.AssociatedAreaID,
		SensorIDs:        append([]int(nil), g.SensorIDs...),
	}
}

// Scene is a bridge-side virtual button that triggers a stored action (§3).
type Scene struct {
	ID   int
	Name string
}

// model owns every live entity registry. Maps are never replaced across a
// reconnect's re-bootstrap (§3 invariant) — entries are mutated in place by
// upsert*, and prune* removes ids absent from a fresh bootstrap. hashmap.Map
// gives external callers (GetDevices, etc.) lock-free reads concurrent with
// the engine goroutine's in-place mutations; it is the same registry style
// the teacher uses for its device table.
type model struct {
	areas           *hashmap.Map[int, *Area]
	devices         *hashmap.Map[int, *Device]
	zones           *hashmap.Map[int, *Zone]
	buttonGroups    *hashmap.Map[int, *ButtonGroup]
	buttons         *hashmap.Map[int, *Button]
	occupancyGroups *hashmap.Map[int, *OccupancyGroup]

	scenesMu sync.RWMutex
	scenes   *orderedmap.OrderedMap[int, *Scene]
}

func newModel() *model {
	return &model{
		areas:           hashmap.New[int, *Area](),
		devices:         hashmap.New[int, *Device](),
		zones:           hashmap.New[int, *Zone](),
		buttonGroups:    hashmap.New[int, *ButtonGroup](),
		buttons:         hashmap.New[int, *Button](),
		occupancyGroups: hashmap.New[int, *OccupancyGroup](),
		scenes:          orderedmap.New[int, *Scene](),
	}
}

// upsertArea returns the Area for id, creating it on first sight, and
// applies mutate under its lock. The pointer identity is stable for the
// life of the model (§8 "reconnect preserves identity").
func (m *model) upsertArea(id int, mutate func(*Area)) *Area {
	a, _ := m.areas.GetOrInsert(id, newArea(id))
	a.mu.Lock()
	mutate(a)
	a.mu.Unlock()
	return a
}

func (m *model) upsertDevice(id int, mutate func(*Device)) *Device {
	d, _ := m.devices.GetOrInsert(id, newDevice(id))
	d.mu.Lock()
	mutate(d)
	d.mu.Unlock()
	return d
}

func (m *model) upsertZone(id int, mutate func(*Zone)) *Zone {
	z, _ := m.zones.GetOrInsert(id, newZone(id))
	z.mu.Lock()
	mutate(z)
	z.mu.Unlock()
	return z
}

func (m *model) upsertButtonGroup(id int, mutate func(*ButtonGroup)) *ButtonGroup {
	bg, _ := m.buttonGroups.GetOrInsert(id, &ButtonGroup{ID: id})
	mutate(bg)
	return bg
}

func (m *model) upsertButton(id int, mutate func(*Button)) *Button {
	b, _ := m.buttons.GetOrInsert(id, &Button{ID: id})
	mutate(b)
	return b
}

func (m *model) upsertOccupancyGroup(id int, mutate func(*OccupancyGroup)) *OccupancyGroup {
	g, _ := m.occupancyGroups.GetOrInsert(id, newOccupancyGroup(id))
	g.mu.Lock()
	mutate(g)
	g.mu.Unlock()
	return g
}

func (m *model) upsertScene(id int, scene *Scene) {
	m.scenesMu.Lock()
	defer m.scenesMu.Unlock()
	m.scenes.Set(id, scene)
}

// pruneDevices drops devices absent from a fresh bootstrap's id set, per the
// "removed ids are dropped in place" half of the §3 invariant.
func (m *model) pruneDevices(seen map[int]struct{}) {
	var stale []int
	m.devices.Range(func(id int, _ *Device) bool {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
		return true
	})
	for _, id := range stale {
		m.devices.Del(id)
	}
}

func (m *model) pruneAreas(seen map[int]struct{}) {
	var stale []int
	m.areas.Range(func(id int, _ *Area) bool {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
		return true
	})
	for _, id := range stale {
		m.areas.Del(id)
	}
}

func (m *model) GetDevice(id int) (*Device, bool) {
	return m.devices.Get(id)
}

func (m *model) GetArea(id int) (*Area, bool) {
	return m.areas.Get(id)
}

func (m *model) GetZone(id int) (*Zone, bool) {
	return m.zones.Get(id)
}

func (m *model) GetButtonGroup(id int) (*ButtonGroup, bool) {
	return m.buttonGroups.Get(id)
}

func (m *model) GetButton(id int) (*Button, bool) {
	return m.buttons.Get(id)
}

func (m *model) GetOccupancyGroup(id int) (*OccupancyGroup, bool) {
	return m.occupancyGroups.Get(id)
}

func (m *model) GetScene(id int) (*Scene, bool) {
	m.scenesMu.RLock()
	defer m.scenesMu.RUnlock()
	return m.scenes.Get(id)
}

// Devices returns a snapshot of every known device, in no particular order.
func (m *model) Devices() []*Device {
	out := make([]*Device, 0, m.devices.Len())
	m.devices.Range(func(_ int, d *Device) bool {
		out = append(out, d)
		return true
	})
	return out
}

func (m *model) DevicesByDomain(domain Domain) []*Device {
	var out []*Device
	m.devices.Range(func(_ int, d *Device) bool {
		d.mu.RLock()
		match := d.Domain == domain
		d.mu.RUnlock()
		if match {
			out = append(out, d)
		}
		return true
	})
	return out
}

func (m *model) DevicesByType(deviceType string) []*Device {
	var out []*Device
	m.devices.Range(func(_ int, d *Device) bool {
		d.mu.RLock()
		match := d.Type == deviceType
		d.mu.RUnlock()
		if match {
			out = append(out, d)
		}
		return true
	})
	return out
}

// Scenes returns scenes in the order they were enumerated during bootstrap.
func (m *model) Scenes() []*Scene {
	m.scenesMu.RLock()
	defer m.scenesMu.RUnlock()
	out := make([]*Scene, 0, m.scenes.Len())
	for pair := m.scenes.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// deviceIDForZone resolves a zone id back to its owning device's id, used by
// the zone-status dispatcher (§4.4 "Event routing").
func (m *model) deviceIDForZone(zoneID int) (int, bool) {
	z, ok := m.zones.Get(zoneID)
	if !ok {
		return 0, false
	}
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.DeviceID, true
}

// deviceIDForButton resolves a button id back to its owning device's id.
func (m *model) deviceIDForButton(buttonID int) (int, bool) {
	b, ok := m.buttons.Get(buttonID)
	if !ok {
		return 0, false
	}
	return b.ParentDeviceID, true
}
