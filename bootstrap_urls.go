package leap

import (
	"fmt"
	"strconv"
	"strings"
)

// bridgeFlavor distinguishes the two device-topology shapes described in
// §4.4 step 1: Caséta/RA2 Select report a flat area list, while RA3/QSX
// processors nest areas per-processor and enumerate buttons differently.
type bridgeFlavor int

const (
	flavorUnknown bridgeFlavor = iota
	flavorCaseta               // Caséta, RA2 Select
	flavorProcessor            // RA3, HomeWorks QSX
)

func (f bridgeFlavor) String() string {
	switch f {
	case flavorCaseta:
		return "caseta"
	case flavorProcessor:
		return "processor"
	default:
		return "unknown"
	}
}

const (
	urlSystemType      = "/server/1/systemtype"
	urlAreasFlat       = "/area"
	urlDevices         = "/device"
	urlOccupancyGroups = "/occupancygroup"
	urlVirtualButtons  = "/virtualbutton"

	// areaPageSize bounds each paginated area read (§4.4 step 2: "bridges
	// with >99 areas must be read page-by-page until empty").
	areaPageSize = 99
)

// hrefRef is the {"href": "..."} shape used throughout LEAP bodies to
// cross-reference another entity.
type hrefRef struct {
	Href string `json:"href"`
}

// idFromHref extracts the trailing numeric segment of a bridge href, e.g.
// "/device/12" -> 12 (§3: "the final numeric segment of the href is the id").
func idFromHref(href string) (int, bool) {
	if href == "" {
		return 0, false
	}
	parts := strings.Split(strings.TrimRight(href, "/"), "/")
	last := parts[len(parts)-1]
	n, err := strconv.Atoi(last)
	if err != nil {
		return 0, false
	}
	return n, true
}

func areaPageURL(start int) string {
	return fmt.Sprintf("%s?start=%d&top=%d", urlAreasFlat, start, areaPageSize)
}

func zoneStatusURL(zoneHref string) string {
	return zoneHref + "/status"
}

func zoneCommandURL(zoneHref string) string {
	return zoneHref + "/commandprocessor"
}

func buttonGroupURL(href string) string {
	return href
}

func buttonEventURL(deviceID, groupID, buttonID int) string {
	return fmt.Sprintf("/device/%d/buttongroup/%d/button/%d/status/event", deviceID, groupID, buttonID)
}

func buttonCommandURL(buttonHref string) string {
	return buttonHref + "/commandprocessor"
}

func occupancyGroupStatusURL(groupHref string) string {
	return groupHref + "/status"
}

// systemTypeBody is the response body of urlSystemType.
type systemTypeBody struct {
	SystemType string `json:"SystemType"`
}

func parseFlavor(systemType string) bridgeFlavor {
	switch strings.ToUpper(systemType) {
	case "RA3", "QSX", "HOMEWORKS", "HWQSX":
		return flavorProcessor
	case "", "CASETA", "RA2SELECT", "RA2SELECT-RF":
		return flavorCaseta
	default:
		return flavorCaseta
	}
}

// areaListBody is the paginated area enumeration response (§4.4 step 2).
type areaListBody struct {
	Areas []areaDTO `json:"Areas"`
}

type areaDTO struct {
	Href                    string    `json:"href"`
	Name                    string    `json:"Name"`
	Parent                  *hrefRef  `json:"Parent,omitempty"`
	AssociatedOccupancyGroup *hrefRef `json:"AssociatedOccupancyGroup,omitempty"`
	ControlStations         []hrefRef `json:"AssociatedControlStations,omitempty"`
	Sensors                 []hrefRef `json:"AssociatedSensors,omitempty"`
}

// deviceListBody is the flat device enumeration response (§4.4 step 3).
type deviceListBody struct {
	Devices []deviceDTO `json:"Devices"`
}

type deviceDTO struct {
	Href               string    `json:"href"`
	Name               string    `json:"Name"`
	FullyQualifiedName []string  `json:"FullyQualifiedName,omitempty"`
	DeviceType         string    `json:"DeviceType"`
	ModelNumber        string    `json:"ModelNumber,omitempty"`
	SerialNumber       string    `json:"SerialNumber,omitempty"`
	AreaHref           *hrefRef  `json:"AssociatedArea,omitempty"`
	LocalZones         []hrefRef `json:"LocalZones,omitempty"`
	ButtonGroups       []hrefRef `json:"ButtonGroups,omitempty"`
	OccupancySensors   []hrefRef `json:"OccupancySensors,omitempty"`
	RepeaterLEDs       []hrefRef `json:"LEDs,omitempty"`
}

func (d deviceDTO) fullName() string {
	if len(d.FullyQualifiedName) > 0 {
		return strings.Join(d.FullyQualifiedName, "/")
	}
	return d.Name
}

type buttonGroupDTO struct {
	Href    string    `json:"href"`
	Buttons []hrefRef `json:"Buttons"`
}

type buttonDTO struct {
	Href       string   `json:"href"`
	Name       string   `json:"Name,omitempty"`
	Engraving  string   `json:"Engraving,omitempty"`
	ButtonNumber int    `json:"ButtonNumber"`
	AssociatedLED *hrefRef `json:"AssociatedLED,omitempty"`
}

type occupancyGroupListBody struct {
	OccupancyGroups []occupancyGroupDTO `json:"OccupancyGroups"`
}

type occupancyGroupDTO struct {
	Href            string    `json:"href"`
	Status          string    `json:"OccupancyGroupStatus,omitempty"`
	AssociatedArea  *hrefRef  `json:"AssociatedArea,omitempty"`
	AssociatedSensors []hrefRef `json:"AssociatedSensors,omitempty"`
}

type occupancyGroupStatusDTO struct {
	OccupancyGroupStatus struct {
		OccupancyStatus string  `json:"OccupancyStatus"`
		OccupancyGroup  hrefRef `json:"OccupancyGroup"`
	} `json:"OccupancyGroupStatus"`
}

type virtualButtonListBody struct {
	VirtualButtons []virtualButtonDTO `json:"VirtualButtons"`
}

type virtualButtonDTO struct {
	Href string `json:"href"`
	Name string `json:"Name"`
}

// zoneStatusDTO is the unsolicited/subscribed zone status body (§8 scenario 2).
type zoneStatusDTO struct {
	ZoneStatus struct {
		Level        *int     `json:"Level,omitempty"`
		FanSpeed     string   `json:"FanSpeed,omitempty"`
		Tilt         *int     `json:"Tilt,omitempty"`
		CurrentState string   `json:"CurrentState,omitempty"`
		Zone         hrefRef  `json:"Zone"`
	} `json:"ZoneStatus"`
}

// buttonEventDTO is the unsolicited button event body (§8 scenario 5).
type buttonEventDTO struct {
	ButtonEvent struct {
		EventType string `json:"EventType"`
	} `json:"ButtonEvent"`
}
