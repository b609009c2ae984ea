package leap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdFromHref(t *testing.T) {
	cases := []struct {
		href string
		want int
		ok   bool
	}{
		{"/device/12", 12, true},
		{"/zone/3", 3, true},
		{"/zone/3/", 3, true},
		{"/device", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := idFromHref(tc.href)
		require.Equal(t, tc.ok, ok, tc.href)
		if tc.ok {
			require.Equal(t, tc.want, got, tc.href)
		}
	}
}

func TestParseFlavor(t *testing.T) {
	require.Equal(t, flavorCaseta, parseFlavor(""))
	require.Equal(t, flavorCaseta, parseFlavor("Caseta"))
	require.Equal(t, flavorCaseta, parseFlavor("RA2Select"))
	require.Equal(t, flavorProcessor, parseFlavor("RA3"))
	require.Equal(t, flavorProcessor, parseFlavor("QSX"))
}

func TestAreaPageURLPagination(t *testing.T) {
	require.Equal(t, "/area?start=0&top=99", areaPageURL(0))
	require.Equal(t, "/area?start=99&top=99", areaPageURL(99))
}

func TestZoneAndButtonURLHelpers(t *testing.T) {
	require.Equal(t, "/zone/1/status", zoneStatusURL("/zone/1"))
	require.Equal(t, "/zone/1/commandprocessor", zoneCommandURL("/zone/1"))
	require.Equal(t, "/device/8/buttongroup/2/button/12/status/event", buttonEventURL(8, 2, 12))
}
