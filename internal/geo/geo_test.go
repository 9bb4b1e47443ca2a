package geo

import (
	"math"
	"testing"
)

// Known landmark coordinates inside the obfuscated region.
var landmarks = []struct {
	name     string
	lon, lat float64
}{
	{"beijing tiananmen", 116.3912, 39.9061},
	{"shanghai bund", 121.4903, 31.2397},
	{"shenzhen", 114.0579, 22.5431},
	{"chengdu", 104.0665, 30.5723},
}

func TestWGS84ToGCJ02_OffsetMagnitude(t *testing.T) {
	// The GCJ-02 offset in mainland China is a few hundred meters,
	// i.e. on the order of 1e-3 degrees but never degrees.
	for _, lm := range landmarks {
		gLon, gLat := WGS84ToGCJ02(lm.lon, lm.lat)
		dLon := math.Abs(gLon - lm.lon)
		dLat := math.Abs(gLat - lm.lat)
		if dLon < 1e-4 || dLon > 1e-1 {
			t.Errorf("%s: implausible lon offset %g", lm.name, dLon)
		}
		if dLat < 1e-4 || dLat > 1e-1 {
			t.Errorf("%s: implausible lat offset %g", lm.name, dLat)
		}
	}
}

func TestRoundTrip_GCJToWGSAndBack(t *testing.T) {
	// The two transforms are approximate inverses: the composition
	// must land within a small epsilon of the original coordinate.
	const epsilon = 1e-4

	for _, lm := range landmarks {
		gLon, gLat := WGS84ToGCJ02(lm.lon, lm.lat)
		wLon, wLat := GCJ02ToWGS84(gLon, gLat)
		gLon2, gLat2 := WGS84ToGCJ02(wLon, wLat)

		if math.Abs(gLon2-gLon) > epsilon || math.Abs(gLat2-gLat) > epsilon {
			t.Errorf("%s: round trip drifted by (%g, %g)",
				lm.name, math.Abs(gLon2-gLon), math.Abs(gLat2-gLat))
		}
	}
}

func TestRoundTrip_RecoversWGS(t *testing.T) {
	const epsilon = 1e-4

	for _, lm := range landmarks {
		gLon, gLat := WGS84ToGCJ02(lm.lon, lm.lat)
		wLon, wLat := GCJ02ToWGS84(gLon, gLat)

		if math.Abs(wLon-lm.lon) > epsilon || math.Abs(wLat-lm.lat) > epsilon {
			t.Errorf("%s: recovered (%f, %f), want (%f, %f)",
				lm.name, wLon, wLat, lm.lon, lm.lat)
		}
	}
}

func TestGCJ02ToWGS84_ZeroPassthrough(t *testing.T) {
	lon, lat := GCJ02ToWGS84(0, 0)
	if lon != 0 || lat != 0 {
		t.Errorf("expected zero passthrough, got (%f, %f)", lon, lat)
	}
}
