// Package geo converts coordinates between the GCJ-02 and WGS-84
// geodetic reference frames. GCJ-02 is the obfuscated datum mandated
// for maps of mainland China; fixes reported by the device cloud may
// arrive in either frame depending on the selected representation.
//
// The empirical offset polynomial is the widely used one from
// https://github.com/wandergis/coordTransform_py. The two directions
// are approximate inverses of each other, not exact: a round trip
// lands within roughly 1e-5 degrees (about a meter) of the input.
package geo

import "math"

// Krasovsky 1940 ellipsoid parameters used by the GCJ-02 obfuscation.
const (
	semiMajorAxis = 6378245.0
	eccentricity2 = 0.00669342162296594323
)

// transformLat computes the latitude component of the empirical offset
// for a point already shifted to the (lon-105, lat-35) origin.
func transformLat(x, y float64) float64 {
	ret := -100.0 + 2.0*x + 3.0*y + 0.2*y*y + 0.1*x*y + 0.2*math.Sqrt(math.Abs(x))
	ret += (20.0*math.Sin(6.0*x*math.Pi) + 20.0*math.Sin(2.0*x*math.Pi)) * 2.0 / 3.0
	ret += (20.0*math.Sin(y*math.Pi) + 40.0*math.Sin(y/3.0*math.Pi)) * 2.0 / 3.0
	ret += (160.0*math.Sin(y/12.0*math.Pi) + 320*math.Sin(y*math.Pi/30.0)) * 2.0 / 3.0
	return ret
}

// transformLon computes the longitude component of the empirical offset.
func transformLon(x, y float64) float64 {
	ret := 300.0 + x + 2.0*y + 0.1*x*x + 0.1*x*y + 0.1*math.Sqrt(math.Abs(x))
	ret += (20.0*math.Sin(6.0*x*math.Pi) + 20.0*math.Sin(2.0*x*math.Pi)) * 2.0 / 3.0
	ret += (20.0*math.Sin(x*math.Pi) + 40.0*math.Sin(x/3.0*math.Pi)) * 2.0 / 3.0
	ret += (150.0*math.Sin(x/12.0*math.Pi) + 300.0*math.Sin(x/30.0*math.Pi)) * 2.0 / 3.0
	return ret
}

// delta returns the GCJ-02 offset in degrees at the given coordinate.
func delta(lon, lat float64) (dLon, dLat float64) {
	dLat = transformLat(lon-105.0, lat-35.0)
	dLon = transformLon(lon-105.0, lat-35.0)
	radLat := lat / 180.0 * math.Pi
	magic := math.Sin(radLat)
	magic = 1 - eccentricity2*magic*magic
	sqrtMagic := math.Sqrt(magic)
	dLat = (dLat * 180.0) / ((semiMajorAxis * (1 - eccentricity2)) / (magic * sqrtMagic) * math.Pi)
	dLon = (dLon * 180.0) / (semiMajorAxis / sqrtMagic * math.Cos(radLat) * math.Pi)
	return dLon, dLat
}

// WGS84ToGCJ02 converts a WGS-84 coordinate to GCJ-02.
func WGS84ToGCJ02(lon, lat float64) (gcjLon, gcjLat float64) {
	dLon, dLat := delta(lon, lat)
	return lon + dLon, lat + dLat
}

// GCJ02ToWGS84 converts a GCJ-02 coordinate back to WGS-84 by
// subtracting the offset evaluated at the obfuscated point. Because the
// offset varies slowly this recovers the true position to within about
// a meter. Zero inputs pass through unchanged, matching the upstream
// convention of treating a missing fix as (0, 0).
func GCJ02ToWGS84(lon, lat float64) (wgsLon, wgsLat float64) {
	if lon == 0 || lat == 0 {
		return lon, lat
	}
	dLon, dLat := delta(lon, lat)
	return lon - dLon, lat - dLat
}
