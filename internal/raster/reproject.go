package raster

import (
	"fmt"

	"github.com/wroge/wgs84"
)

// Transform converts WGS84 lon/lat into a dataset's projected
// coordinate system.
type Transform func(lon, lat float64) (x, y float64)

// ForEPSG returns the transform from WGS84 into the given EPSG code.
// Geographic WGS84 codes map to the identity.
func ForEPSG(code int) (Transform, error) {
	if code == 0 || code == 4326 {
		return func(lon, lat float64) (float64, float64) { return lon, lat }, nil
	}
	crs := wgs84.EPSG().Code(code)
	if crs == nil {
		return nil, fmt.Errorf("unsupported crs epsg:%d", code)
	}
	f := wgs84.LonLat().To(crs)
	return func(lon, lat float64) (float64, float64) {
		x, y, _ := f(lon, lat, 0)
		return x, y
	}, nil
}
