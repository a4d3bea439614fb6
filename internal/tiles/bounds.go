package tiles

import (
	"math"

	"github.com/paulmach/orb"
)

// webMercatorWorldSize is the Web Mercator half-extent in meters.
const webMercatorWorldSize = 20037508.34278924

// mercatorBounds returns a tile's (xmin, ymin, xmax, ymax) in EPSG:3857.
func mercatorBounds(z, x, y int) (xmin, ymin, xmax, ymax float64) {
	tileSize := webMercatorWorldSize * 2.0 / float64(int64(1)<<uint(z))
	xmin = -webMercatorWorldSize + float64(x)*tileSize
	ymax = webMercatorWorldSize - float64(y)*tileSize
	xmax = -webMercatorWorldSize + float64(x+1)*tileSize
	ymin = webMercatorWorldSize - float64(y+1)*tileSize
	return
}

// lonLatBounds returns a tile's geographic extent (EPSG:4326), used purely
// in-process to test a cached tile's footprint against a mutation's touched
// bounding boxes without a database round-trip.
func lonLatBounds(z, x, y int) orb.Bound {
	n := math.Exp2(float64(z))
	lonMin := float64(x)/n*360 - 180
	lonMax := float64(x+1)/n*360 - 180
	latMax := mercatorLat(1 - 2*float64(y)/n)
	latMin := mercatorLat(1 - 2*float64(y+1)/n)
	return orb.Bound{
		Min: orb.Point{lonMin, latMin},
		Max: orb.Point{lonMax, latMax},
	}
}

func mercatorLat(yFraction float64) float64 {
	return math.Atan(math.Sinh(math.Pi*yFraction)) * 180 / math.Pi
}
