package geoinput

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/quadtree"
)

// DegreesPerKM approximates the number of degrees of latitude per
// kilometer on the WGS84 ellipsoid; longitude is additionally scaled by
// cos(latitude). Buffering built on it is a small-angle approximation
// rather than a true geodesic offset, acceptable at the sub-kilometer
// buffer radii this pipeline runs with.
const DegreesPerKM = 1.0 / 111.0

// MetersToDegreesLat converts a distance in meters to degrees of
// latitude.
func MetersToDegreesLat(meters float64) float64 {
	return (meters / 1000.0) * DegreesPerKM
}

// MetersToDegreesLon converts a distance in meters to degrees of
// longitude at the given latitude.
func MetersToDegreesLon(meters, atLat float64) float64 {
	degLat := MetersToDegreesLat(meters)
	cos := math.Cos(atLat * math.Pi / 180.0)
	if cos < 0.01 {
		cos = 0.01 // guard the poles against a blown-up divisor
	}
	return degLat / cos
}

// bufferPoint turns a point into a 32-vertex polygon approximating a
// circle of radius bufferMeters around it.
func bufferPoint(lat, lon, bufferMeters float64) orb.Polygon {
	const segments = 32
	ring := make(orb.Ring, 0, segments+1)
	dLat := MetersToDegreesLat(bufferMeters)
	dLon := MetersToDegreesLon(bufferMeters, lat)
	for i := 0; i <= segments; i++ {
		theta := 2 * math.Pi * float64(i) / float64(segments)
		ring = append(ring, orb.Point{
			lon + dLon*math.Cos(theta),
			lat + dLat*math.Sin(theta),
		})
	}
	return orb.Polygon{ring}
}

// bufferPolygon offsets every ring vertex outward from the ring's
// centroid by the buffer distance. This is a simplified scale-from-
// centroid approximation, not a true Minkowski-sum buffer: it is
// adequate for expanding a study-area boundary outward by a small,
// roughly uniform margin, which is this pipeline's only use case, but
// it will distort concave boundaries more than a proper buffer would.
func bufferPolygon(poly orb.Polygon, bufferMeters float64) orb.Polygon {
	if bufferMeters == 0 {
		return poly
	}
	out := make(orb.Polygon, len(poly))
	for ri, ring := range poly {
		cx, cy := ringCentroid(ring)
		dLat := MetersToDegreesLat(bufferMeters)
		dLon := MetersToDegreesLon(bufferMeters, cy)
		newRing := make(orb.Ring, len(ring))
		for i, pt := range ring {
			vx, vy := pt[0]-cx, pt[1]-cy
			norm := math.Hypot(vx/dLon, vy/dLat)
			if norm == 0 {
				newRing[i] = pt
				continue
			}
			newRing[i] = orb.Point{pt[0] + vx/norm*dLon, pt[1] + vy/norm*dLat}
		}
		out[ri] = newRing
	}
	return out
}

func ringCentroid(ring orb.Ring) (float64, float64) {
	var sx, sy float64
	for _, pt := range ring {
		sx += pt[0]
		sy += pt[1]
	}
	n := float64(len(ring))
	if n == 0 {
		return 0, 0
	}
	return sx / n, sy / n
}

// PointInPolygon reports whether (lon, lat) falls inside poly, the
// point-in-polygon test the discovery stage's polygon filter drives
// over every discovered pano.
func PointInPolygon(lon, lat float64, poly orb.Polygon) bool {
	if len(poly) == 0 {
		return false
	}
	return planar.PolygonContains(poly, orb.Point{lon, lat})
}

// gridPoint is a lattice candidate adapted to satisfy orb.Pointer so it
// can be indexed by a quadtree.
type gridPoint struct {
	lat, lon float64
}

func (g gridPoint) Point() orb.Point { return orb.Point{g.lon, g.lat} }

// densifyGrid lays a regular lattice of spacing gridMeters over poly's
// bounding box and returns the lattice points that fall inside poly. A
// quadtree indexes the candidate lattice; the InBound query spans the
// whole bounding box, so every lattice point goes through the exact
// polygon-containment test.
func densifyGrid(poly orb.Polygon, gridMeters float64) []orb.Point {
	if gridMeters <= 0 {
		return nil
	}
	bound := poly.Bound()
	midLat := (bound.Min[1] + bound.Max[1]) / 2
	stepLat := MetersToDegreesLat(gridMeters)
	stepLon := MetersToDegreesLon(gridMeters, midLat)
	if stepLat <= 0 || stepLon <= 0 {
		return nil
	}

	qt := quadtree.New(bound)
	for lat := bound.Min[1]; lat <= bound.Max[1]; lat += stepLat {
		for lon := bound.Min[0]; lon <= bound.Max[0]; lon += stepLon {
			_ = qt.Add(gridPoint{lat: lat, lon: lon})
		}
	}

	candidates := qt.InBound(nil, bound)
	var out []orb.Point
	for _, c := range candidates {
		p := c.Point()
		if planar.PolygonContains(poly, p) {
			out = append(out, p)
		}
	}
	return out
}
