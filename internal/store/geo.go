package store

import (
	"math"
	"sort"

	"github.com/BTreeMap/DineFlow/internal/models"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two points.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

type box struct {
	minLat, maxLat, minLon, maxLon float64
}

// boundingBox returns a lat/lon rectangle containing the circle of radiusKm.
func boundingBox(lat, lon, radiusKm float64) box {
	dLat := radiusKm / 111.0
	cos := math.Cos(lat * math.Pi / 180)
	dLon := 180.0
	if cos > 1e-6 {
		dLon = math.Min(180, radiusKm/(111.0*cos))
	}
	return box{minLat: lat - dLat, maxLat: lat + dLat, minLon: lon - dLon, maxLon: lon + dLon}
}

// nearest keeps bars within radiusKm of the point, nearest first, ties by listing order.
func nearest(bars []models.Bar, lat, lon, radiusKm float64, limit int) []models.Bar {
	sortBars(bars)
	type hit struct {
		bar  models.Bar
		dist float64
	}
	var hits []hit
	for _, b := range bars {
		if b.Latitude == nil || b.Longitude == nil {
			continue
		}
		d := DistanceKm(lat, lon, *b.Latitude, *b.Longitude)
		if d <= radiusKm {
			hits = append(hits, hit{bar: b, dist: d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]models.Bar, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.bar)
	}
	return out
}
