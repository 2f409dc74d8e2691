// Package geo geocodes addresses and measures how far they are from the
// office.
package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
)

// earthRadiusKm is the mean Earth radius (IUGG).
const earthRadiusKm = 6371.0088

// ErrNoResults is returned when an address cannot be geocoded.
var ErrNoResults = errors.New("address not found")

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p Point) String() string {
	return fmt.Sprintf("%.5f,%.5f", p.Lat, p.Lng)
}

// Distance returns the great-circle distance between a and b in
// kilometres.
func Distance(a, b Point) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Geocoder resolves a free-form address.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (Point, error)
}

// Proximity is the outcome of a trip check against the office.
type Proximity struct {
	WithinRadius bool    `json:"within_radius"`
	SourceKm     float64 `json:"source_distance_km"`
	DestKm       float64 `json:"destination_distance_km"`
	RadiusKm     float64 `json:"radius_km"`
}

// OfficeLocator answers whether a trip starts or ends near the office.
type OfficeLocator struct {
	geocoder Geocoder
	office   Point
	radiusKm float64
}

// NewOfficeLocator resolves the office location. When address is set it
// is geocoded; if that fails, or no address is given, fallback is used.
func NewOfficeLocator(ctx context.Context, geocoder Geocoder, address string, fallback Point, radiusKm float64, logger *slog.Logger) *OfficeLocator {
	if logger == nil {
		logger = slog.Default()
	}
	office := fallback
	if address != "" && geocoder != nil {
		p, err := geocoder.Geocode(ctx, address)
		if err != nil {
			logger.Warn("office address geocoding failed, using fallback coordinates",
				"address", address, "fallback", fallback.String(), "error", err)
		} else {
			office = p
		}
	}
	logger.Debug("office location resolved", "office", office.String(), "radius_km", radiusKm)
	return &OfficeLocator{geocoder: geocoder, office: office, radiusKm: radiusKm}
}

// Office returns the resolved office location.
func (l *OfficeLocator) Office() Point {
	return l.office
}

// NearOffice geocodes both addresses and reports whether either lies
// within the configured radius of the office.
func (l *OfficeLocator) NearOffice(ctx context.Context, src, dest string) (Proximity, error) {
	if l.geocoder == nil {
		return Proximity{}, fmt.Errorf("geocoding is not configured")
	}
	srcPt, err := l.geocoder.Geocode(ctx, src)
	if err != nil {
		return Proximity{}, fmt.Errorf("geocode source address %q: %w", src, err)
	}
	destPt, err := l.geocoder.Geocode(ctx, dest)
	if err != nil {
		return Proximity{}, fmt.Errorf("geocode destination address %q: %w", dest, err)
	}

	p := Proximity{
		SourceKm: Distance(srcPt, l.office),
		DestKm:   Distance(destPt, l.office),
		RadiusKm: l.radiusKm,
	}
	p.WithinRadius = p.SourceKm <= l.radiusKm || p.DestKm <= l.radiusKm
	return p, nil
}
