package routemaps

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"fleetfare/internal/types"
)

// Estimate is the trip geometry a quote needs.
type Estimate struct {
	DistanceKm  float64
	DurationMin float64
}

// RouteService resolves pickup/dropoff coordinates into driving distance and
// duration through the Google Directions API, falling back to straight-line
// distance when no client is configured (local dev, tests).
type RouteService struct {
	client *maps.Client
}

func NewRouteService(apiKey string) (*RouteService, error) {
	if apiKey == "" {
		return &RouteService{}, nil
	}
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

func (s *RouteService) EstimateTrip(ctx context.Context, pickup, dropoff types.Point) (Estimate, error) {
	if s.client == nil {
		return fallbackEstimate(pickup, dropoff), nil
	}

	r := &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%f,%f", pickup.Lat, pickup.Lng),
		Destination: fmt.Sprintf("%f,%f", dropoff.Lat, dropoff.Lng),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return Estimate{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Estimate{}, fmt.Errorf("no route found")
	}

	leg := routes[0].Legs[0]
	return Estimate{
		DistanceKm:  float64(leg.Distance.Meters) / 1000.0,
		DurationMin: leg.Duration.Minutes(),
	}, nil
}

// fallbackEstimate approximates driving distance as 1.4x the haversine
// straight line at 30 km/h average urban speed.
func fallbackEstimate(pickup, dropoff types.Point) Estimate {
	km := HaversineKm(pickup, dropoff) * 1.4
	mins := km / 30.0 * 60.0
	return Estimate{DistanceKm: km, DurationMin: mins}
}
