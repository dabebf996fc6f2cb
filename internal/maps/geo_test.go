package routemaps

import (
	"math"
	"testing"

	"fleetfare/internal/types"
)

func TestHaversineKm(t *testing.T) {
	cases := []struct {
		name   string
		a, b   types.Point
		wantKm float64
		tolKm  float64
	}{
		{
			name:   "same point",
			a:      types.Point{Lat: -33.8688, Lng: 151.2093},
			b:      types.Point{Lat: -33.8688, Lng: 151.2093},
			wantKm: 0,
			tolKm:  0.001,
		},
		{
			name:   "sydney cbd to airport",
			a:      types.Point{Lat: -33.8688, Lng: 151.2093},
			b:      types.Point{Lat: -33.9399, Lng: 151.1753},
			wantKm: 8.5,
			tolKm:  0.5,
		},
		{
			name:   "sydney to melbourne",
			a:      types.Point{Lat: -33.8688, Lng: 151.2093},
			b:      types.Point{Lat: -37.8136, Lng: 144.9631},
			wantKm: 713,
			tolKm:  5,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := HaversineKm(tc.a, tc.b)
			if math.Abs(got-tc.wantKm) > tc.tolKm {
				t.Errorf("HaversineKm() = %.3f, want %.1f +/- %.1f", got, tc.wantKm, tc.tolKm)
			}
		})
	}
}

func TestFallbackEstimate(t *testing.T) {
	a := types.Point{Lat: -33.8688, Lng: 151.2093}
	b := types.Point{Lat: -33.9399, Lng: 151.1753}
	est := fallbackEstimate(a, b)
	if est.DistanceKm <= HaversineKm(a, b) {
		t.Errorf("fallback distance %.2f should exceed straight line", est.DistanceKm)
	}
	if est.DurationMin <= 0 {
		t.Errorf("fallback duration should be positive, got %.2f", est.DurationMin)
	}
}
