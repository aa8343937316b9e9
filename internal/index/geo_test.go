package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvdb/engine/internal/codec"
)

func TestHaversineMeters_ZeroForSamePoint(t *testing.T) {
	p := GeoPoint{Lat: 37.7749, Lng: -122.4194}
	assert.Equal(t, 0.0, haversineMeters(p, p))
}

func TestHaversineMeters_KnownDistanceRoughlyCorrect(t *testing.T) {
	// San Francisco to Los Angeles is roughly 560km.
	sf := GeoPoint{Lat: 37.7749, Lng: -122.4194}
	la := GeoPoint{Lat: 34.0522, Lng: -118.2437}
	d := haversineMeters(sf, la)
	assert.InDelta(t, 559000, d, 20000)
}

func TestGeoInCircle_FindsNearbyPointsAndExcludesFarOnes(t *testing.T) {
	mgr, im := newTestSetup(t)
	putEntity(t, mgr, im, "users", "near", codec.Entity{
		"lat": codec.FloatValue(37.7750), "lng": codec.FloatValue(-122.4195),
	})
	putEntity(t, mgr, im, "users", "far", codec.Entity{
		"lat": codec.FloatValue(34.0522), "lng": codec.FloatValue(-118.2437),
	})

	points := map[string]GeoPoint{
		"near": {Lat: 37.7750, Lng: -122.4195},
		"far":  {Lat: 34.0522, Lng: -118.2437},
	}
	load := func(pk string) (GeoPoint, bool, error) {
		p, ok := points[pk]
		return p, ok, nil
	}

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	center := GeoPoint{Lat: 37.7749, Lng: -122.4194}
	got, err := im.GeoInCircle(context.Background(), txn, "users", "location", center, 1000, load)
	require.NoError(t, err)
	assert.Equal(t, []string{"near"}, got)
}

func TestGeoInBox_FindsPointsWithinBounds(t *testing.T) {
	mgr, im := newTestSetup(t)
	putEntity(t, mgr, im, "users", "inside", codec.Entity{
		"lat": codec.FloatValue(10.00), "lng": codec.FloatValue(10.00),
	})
	putEntity(t, mgr, im, "users", "outside", codec.Entity{
		"lat": codec.FloatValue(10.50), "lng": codec.FloatValue(10.50),
	})

	points := map[string]GeoPoint{
		"inside":  {Lat: 10.00, Lng: 10.00},
		"outside": {Lat: 10.50, Lng: 10.50},
	}
	load := func(pk string) (GeoPoint, bool, error) {
		p, ok := points[pk]
		return p, ok, nil
	}

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	got, err := im.GeoInBox(context.Background(), txn, "users", "location",
		GeoPoint{Lat: 9.95, Lng: 9.95}, GeoPoint{Lat: 10.05, Lng: 10.05}, load)
	require.NoError(t, err)
	assert.Equal(t, []string{"inside"}, got)
}

func TestApplyGeoColumn_MovingPointUpdatesCell(t *testing.T) {
	mgr, im := newTestSetup(t)
	putEntity(t, mgr, im, "users", "u1", codec.Entity{
		"lat": codec.FloatValue(10.00), "lng": codec.FloatValue(10.00),
	})
	putEntity(t, mgr, im, "users", "u1", codec.Entity{
		"lat": codec.FloatValue(10.50), "lng": codec.FloatValue(10.50),
	})

	points := map[string]GeoPoint{"u1": {Lat: 10.50, Lng: 10.50}}
	load := func(pk string) (GeoPoint, bool, error) {
		p, ok := points[pk]
		return p, ok, nil
	}

	txn, err := mgr.Begin()
	require.NoError(t, err)
	defer txn.Rollback()

	got, err := im.GeoInBox(context.Background(), txn, "users", "location",
		GeoPoint{Lat: 9.95, Lng: 9.95}, GeoPoint{Lat: 10.05, Lng: 10.05}, load)
	require.NoError(t, err)
	assert.Empty(t, got, "old cell entry should have been removed")
}
