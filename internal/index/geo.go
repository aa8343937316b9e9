package index

import (
	"context"
	"math"

	"github.com/kvdb/engine/internal/codec"
	"github.com/kvdb/engine/internal/keys"
	"github.com/kvdb/engine/internal/mvcc"
)

// geoCellBits is the per-axis quantization resolution used for cell tokens:
// 13 bits per axis (26 bits interleaved) gives cells roughly 2.4km tall
// (north-south) and 4.9km wide (east-west) at the equator, enough for cheap
// candidate generation ahead of exact distance filtering.
const geoCellBits = 13

const (
	earthRadiusMeters = 6371000.0
	latRange          = 180.0
	lngRange          = 360.0
)

// GeoPoint is a latitude/longitude pair in degrees.
type GeoPoint struct {
	Lat float64
	Lng float64
}

// geoCellToken quantizes a point onto a fixed-resolution grid and interleaves
// the two axes' bits (a geohash-style Z-order curve) so that nearby points
// usually, though not always, share a cell prefix.
func geoCellToken(p GeoPoint) string {
	latBits := quantize(p.Lat, -90, 90, geoCellBits)
	lngBits := quantize(p.Lng, -180, 180, geoCellBits)
	interleaved := interleave(latBits, lngBits, geoCellBits)
	return encodeBase32(interleaved, 2*geoCellBits)
}

func quantize(v, lo, hi float64, bits int) uint32 {
	span := hi - lo
	frac := (v - lo) / span
	if frac < 0 {
		frac = 0
	}
	if frac >= 1 {
		frac = math.Nextafter(1, 0)
	}
	return uint32(frac * float64(uint64(1)<<uint(bits)))
}

func interleave(a, b uint32, bits int) uint64 {
	var out uint64
	for i := 0; i < bits; i++ {
		out |= uint64((a>>uint(i))&1) << uint(2*i)
		out |= uint64((b>>uint(i))&1) << uint(2*i+1)
	}
	return out
}

const base32Alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

func encodeBase32(v uint64, bits int) string {
	out := make([]byte, 0, (bits+4)/5)
	for shift := bits - 5; shift >= 0; shift -= 5 {
		idx := (v >> uint(shift)) & 0x1f
		out = append(out, base32Alphabet[idx])
	}
	if rem := bits % 5; rem != 0 {
		idx := (v << uint(5-rem)) & 0x1f
		out = append(out, base32Alphabet[idx])
	}
	return string(out)
}

func haversineMeters(a, b GeoPoint) float64 {
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

func (m *Manager) applyGeoColumn(ctx context.Context, txn *mvcc.Txn, table, pk string, col ColumnConfig, old, next codec.Entity) error {
	oldPt, oldOK := geoPoint(old, col)
	newPt, newOK := geoPoint(next, col)

	if oldOK && newOK && oldPt == newPt {
		return nil
	}
	if oldOK {
		if err := txn.Delete(ctx, keys.GeoCell(table, col.Name, geoCellToken(oldPt), pk)); err != nil {
			return err
		}
	}
	if newOK {
		if err := txn.Put(ctx, keys.GeoCell(table, col.Name, geoCellToken(newPt), pk), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func geoPoint(e codec.Entity, col ColumnConfig) (GeoPoint, bool) {
	latVal, ok := fieldValue(e, col.LatField)
	if !ok || latVal.Tag != codec.TagFloat64 {
		return GeoPoint{}, false
	}
	lngVal, ok := fieldValue(e, col.LngField)
	if !ok || lngVal.Tag != codec.TagFloat64 {
		return GeoPoint{}, false
	}
	return GeoPoint{Lat: latVal.Float, Lng: lngVal.Float}, true
}

// GeoInCircle returns every primary key indexed under col whose point lies
// within radiusMeters of center, generating candidates from the covering
// set of geo cells and exact-filtering by haversine distance.
func (m *Manager) GeoInCircle(ctx context.Context, txn *mvcc.Txn, table, col string, center GeoPoint, radiusMeters float64, load func(pk string) (GeoPoint, bool, error)) ([]string, error) {
	cells := coveringCells(center, radiusMeters)
	return m.geoCandidates(txn, table, col, cells, func(pk string) (bool, error) {
		pt, ok, err := load(pk)
		if err != nil || !ok {
			return false, err
		}
		return haversineMeters(center, pt) <= radiusMeters, nil
	})
}

// GeoInBox returns every primary key indexed under col whose point lies
// within the bounding box [minLat,maxLat] x [minLng,maxLng].
func (m *Manager) GeoInBox(ctx context.Context, txn *mvcc.Txn, table, col string, minPt, maxPt GeoPoint, load func(pk string) (GeoPoint, bool, error)) ([]string, error) {
	center := GeoPoint{Lat: (minPt.Lat + maxPt.Lat) / 2, Lng: (minPt.Lng + maxPt.Lng) / 2}
	radius := haversineMeters(center, maxPt)
	cells := coveringCells(center, radius)
	return m.geoCandidates(txn, table, col, cells, func(pk string) (bool, error) {
		pt, ok, err := load(pk)
		if err != nil || !ok {
			return false, err
		}
		return pt.Lat >= minPt.Lat && pt.Lat <= maxPt.Lat && pt.Lng >= minPt.Lng && pt.Lng <= maxPt.Lng, nil
	})
}

func (m *Manager) geoCandidates(txn *mvcc.Txn, table, col string, cells []string, accept func(pk string) (bool, error)) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, cell := range cells {
		prefix := keys.GeoCellPrefix(table, col, cell)
		var scanErr error
		err := txn.ScanPrefix(prefix, func(k, v []byte) bool {
			pk := lastSegment(k)
			if seen[pk] {
				return true
			}
			seen[pk] = true
			ok, err := accept(pk)
			if err != nil {
				scanErr = err
				return false
			}
			if ok {
				out = append(out, pk)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		if scanErr != nil {
			return nil, scanErr
		}
	}
	return out, nil
}

// coveringCells returns the set of cell tokens whose grid squares could
// contain any point within radiusMeters of center, widening the ring of
// neighboring cells scanned as radiusMeters grows past one cell's width.
func coveringCells(center GeoPoint, radiusMeters float64) []string {
	cellSpanDegreesLat := latRange / float64(uint64(1)<<uint(geoCellBits))
	cellSpanDegreesLng := lngRange / float64(uint64(1)<<uint(geoCellBits))
	metersPerDegreeLat := earthRadiusMeters * math.Pi / 180
	spanMeters := cellSpanDegreesLat * metersPerDegreeLat
	ringCount := int(math.Ceil(radiusMeters/spanMeters)) + 1

	seen := make(map[string]bool)
	var out []string
	for dLat := -ringCount; dLat <= ringCount; dLat++ {
		for dLng := -ringCount; dLng <= ringCount; dLng++ {
			p := GeoPoint{
				Lat: clampLat(center.Lat + float64(dLat)*cellSpanDegreesLat),
				Lng: wrapLng(center.Lng + float64(dLng)*cellSpanDegreesLng),
			}
			token := geoCellToken(p)
			if !seen[token] {
				seen[token] = true
				out = append(out, token)
			}
		}
	}
	return out
}

func clampLat(lat float64) float64 {
	if lat > 90 {
		return 90
	}
	if lat < -90 {
		return -90
	}
	return lat
}

func wrapLng(lng float64) float64 {
	for lng > 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}

// lastSegment returns the final ':'-delimited component of a key, which by
// construction is the primary key suffix.
func lastSegment(k []byte) string {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == ':' {
			return string(k[i+1:])
		}
	}
	return string(k)
}
