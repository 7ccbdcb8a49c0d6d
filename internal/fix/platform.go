package fix

// Flags marks which PlatformLocation fields carry data. The values match the
// host location-service structure.
type Flags uint16

const (
	HasLatLong  Flags = 0x0001
	HasAltitude Flags = 0x0002
	HasSpeed    Flags = 0x0004
	HasBearing  Flags = 0x0008
	HasAccuracy Flags = 0x0010
)

// PlatformLocation is the flat location structure handed to the host. A field
// whose flag is clear is left at zero, the host's "absent" value.
type PlatformLocation struct {
	Flags     Flags   `json:"flags"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	Speed     float32 `json:"speed"`
	Bearing   float32 `json:"bearing"`
	Accuracy  float32 `json:"accuracy"`
	Timestamp UTCTime `json:"timestamp"`
}

// CopyToPlatform fills a PlatformLocation from the valid fields of r only.
func (r Record) CopyToPlatform() PlatformLocation {
	out := PlatformLocation{Timestamp: r.timestamp}
	if lat, lon, ok := r.Location(); ok {
		out.Flags |= HasLatLong
		out.Latitude, out.Longitude = lat, lon
	}
	if v, ok := r.Altitude(); ok {
		out.Flags |= HasAltitude
		out.Altitude = v
	}
	if v, ok := r.Speed(); ok {
		out.Flags |= HasSpeed
		out.Speed = float32(v)
	}
	if v, ok := r.Bearing(); ok {
		out.Flags |= HasBearing
		out.Bearing = float32(v)
	}
	if v, ok := r.Accuracy(); ok {
		out.Flags |= HasAccuracy
		out.Accuracy = float32(v)
	}
	return out
}

func (f Flags) Has(mask Flags) bool { return f&mask == mask }
