package fix

// Satellite is one entry of the satellites-in-view list. Constellation is the
// NMEA talker that reported it (GP, GL, GA, GB, GQ).
type Satellite struct {
	Constellation string `json:"constellation"`
	PRN           int    `json:"prn"`
	Elevation     int    `json:"elevation"`
	Azimuth       int    `json:"azimuth"`
	SNR           int    `json:"snr"`
	Used          bool   `json:"used"`
}

// UsedCount returns how many satellites of sats are part of the solution.
func UsedCount(sats []Satellite) int {
	n := 0
	for _, s := range sats {
		if s.Used {
			n++
		}
	}
	return n
}
