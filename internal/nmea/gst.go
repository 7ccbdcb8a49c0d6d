package nmea

import gonmea "github.com/adrianmo/go-nmea"

const TypeGST = "GST"

// GST carries the receiver's pseudorange error statistics. go-nmea has no
// built-in parser for it, so it is registered as a custom sentence.
type GST struct {
	gonmea.BaseSentence
	Time           gonmea.Time
	RMS            float64
	SemiMajorError float64
	SemiMinorError float64
	Orientation    float64
	LatitudeError  float64
	LongitudeError float64
	AltitudeError  float64
}

func init() {
	gonmea.MustRegisterParser(TypeGST, parseGST)
}

func parseGST(s gonmea.BaseSentence) (gonmea.Sentence, error) {
	p := gonmea.NewParser(s)
	p.AssertType(TypeGST)
	return GST{
		BaseSentence:   s,
		Time:           p.Time(0, "time"),
		RMS:            p.Float64(1, "rms"),
		SemiMajorError: p.Float64(2, "semi-major error"),
		SemiMinorError: p.Float64(3, "semi-minor error"),
		Orientation:    p.Float64(4, "orientation"),
		LatitudeError:  p.Float64(5, "latitude error"),
		LongitudeError: p.Float64(6, "longitude error"),
		AltitudeError:  p.Float64(7, "altitude error"),
	}, p.Err()
}
