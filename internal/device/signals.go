package device

import (
	"time"

	"gnsshal/internal/eventbus"
	"gnsshal/internal/fix"
	"gnsshal/internal/timeutil"
)

// NmeaEvent is one raw protocol sentence stamped with the controller's last
// fix timestamp.
type NmeaEvent struct {
	Timestamp fix.UTCTime
	Message   string
}

// Status values follow the host location-service status callback.
type Status int

const (
	StatusNone         Status = 0
	StatusSessionBegin Status = 1
	StatusSessionEnd   Status = 2
	StatusEngineOn     Status = 3
	StatusEngineOff    Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusSessionBegin:
		return "session_begin"
	case StatusSessionEnd:
		return "session_end"
	case StatusEngineOn:
		return "engine_on"
	case StatusEngineOff:
		return "engine_off"
	default:
		return "none"
	}
}

// PositionMode selects how the receiver may be assisted.
type PositionMode int

const (
	ModeStandalone PositionMode = iota
	ModeMSBased
	ModeMSAssisted
)

// Recurrence selects periodic fixes or a single fix per session.
type Recurrence int

const (
	RecurrencePeriodic Recurrence = iota
	RecurrenceSingle
)

func (r Recurrence) String() string {
	if r == RecurrenceSingle {
		return "single"
	}
	return "periodic"
}

// PositionModeRequest is the platform's fix-reporting preference.
// MinInterval is the minimum time between location updates; zero keeps the
// configured interval.
type PositionModeRequest struct {
	Mode              PositionMode
	Recurrence        Recurrence
	MinInterval       time.Duration
	PreferredAccuracy int // metres
	PreferredTime     time.Duration
}

// LocationInjection is a coarse position handed to the driver by the host,
// e.g. from the network.
type LocationInjection struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"` // metres
}

// AidingData flags select what DeleteAidingData drops.
type AidingData uint16

const (
	AidingEphemeris AidingData = 1 << iota
	AidingAlmanac
	AidingPosition
	AidingTime
	AidingIono
	AidingUTC
	AidingHealth
	AidingSvDir
	AidingSvSteer
	AidingSaData
	AidingRTI
	AidingCellDB AidingData = 0x8000
	AidingAll    AidingData = 0xFFFF
)

func (a AidingData) Has(mask AidingData) bool { return a&mask != 0 }

// Signals is the set of channels between the host platform and the driver.
// One Signals value is built per Bus and handed to every component that needs
// it.
type Signals struct {
	// Platform to driver.
	Start            *eventbus.Request[eventbus.Void, int]
	Stop             *eventbus.Request[eventbus.Void, int]
	Cleanup          *eventbus.Channel[eventbus.Void]
	InjectTime       *eventbus.Channel[timeutil.Injection]
	InjectLocation   *eventbus.Request[LocationInjection, int]
	DeleteAidingData *eventbus.Channel[AidingData]
	SetPositionMode  *eventbus.Request[PositionModeRequest, int]

	// Driver to platform.
	Nmea           *eventbus.Channel[NmeaEvent]
	LocationUpdate *eventbus.Channel[fix.Record]
	SatelliteList  *eventbus.Channel[[]fix.Satellite]
	Status         *eventbus.Channel[Status]
}

func NewSignals(b *eventbus.Bus) *Signals {
	return &Signals{
		Start:            eventbus.NewRequest[eventbus.Void, int](b, "gps.start"),
		Stop:             eventbus.NewRequest[eventbus.Void, int](b, "gps.stop"),
		Cleanup:          eventbus.NewChannel[eventbus.Void](b, "gps.cleanup"),
		InjectTime:       eventbus.NewChannel[timeutil.Injection](b, "gps.inject_time"),
		InjectLocation:   eventbus.NewRequest[LocationInjection, int](b, "gps.inject_location"),
		DeleteAidingData: eventbus.NewChannel[AidingData](b, "gps.delete_aiding_data"),
		SetPositionMode:  eventbus.NewRequest[PositionModeRequest, int](b, "gps.set_position_mode"),

		Nmea:           eventbus.NewChannel[NmeaEvent](b, "gps.nmea"),
		LocationUpdate: eventbus.NewChannel[fix.Record](b, "gps.location_update"),
		SatelliteList:  eventbus.NewChannel[[]fix.Satellite](b, "gps.satellite_list"),
		Status:         eventbus.NewChannel[Status](b, "gps.status"),
	}
}
