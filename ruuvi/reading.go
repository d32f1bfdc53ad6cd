// Package ruuvi decodes Ruuvi manufacturer-specific advertisement payloads.
package ruuvi

import (
	"fmt"
	"math"
)

// Format is the data format byte that leads every Ruuvi payload
type Format byte

const (
	DataFormat5  Format = 0x05
	DataFormat6  Format = 0x06
	DataFormatE1 Format = 0xE1
)

func (f Format) String() string {
	switch f {
	case DataFormat5:
		return "V5"
	case DataFormat6:
		return "V6"
	case DataFormatE1:
		return "E1"
	default:
		return fmt.Sprintf("0x%02X", byte(f))
	}
}

// Reading is a decoded payload. The set of implementations is closed:
// *Format5, *Format6 and *FormatE1.
type Reading interface {
	Format() Format
	isReading()
}

// Environment holds the fields every format shares.
// Nil pointers mean the sensor reported the value as unavailable.
type Environment struct {
	Temperature *float64 // °C
	Humidity    *float64 // relative humidity in percent
	Pressure    *uint32  // Pa
}

// HumidityRatio converts percent humidity to a 0..1 ratio. The value is
// rounded through parts per million so 32.95 % yields exactly 0.3295.
func (e Environment) HumidityRatio() (float64, bool) {
	if e.Humidity == nil {
		return 0, false
	}
	return math.Round(*e.Humidity*1e4) / 1e6, true
}

// Acceleration is a three axis vector in milli-g
type Acceleration struct {
	X, Y, Z int16
}

// AirQuality holds the fields shared by the air quality formats
type AirQuality struct {
	PM2_5      *float64 // µg/m³
	CO2        *uint16  // ppm
	VOC        *uint16  // index
	NOx        *uint16  // index
	Luminosity *float64 // lux
}

// Format5 is the RAWv2 layout broadcast by RuuviTag
type Format5 struct {
	Environment
	Acceleration      *Acceleration
	BatteryMillivolts *uint16
	TxPower           *int8 // dBm
	MovementCounter   *uint8
	Sequence          *uint16
	MAC               string
}

// Format6 is the compact air quality layout broadcast by Ruuvi Air
type Format6 struct {
	Environment
	AirQuality
	Sequence *uint8
	Flags    byte
	MAC      string // low three bytes only
}

// FormatE1 is the extended air quality layout broadcast by Ruuvi Air
type FormatE1 struct {
	Environment
	AirQuality
	PM1_0    *float64 // µg/m³
	PM4_0    *float64 // µg/m³
	PM10_0   *float64 // µg/m³
	Sequence *uint32
	Flags    byte
	MAC      string
}

func (*Format5) Format() Format  { return DataFormat5 }
func (*Format6) Format() Format  { return DataFormat6 }
func (*FormatE1) Format() Format { return DataFormatE1 }

func (*Format5) isReading()  {}
func (*Format6) isReading()  {}
func (*FormatE1) isReading() {}
