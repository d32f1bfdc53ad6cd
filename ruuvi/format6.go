package ruuvi

import "math"

const format6Length = 20

// Flag bits carrying the least significant bit of the 9 bit indices
const (
	flagVOCBit = 6
	flagNOxBit = 7
)

// decodeFormat6 decodes the compact air quality layout:
// - Byte 0: format (0x06)
// - Bytes 1-6: temperature, humidity, pressure
// - Bytes 7-8: PM2.5 in 0.1 µg/m³
// - Bytes 9-10: CO2 in ppm
// - Byte 11: VOC index, high 8 bits
// - Byte 12: NOx index, high 8 bits
// - Byte 13: luminosity, logarithmic
// - Byte 14: reserved
// - Byte 15: measurement sequence number
// - Byte 16: flags
// - Bytes 17-19: low three bytes of the MAC address
func decodeFormat6(b []byte) (*Format6, error) {
	if err := checkLength(b, format6Length); err != nil {
		return nil, err
	}

	flags := b[16]
	sequence := b[15]
	r := &Format6{
		Environment: decodeEnvironment(b, 1),
		AirQuality: AirQuality{
			PM2_5:      decodeTenths(b[7:9]),
			CO2:        decodeUint16(b[9:11]),
			VOC:        decodeIndex(b[11], flags, flagVOCBit),
			NOx:        decodeIndex(b[12], flags, flagNOxBit),
			Luminosity: decodeLogLuminosity(b[13]),
		},
		Sequence: &sequence,
		Flags:    flags,
		MAC:      formatMAC(b[17:20]),
	}
	return r, nil
}

// decodeLogLuminosity expands the one byte logarithmic encoding of 0..65535
// lux, rounded to 0.01 lux. 0xFF means unavailable.
func decodeLogLuminosity(code byte) *float64 {
	if code == 0xFF {
		return nil
	}
	lux := math.Exp(float64(code)*math.Log(65536)/254) - 1
	lux = math.Round(lux*100) / 100
	return &lux
}
