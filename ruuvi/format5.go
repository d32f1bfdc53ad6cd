package ruuvi

import (
	"encoding/binary"
	"math"
)

const format5Length = 24

// decodeFormat5 decodes the RAWv2 layout:
// - Byte 0: format (0x05)
// - Bytes 1-6: temperature, humidity, pressure
// - Bytes 7-12: acceleration x, y, z in mG (signed, 0x8000 unavailable)
// - Bytes 13-14: power info, 11 bits battery above 1600 mV, 5 bits tx power
// - Byte 15: movement counter
// - Bytes 16-17: measurement sequence number
// - Bytes 18-23: MAC address
func decodeFormat5(b []byte) (*Format5, error) {
	if err := checkLength(b, format5Length); err != nil {
		return nil, err
	}

	r := &Format5{
		Environment: decodeEnvironment(b, 1),
		MAC:         formatMAC(b[18:24]),
	}

	x := int16(binary.BigEndian.Uint16(b[7:9]))
	y := int16(binary.BigEndian.Uint16(b[9:11]))
	z := int16(binary.BigEndian.Uint16(b[11:13]))
	if x != math.MinInt16 && y != math.MinInt16 && z != math.MinInt16 {
		r.Acceleration = &Acceleration{X: x, Y: y, Z: z}
	}

	power := binary.BigEndian.Uint16(b[13:15])
	if battery := power >> 5; battery != 0x7FF {
		mv := battery + 1600
		r.BatteryMillivolts = &mv
	}
	if tx := power & 0x1F; tx != 0x1F {
		dbm := int8(tx)*2 - 40
		r.TxPower = &dbm
	}

	movement := b[15]
	r.MovementCounter = &movement

	sequence := binary.BigEndian.Uint16(b[16:18])
	r.Sequence = &sequence

	return r, nil
}
