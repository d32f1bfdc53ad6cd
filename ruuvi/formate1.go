package ruuvi

const formatE1Length = 40

// decodeFormatE1 decodes the extended air quality layout:
// - Byte 0: format (0xE1)
// - Bytes 1-6: temperature, humidity, pressure
// - Bytes 7-14: PM1.0, PM2.5, PM4.0, PM10.0 in 0.1 µg/m³
// - Bytes 15-16: CO2 in ppm
// - Byte 17: VOC index, high 8 bits
// - Byte 18: NOx index, high 8 bits
// - Bytes 19-21: luminosity in 0.01 lux
// - Bytes 22-24: reserved
// - Bytes 25-27: measurement sequence number
// - Byte 28: flags
// - Bytes 29-33: reserved
// - Bytes 34-39: MAC address
func decodeFormatE1(b []byte) (*FormatE1, error) {
	if err := checkLength(b, formatE1Length); err != nil {
		return nil, err
	}

	flags := b[28]
	sequence := uint24(b[25:28])
	r := &FormatE1{
		Environment: decodeEnvironment(b, 1),
		AirQuality: AirQuality{
			PM2_5:      decodeTenths(b[9:11]),
			CO2:        decodeUint16(b[15:17]),
			VOC:        decodeIndex(b[17], flags, flagVOCBit),
			NOx:        decodeIndex(b[18], flags, flagNOxBit),
			Luminosity: decodeLuminosityE1(b[19:22]),
		},
		PM1_0:    decodeTenths(b[7:9]),
		PM4_0:    decodeTenths(b[11:13]),
		PM10_0:   decodeTenths(b[13:15]),
		Sequence: &sequence,
		Flags:    flags,
		MAC:      formatMAC(b[34:40]),
	}
	return r, nil
}

func decodeLuminosityE1(b []byte) *float64 {
	raw := uint24(b)
	if raw == 0xFFFFFF {
		return nil
	}
	lux := float64(raw) / 100
	return &lux
}

func uint24(b []byte) uint32 {
	_ = b[2]
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
