package ruuvi

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mjasion/balena-home/ruuvi_gateway/advert"
)

// ManufacturerID is the Bluetooth SIG company identifier of Ruuvi Innovations
const ManufacturerID uint16 = 0x0499

var (
	ErrUnsupportedFormat = errors.New("unsupported data format")
	ErrInvalidLength     = errors.New("invalid payload length")
)

// FormatError is returned for a Ruuvi payload that could not be decoded
type FormatError struct {
	Format  Format
	Payload []byte
	Err     error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("decode format %s payload %s: %v",
		e.Format, strings.ToUpper(hex.EncodeToString(e.Payload)), e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Status classifies the result of decoding one advertisement
type Status int

const (
	// StatusDecoded means at least one Ruuvi structure decoded
	StatusDecoded Status = iota
	// StatusNoVendorData means no structure carried the Ruuvi manufacturer id
	StatusNoVendorData
	// StatusUndecodable means Ruuvi structures were present but none decoded
	StatusUndecodable
)

func (s Status) String() string {
	switch s {
	case StatusDecoded:
		return "decoded"
	case StatusNoVendorData:
		return "no_vendor_data"
	case StatusUndecodable:
		return "undecodable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the result of DecodeAdvertisement. Failures lists every
// problem met on the way, including a framing error that cut the scan
// short, even when Status is StatusDecoded.
type Outcome struct {
	Status     Status
	Reading    Reading
	Candidates int
	Failures   []error
}

// DecodeAdvertisement scans a raw advertisement buffer and decodes its Ruuvi
// manufacturer data. When several Ruuvi structures are present the last one
// that decodes wins.
func DecodeAdvertisement(data []byte) Outcome {
	var out Outcome

	s := advert.NewScanner(data)
	for s.Scan() {
		st := s.Structure()
		if st.Type != advert.TypeManufacturerData || len(st.Payload) < 2 {
			continue
		}
		if binary.LittleEndian.Uint16(st.Payload[:2]) != ManufacturerID {
			continue
		}

		out.Candidates++
		reading, err := DecodePayload(st.Payload[2:])
		if err != nil {
			out.Failures = append(out.Failures, err)
			continue
		}
		out.Reading = reading
	}
	if err := s.Err(); err != nil {
		out.Failures = append(out.Failures, err)
	}

	switch {
	case out.Reading != nil:
		out.Status = StatusDecoded
	case out.Candidates == 0:
		out.Status = StatusNoVendorData
	default:
		out.Status = StatusUndecodable
	}
	return out
}

// DecodePayload decodes the bytes following the manufacturer id.
// The first byte selects the layout.
func DecodePayload(payload []byte) (Reading, error) {
	if len(payload) == 0 {
		return nil, &FormatError{Err: fmt.Errorf("%w: empty payload", ErrInvalidLength)}
	}

	format := Format(payload[0])
	var (
		reading Reading
		err     error
	)
	switch format {
	case DataFormat5:
		reading, err = decodeFormat5(payload)
	case DataFormat6:
		reading, err = decodeFormat6(payload)
	case DataFormatE1:
		reading, err = decodeFormatE1(payload)
	default:
		err = ErrUnsupportedFormat
	}
	if err != nil {
		return nil, &FormatError{Format: format, Payload: payload, Err: err}
	}
	return reading, nil
}

func checkLength(payload []byte, expected int) error {
	if len(payload) != expected {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidLength, expected, len(payload))
	}
	return nil
}

// decodeEnvironment reads temperature, humidity and pressure from the six
// bytes starting at off. All formats place them identically.
func decodeEnvironment(b []byte, off int) Environment {
	var env Environment

	if raw := int16(binary.BigEndian.Uint16(b[off:])); raw != math.MinInt16 {
		t := float64(raw) / 200
		env.Temperature = &t
	}
	if raw := binary.BigEndian.Uint16(b[off+2:]); raw != math.MaxUint16 {
		h := float64(raw) / 400
		env.Humidity = &h
	}
	if raw := binary.BigEndian.Uint16(b[off+4:]); raw != math.MaxUint16 {
		p := uint32(raw) + 50000
		env.Pressure = &p
	}
	return env
}

// decodeTenths reads a u16 in 0.1 steps, 0xFFFF meaning unavailable
func decodeTenths(b []byte) *float64 {
	raw := binary.BigEndian.Uint16(b)
	if raw == math.MaxUint16 {
		return nil
	}
	v := float64(raw) / 10
	return &v
}

func decodeUint16(b []byte) *uint16 {
	raw := binary.BigEndian.Uint16(b)
	if raw == math.MaxUint16 {
		return nil
	}
	return &raw
}

// decodeIndex rebuilds a 9 bit index from its high byte and the flag bit
// holding its least significant bit. 511 means unavailable.
func decodeIndex(high byte, flags byte, bit uint) *uint16 {
	v := uint16(high)<<1 | uint16(flags>>bit)&1
	if v == 511 {
		return nil
	}
	return &v
}

func formatMAC(b []byte) string {
	var sb strings.Builder
	for i, octet := range b {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02X", octet)
	}
	return sb.String()
}
