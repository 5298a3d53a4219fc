// Package record defines the common in-memory shape of one aircraft
// traffic report and its wire encoding on the internal bus.
package record

import (
	"encoding/binary"
	"fmt"
	"math"
)

// AddressType distinguishes the ICAO 24-bit address space from the OGN
// (FLARM-derived) address space. Serialized as a single byte discriminant.
type AddressType uint8

const (
	AdsbIcao AddressType = iota
	Ogn
)

func (t AddressType) String() string {
	switch t {
	case AdsbIcao:
		return "AdsbIcao"
	case Ogn:
		return "Ogn"
	default:
		return fmt.Sprintf("AddressType(%d)", uint8(t))
	}
}

// MaxEncodedLen bounds the serialized form; the bus receiver allocates
// exactly this many bytes for recv and discards anything longer.
const MaxEncodedLen = 100

// maxCallsignLen is the longest callsign this codec will carry, chosen so
// that a record with every optional field present encodes to exactly
// MaxEncodedLen bytes. Longer input is truncated here; the GDL90 encoder
// would further pad/truncate to its fixed 8-byte field regardless.
const maxCallsignLen = 64

// Record is a single normalized aircraft position/velocity report. Once
// constructed it must not be mutated — it is shared, unsynchronized,
// across every pool goroutine that reads it off the bus.
type Record struct {
	AddressType AddressType
	// Address is a 24-bit identifier; the upper 8 bits of this field must
	// be zero.
	Address  uint32
	Callsign string
	// Altitude is in feet, referenced to 1013 hPa.
	Altitude int32
	// Latitude and Longitude are in degrees, [-90,90] and [-180,180].
	Latitude  float64
	Longitude float64

	// Track, GroundSpeed and VerticalSpeed are optional; absence is
	// distinct from zero and must round-trip through the bus.
	Track         *uint16
	GroundSpeed   *int32
	VerticalSpeed *int32
}

const (
	flagTrack = 1 << iota
	flagGroundSpeed
	flagVerticalSpeed
)

// Encode serializes r into a self-delimiting binary datagram suitable for
// posting on the internal bus. The encoding is deterministic and symmetric:
// any producer and any consumer built against this codec agree byte for
// byte. Matches the explicit-field binary.BigEndian packing idiom the
// object dictionary codec uses, generalized with a presence-flag byte for
// the optional trailing fields.
func Encode(r Record) []byte {
	callsign := r.Callsign
	if len(callsign) > maxCallsignLen {
		callsign = callsign[:maxCallsignLen]
	}

	buf := make([]byte, 0, MaxEncodedLen)
	buf = append(buf, byte(r.AddressType))

	var addr [4]byte
	binary.BigEndian.PutUint32(addr[:], r.Address&0x00FFFFFF)
	buf = append(buf, addr[1:]...)

	buf = append(buf, byte(len(callsign)))
	buf = append(buf, callsign...)

	var alt [4]byte
	binary.BigEndian.PutUint32(alt[:], uint32(r.Altitude))
	buf = append(buf, alt[:]...)

	var lat, lon [8]byte
	binary.BigEndian.PutUint64(lat[:], math.Float64bits(r.Latitude))
	binary.BigEndian.PutUint64(lon[:], math.Float64bits(r.Longitude))
	buf = append(buf, lat[:]...)
	buf = append(buf, lon[:]...)

	var flags byte
	if r.Track != nil {
		flags |= flagTrack
	}
	if r.GroundSpeed != nil {
		flags |= flagGroundSpeed
	}
	if r.VerticalSpeed != nil {
		flags |= flagVerticalSpeed
	}
	buf = append(buf, flags)

	if r.Track != nil {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], *r.Track)
		buf = append(buf, b[:]...)
	}
	if r.GroundSpeed != nil {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(*r.GroundSpeed))
		buf = append(buf, b[:]...)
	}
	if r.VerticalSpeed != nil {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(*r.VerticalSpeed))
		buf = append(buf, b[:]...)
	}

	return buf
}

// ErrShortBuffer is returned by Decode when buf is truncated mid-field.
var ErrShortBuffer = fmt.Errorf("record: buffer too short")

// Decode parses a datagram produced by Encode. A programmer bug on the
// sender side (serialization failure) is not representable here: Encode
// never fails, so the only failure mode on this side is a corrupt or
// truncated datagram, which is a non-fatal BusDecode error to the caller.
func Decode(buf []byte) (Record, error) {
	var r Record
	pos := 0

	need := func(n int) error {
		if len(buf)-pos < n {
			return ErrShortBuffer
		}
		return nil
	}

	if err := need(1); err != nil {
		return r, err
	}
	r.AddressType = AddressType(buf[pos])
	pos++

	if err := need(3); err != nil {
		return r, err
	}
	r.Address = uint32(buf[pos])<<16 | uint32(buf[pos+1])<<8 | uint32(buf[pos+2])
	pos += 3

	if err := need(1); err != nil {
		return r, err
	}
	csLen := int(buf[pos])
	pos++
	if err := need(csLen); err != nil {
		return r, err
	}
	r.Callsign = string(buf[pos : pos+csLen])
	pos += csLen

	if err := need(4); err != nil {
		return r, err
	}
	r.Altitude = int32(binary.BigEndian.Uint32(buf[pos : pos+4]))
	pos += 4

	if err := need(16); err != nil {
		return r, err
	}
	r.Latitude = math.Float64frombits(binary.BigEndian.Uint64(buf[pos : pos+8]))
	pos += 8
	r.Longitude = math.Float64frombits(binary.BigEndian.Uint64(buf[pos : pos+8]))
	pos += 8

	if err := need(1); err != nil {
		return r, err
	}
	flags := buf[pos]
	pos++

	if flags&flagTrack != 0 {
		if err := need(2); err != nil {
			return r, err
		}
		v := binary.BigEndian.Uint16(buf[pos : pos+2])
		r.Track = &v
		pos += 2
	}
	if flags&flagGroundSpeed != 0 {
		if err := need(4); err != nil {
			return r, err
		}
		v := int32(binary.BigEndian.Uint32(buf[pos : pos+4]))
		r.GroundSpeed = &v
		pos += 4
	}
	if flags&flagVerticalSpeed != 0 {
		if err := need(4); err != nil {
			return r, err
		}
		v := int32(binary.BigEndian.Uint32(buf[pos : pos+4]))
		r.VerticalSpeed = &v
		pos += 4
	}

	return r, nil
}
