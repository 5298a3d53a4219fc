// Package gdl90 encodes the GDL90 "Traffic Report" message (id 20), the
// ground-link format this service speaks to its TCP clients.
package gdl90

import (
	"errors"

	"github.com/samsamfire/atcfand/internal/crc"
	"github.com/samsamfire/atcfand/pkg/record"
)

const (
	flagByte = 0x7E
	escByte  = 0x7D
	escXor   = 0x20

	messageIDTrafficReport = 20
	dataLen                = 27
)

// ErrBufferTooSmall is returned by EncodeTrafficReport when out is not
// large enough to hold the framed, byte-stuffed message.
var ErrBufferTooSmall = errors.New("gdl90: output buffer too small")

// EncodeTrafficReport writes a complete, framed, byte-stuffed GDL90
// Traffic Report message for rec into out and returns the number of bytes
// written.
func EncodeTrafficReport(rec record.Record, out []byte) (int, error) {
	var data [1 + dataLen]byte // MESSAGE_ID followed by the 27 DATA bytes
	data[0] = messageIDTrafficReport
	encodeData(rec, data[1:])

	crcValue := crc.Compute(data[:])

	// unstuffed = MESSAGE_ID + DATA + CRC_LSB + CRC_MSB, the interior that
	// gets byte-stuffed between the two outer FLAG bytes.
	var unstuffed [1 + dataLen + 2]byte
	copy(unstuffed[:], data[:])
	unstuffed[1+dataLen] = byte(crcValue)
	unstuffed[1+dataLen+1] = byte(crcValue >> 8)

	n := 0
	put := func(b byte) error {
		if n >= len(out) {
			return ErrBufferTooSmall
		}
		out[n] = b
		n++
		return nil
	}

	if err := put(flagByte); err != nil {
		return 0, err
	}
	for _, b := range unstuffed {
		if b == flagByte || b == escByte {
			if err := put(escByte); err != nil {
				return 0, err
			}
			if err := put(b ^ escXor); err != nil {
				return 0, err
			}
		} else {
			if err := put(b); err != nil {
				return 0, err
			}
		}
	}
	if err := put(flagByte); err != nil {
		return 0, err
	}

	return n, nil
}

func encodeData(rec record.Record, d []byte) {
	_ = d[26] // bounds check hint, d must be exactly 27 bytes

	addrTypeNibble := byte(0)
	if rec.AddressType == record.Ogn {
		addrTypeNibble = 6
	}
	d[0] = addrTypeNibble // high nibble (misc flags) starts at 0

	addr := rec.Address & 0xFFFFFF
	d[1] = byte(addr >> 16)
	d[2] = byte(addr >> 8)
	d[3] = byte(addr)

	lat := encodeAngle24(rec.Latitude, latLonMaxPositive, latLonMinNegative)
	d[4] = byte(lat >> 16)
	d[5] = byte(lat >> 8)
	d[6] = byte(lat)

	lon := encodeAngle24(rec.Longitude, lonMaxPositive, lonMinNegative)
	d[7] = byte(lon >> 16)
	d[8] = byte(lon >> 8)
	d[9] = byte(lon)

	altCode := encodeAltitude(rec.Altitude)
	d[10] = byte(altCode >> 4)
	d[11] = byte(altCode<<4) & 0xF0

	miscIndicator := byte(0x08) // bit 3 always set
	if rec.Track != nil {
		miscIndicator |= 0x01
	}
	d[11] |= miscIndicator

	d[12] = 0 // NIC/NACp left 0

	hVel := encodeHorizontalVelocity(rec.GroundSpeed)
	d[13] = byte(hVel >> 4)
	d[14] = byte(hVel<<4) & 0xF0

	vVel := encodeVerticalVelocity(rec.VerticalSpeed)
	d[14] |= byte(vVel>>8) & 0x0F
	d[15] = byte(vVel)

	d[16] = encodeTrack(rec.Track)
	d[17] = 0 // emitter category left 0

	encodeCallsign(rec.Callsign, d[18:26])

	d[26] = 0 // code / emergency priority left 0
}

const (
	// latitude/longitude are encoded as round(value * 2^23 / 180), clamped
	// to a signed 24-bit range.
	angleScale = float64(int64(1) << 23) / 180.0

	latLonMaxPositive = 1<<22 - 1 // +2^22-1, shared bound used for latitude
	latLonMinNegative = -(1 << 22)

	lonMaxPositive = 1<<23 - 1 // longitude gets the full signed 24-bit range
	lonMinNegative = -(1 << 23)
)

func encodeAngle24(deg float64, maxPositive, minNegative int32) uint32 {
	scaled := roundToInt64(deg * angleScale)
	if scaled > int64(maxPositive) {
		scaled = int64(maxPositive)
	}
	if scaled < int64(minNegative) {
		scaled = int64(minNegative)
	}
	return uint32(scaled) & 0xFFFFFF
}

func roundToInt64(v float64) int64 {
	if v >= 0 {
		return int64(v + 0.5)
	}
	return int64(v - 0.5)
}

// encodeAltitude packs feet into the 12-bit unsigned field:
// (max(alt,-1000)+1000)/25, clamped to [0x000, 0xFFE].
func encodeAltitude(altFeet int32) uint16 {
	a := altFeet
	if a < -1000 {
		a = -1000
	}
	code := (int64(a) + 1000) / 25
	if code < 0 {
		code = 0
	}
	if code > 0xFFE {
		code = 0xFFE
	}
	return uint16(code)
}

// encodeHorizontalVelocity packs knots into a 12-bit unsigned field; absent
// -> 0xFFF (no data).
func encodeHorizontalVelocity(gs *int32) uint16 {
	if gs == nil {
		return 0xFFF
	}
	v := *gs
	if v < 0 {
		v = 0
	}
	if v > 0xFFE {
		v = 0xFFE
	}
	return uint16(v)
}

// encodeVerticalVelocity packs fpm into a 12-bit two's-complement field;
// absent -> 0x800 (no data sentinel). Present values are clamped to
// [-32640, 32640] then divided by 64.
func encodeVerticalVelocity(vs *int32) uint16 {
	if vs == nil {
		return 0x800
	}
	v := *vs
	if v > 32640 {
		v = 32640
	}
	if v < -32640 {
		v = -32640
	}
	code := v / 64
	return uint16(code) & 0x0FFF
}

// encodeTrack packs degrees into an 8-bit field: round(track*256/360),
// clamped to 255; absent -> 0.
func encodeTrack(track *uint16) byte {
	if track == nil {
		return 0
	}
	v := (int64(*track)*256 + 180) / 360
	if v > 255 {
		v = 255
	}
	if v < 0 {
		v = 0
	}
	return byte(v)
}

// encodeCallsign copies up to 8 ASCII characters into dst, space-padding
// short callsigns and replacing non-ASCII bytes with '?'.
func encodeCallsign(callsign string, dst []byte) {
	for i := range dst {
		dst[i] = ' '
	}
	for i := 0; i < len(dst) && i < len(callsign); i++ {
		c := callsign[i]
		if c > 0x7F {
			c = '?'
		}
		dst[i] = c
	}
}
