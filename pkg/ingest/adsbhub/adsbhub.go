// Package adsbhub maintains a persistent TCP connection to the ADSBHub SBS
// feed and assembles the three-message (identification, position,
// velocity) sequence per aircraft into traffic records.
package adsbhub

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/samsamfire/atcfand/internal/metrics"
	"github.com/samsamfire/atcfand/internal/sockopt"
	"github.com/samsamfire/atcfand/pkg/bus"
	"github.com/samsamfire/atcfand/pkg/record"
)

// Addr is the fixed upstream SBS feed address.
const Addr = "data.adsbhub.org:5002"

// addrOverride lets tests point runOnce at a local listener instead of the
// real upstream; empty means use Addr.
var addrOverride string

const retryInterval = 5 * time.Second

// Sender is the subset of bus.Sender this adapter needs, so tests can
// substitute an in-memory producer.
type Sender interface {
	Send(record.Record)
}

// Run dials Addr and consumes SBS lines until ctx is cancelled, retrying
// forever with a 5s backoff on any connection or protocol failure.
func Run(ctx context.Context, sender Sender, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("service", "ingest-adsbhub")

	for {
		if ctx.Err() != nil {
			return
		}
		if err := runOnce(ctx, sender, log); err != nil {
			log.Warn("connection failed, retrying", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryInterval):
		}
	}
}

func runOnce(ctx context.Context, sender Sender, log *slog.Logger) error {
	addr := Addr
	if addrOverride != "" {
		addr = addrOverride
	}
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("adsbhub: dial: %w", err)
	}
	defer conn.Close()

	tcpConn, ok := conn.(*net.TCPConn)
	if ok {
		if err := sockopt.ApplyKeepalive(tcpConn, sockopt.DefaultKeepalive); err != nil {
			log.Warn("failed to set keepalive", "err", err)
		}
	}
	log.Info("connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	seq := newSequenceTracker()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		rec, ok, err := seq.feed(line)
		if err != nil {
			log.Warn("malformed sequence, aborting connection", "err", err)
			return err
		}
		if ok {
			sender.Send(rec)
			metrics.IngestRecordsTotal.WithLabelValues("adsbhub").Inc()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("adsbhub: read: %w", err)
	}
	return fmt.Errorf("adsbhub: upstream closed connection")
}

// SBS field indices (1-based in the wire format): 1 transmission type, 4
// hex ident, 10 callsign (type-1), 11 altitude, 14 latitude, 15 longitude
// (type-3), 12 ground speed, 13 track, 16 vertical rate (type-4).
const (
	fieldTransmissionType = 1
	fieldHexIdent         = 4
	fieldCallsign         = 10
	fieldAltitude         = 11
	fieldGroundSpeed      = 12
	fieldTrack            = 13
	fieldLatitude         = 14
	fieldLongitude        = 15
	fieldVerticalRate     = 16
)

// sequenceState tracks where one aircraft's identification→position→
// velocity sequence currently stands. A sequence is keyed by hex ident so
// multiple aircraft can be mid-sequence concurrently; a message that
// arrives out of order for its ident aborts the whole connection.
type sequenceState struct {
	callsign    string
	altitude    int32
	lat, lon    float64
	hasPosition bool
}

type sequenceTracker struct {
	pending map[string]*sequenceState
}

func newSequenceTracker() *sequenceTracker {
	return &sequenceTracker{pending: make(map[string]*sequenceState)}
}

// feed processes one SBS line and returns a completed record when a type-4
// message finishes a well-formed sequence. Any deviation from the expected
// type-1 -> type-3 -> type-4 order for a given hex ident — a malformed
// line, or a type-3/type-4 with no matching predecessor — returns an error
// that aborts the whole connection; upstream framing that broken implies
// the connection itself is suspect.
func (t *sequenceTracker) feed(line string) (record.Record, bool, error) {
	fields := strings.Split(line, ",")
	if len(fields) <= fieldTransmissionType || fields[0] != "MSG" {
		return record.Record{}, false, nil
	}

	msgType, err := strconv.Atoi(fields[fieldTransmissionType])
	if err != nil {
		return record.Record{}, false, fmt.Errorf("bad transmission type: %q", fields[fieldTransmissionType])
	}
	if len(fields) <= fieldHexIdent {
		return record.Record{}, false, fmt.Errorf("line too short for hex ident")
	}
	hexIdent := fields[fieldHexIdent]

	switch msgType {
	case 1:
		if len(fields) <= fieldCallsign {
			return record.Record{}, false, fmt.Errorf("type-1 line too short")
		}
		t.pending[hexIdent] = &sequenceState{callsign: strings.TrimSpace(fields[fieldCallsign])}
		return record.Record{}, false, nil

	case 3:
		st, ok := t.pending[hexIdent]
		if !ok {
			return record.Record{}, false, fmt.Errorf("type-3 for %q with no preceding type-1", hexIdent)
		}
		if len(fields) <= fieldLongitude {
			delete(t.pending, hexIdent)
			return record.Record{}, false, fmt.Errorf("type-3 line too short")
		}
		alt, err1 := parseOptionalInt(fields[fieldAltitude])
		lat, err2 := strconv.ParseFloat(fields[fieldLatitude], 64)
		lon, err3 := strconv.ParseFloat(fields[fieldLongitude], 64)
		if err2 != nil || err3 != nil {
			delete(t.pending, hexIdent)
			return record.Record{}, false, fmt.Errorf("type-3 bad lat/lon")
		}
		if err1 == nil {
			st.altitude = int32(alt)
		}
		st.lat, st.lon = lat, lon
		st.hasPosition = true
		return record.Record{}, false, nil

	case 4:
		st, ok := t.pending[hexIdent]
		if !ok || !st.hasPosition {
			delete(t.pending, hexIdent)
			return record.Record{}, false, fmt.Errorf("type-4 for %q with no preceding type-3", hexIdent)
		}
		delete(t.pending, hexIdent)
		if len(fields) <= fieldVerticalRate {
			return record.Record{}, false, fmt.Errorf("type-4 line too short")
		}

		addr, err := strconv.ParseUint(hexIdent, 16, 32)
		if err != nil {
			return record.Record{}, false, fmt.Errorf("bad hex ident %q", hexIdent)
		}

		rec := record.Record{
			AddressType: record.AdsbIcao,
			Address:     uint32(addr) & 0xFFFFFF,
			Callsign:    st.callsign,
			Altitude:    st.altitude,
			Latitude:    st.lat,
			Longitude:   st.lon,
		}
		if v, err := strconv.Atoi(fields[fieldGroundSpeed]); err == nil {
			gs := int32(v)
			rec.GroundSpeed = &gs
		}
		if v, err := strconv.Atoi(fields[fieldTrack]); err == nil && v >= 0 && v <= 360 {
			track := uint16(v)
			rec.Track = &track
		}
		if v, err := strconv.Atoi(fields[fieldVerticalRate]); err == nil {
			vs := int32(v)
			rec.VerticalSpeed = &vs
		}
		return rec, true, nil

	default:
		return record.Record{}, false, nil
	}
}

func parseOptionalInt(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	return strconv.Atoi(s)
}
