package adsbhub

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/samsamfire/atcfand/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu      sync.Mutex
	records []record.Record
}

func (s *recordingSender) Send(r record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *recordingSender) snapshot() []record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record.Record(nil), s.records...)
}

func sbsLine(msgType int, hexIdent string, fields map[int]string) string {
	max := fieldVerticalRate
	out := make([]string, max+1)
	out[0] = "MSG"
	out[fieldTransmissionType] = itoa(msgType)
	out[fieldHexIdent] = hexIdent
	for idx, v := range fields {
		out[idx] = v
	}
	return joinComma(out)
}

func itoa(v int) string {
	return string(rune('0' + v))
}

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "," + p
	}
	return out
}

func TestSequenceTrackerCompletesOnType4(t *testing.T) {
	tr := newSequenceTracker()

	_, ok, err := tr.feed(sbsLine(1, "ABCDEF", map[int]string{fieldCallsign: "UAL123"}))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = tr.feed(sbsLine(3, "ABCDEF", map[int]string{
		fieldAltitude: "3500", fieldLatitude: "45.5", fieldLongitude: "5.5",
	}))
	require.NoError(t, err)
	assert.False(t, ok)

	rec, ok, err := tr.feed(sbsLine(4, "ABCDEF", map[int]string{
		fieldGroundSpeed: "120", fieldTrack: "90", fieldVerticalRate: "-500",
	}))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0xABCDEF), rec.Address)
	assert.Equal(t, "UAL123", rec.Callsign)
	assert.EqualValues(t, 3500, rec.Altitude)
	assert.InDelta(t, 45.5, rec.Latitude, 1e-9)
	require.NotNil(t, rec.GroundSpeed)
	assert.EqualValues(t, 120, *rec.GroundSpeed)
	require.NotNil(t, rec.Track)
	assert.EqualValues(t, 90, *rec.Track)
	require.NotNil(t, rec.VerticalSpeed)
	assert.EqualValues(t, -500, *rec.VerticalSpeed)
}

func TestSequenceTrackerType4WithoutPriorMessagesAborts(t *testing.T) {
	tr := newSequenceTracker()
	_, ok, err := tr.feed(sbsLine(4, "ABCDEF", map[int]string{
		fieldGroundSpeed: "120", fieldTrack: "90", fieldVerticalRate: "-500",
	}))
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestSequenceTrackerType3WithoutPriorMessagesAborts(t *testing.T) {
	tr := newSequenceTracker()
	_, ok, err := tr.feed(sbsLine(3, "ABCDEF", map[int]string{
		fieldAltitude: "3500", fieldLatitude: "45.5", fieldLongitude: "5.5",
	}))
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestSequenceTrackerMalformedType3Errors(t *testing.T) {
	tr := newSequenceTracker()
	_, _, err := tr.feed(sbsLine(1, "ABCDEF", map[int]string{fieldCallsign: "UAL123"}))
	require.NoError(t, err)

	_, _, err = tr.feed(sbsLine(3, "ABCDEF", map[int]string{
		fieldAltitude: "3500", fieldLatitude: "not-a-number", fieldLongitude: "5.5",
	}))
	assert.Error(t, err)
}

func TestRunConsumesSequenceOverRealSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		lines := []string{
			sbsLine(1, "ABCDEF", map[int]string{fieldCallsign: "UAL123"}),
			sbsLine(3, "ABCDEF", map[int]string{fieldAltitude: "3500", fieldLatitude: "45.5", fieldLongitude: "5.5"}),
			sbsLine(4, "ABCDEF", map[int]string{fieldGroundSpeed: "120", fieldTrack: "90", fieldVerticalRate: "-500"}),
		}
		for _, line := range lines {
			conn.Write([]byte(line + "\r\n"))
		}
		time.Sleep(200 * time.Millisecond)
	}()

	sender := &recordingSender{}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	runOnceAddr(t, ctx, ln.Addr().String(), sender)

	<-serverDone
	got := sender.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, uint32(0xABCDEF), got[0].Address)
}

// runOnceAddr drives runOnce against an arbitrary address for testing,
// since production always dials the fixed Addr constant.
func runOnceAddr(t *testing.T, ctx context.Context, addr string, sender Sender) {
	t.Helper()
	origAddr := addrOverride
	addrOverride = addr
	defer func() { addrOverride = origAddr }()
	_ = runOnce(ctx, sender, slog.Default())
}
