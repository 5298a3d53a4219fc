package crc

import "testing"

func TestSingleByteKnownValue(t *testing.T) {
	var c CRC16
	c.Single(10)
	if c != 0xA14A {
		t.Fatalf("CRC16(0).Single(10) = %#x, want 0xA14A", uint16(c))
	}
}

func TestComputeReferenceVector(t *testing.T) {
	got := Compute([]byte{0x00, 0x81, 0x41, 0xDB, 0xD0, 0x08, 0x02})
	if got != 0x8BB3 {
		t.Fatalf("Compute(...) = %#x, want 0x8bb3", got)
	}
}

func TestComputeEmpty(t *testing.T) {
	if got := Compute(nil); got != 0 {
		t.Fatalf("Compute(nil) = %#x, want 0", got)
	}
}
