// Package protocol describes the wire format spoken by the knee-brace
// resistance sensors: characteristic identifiers, the sampling frequency
// configuration write and the notification payload layouts.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/x448/float16"
)

// Characteristic UUIDs exposed by the sensor firmware.
const (
	ResistanceUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	TimestampUUID  = "12345678-1234-5678-1234-56789abcdef0"
	FrequencyUUID  = "f47ac10b-58cc-4372-a567-0e02b2c3d479"
)

// FrequencyChoices lists the sampling rates (Hz) the firmware accepts.
var FrequencyChoices = []int{1, 5, 10, 50, 100, 250, 500}

// ErrUnsupportedFrequency is returned for a rate outside FrequencyChoices.
var ErrUnsupportedFrequency = errors.New("unsupported sampling frequency")

// ValidFrequency reports whether hz is one of FrequencyChoices.
func ValidFrequency(hz int) bool {
	return slices.Contains(FrequencyChoices, hz)
}

// FrequencyPayload encodes the sampling period in milliseconds as a
// little-endian uint16, floor(1000 / hz).
func FrequencyPayload(hz int) ([]byte, error) {
	if !ValidFrequency(hz) {
		return nil, fmt.Errorf("%w: %d Hz", ErrUnsupportedFrequency, hz)
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(1000/hz))
	return buf, nil
}

// Variant selects the notification payload layout.
type Variant string

const (
	// VariantFull carries a float32 resistance and a uint32 timestamp,
	// both little-endian.
	VariantFull Variant = "full"
	// VariantLite carries a float16 resistance (little-endian) followed by
	// a 3-byte big-endian timestamp.
	VariantLite Variant = "lite"
)

const (
	fullPayloadSize = 8
	litePayloadSize = 5
)

// ParseVariant maps a configuration string onto a Variant.
func ParseVariant(s string) (Variant, error) {
	switch Variant(strings.ToLower(strings.TrimSpace(s))) {
	case "", VariantFull:
		return VariantFull, nil
	case VariantLite:
		return VariantLite, nil
	default:
		return "", fmt.Errorf("unknown device variant %q: expected full or lite", s)
	}
}

// PayloadSize is the number of bytes a single notification occupies.
func (v Variant) PayloadSize() int {
	if v == VariantLite {
		return litePayloadSize
	}
	return fullPayloadSize
}

// Sample is one decoded notification.
type Sample struct {
	Value     float64
	Timestamp float64
}

// ErrShortPayload is returned when a notification is smaller than the layout
// requires.
var ErrShortPayload = errors.New("notification payload too short")

// Decode parses a notification for the given variant. Trailing bytes beyond
// the layout are ignored.
func Decode(v Variant, payload []byte) (Sample, error) {
	if len(payload) < v.PayloadSize() {
		return Sample{}, fmt.Errorf("%w: got %d bytes, want %d for %s", ErrShortPayload, len(payload), v.PayloadSize(), v)
	}
	if v == VariantLite {
		half := float16.Frombits(binary.LittleEndian.Uint16(payload[0:2]))
		ts := uint32(payload[2])<<16 | uint32(payload[3])<<8 | uint32(payload[4])
		return Sample{Value: float64(half.Float32()), Timestamp: float64(ts)}, nil
	}
	value := math.Float32frombits(binary.LittleEndian.Uint32(payload[0:4]))
	ts := binary.LittleEndian.Uint32(payload[4:8])
	return Sample{Value: float64(value), Timestamp: float64(ts)}, nil
}

// Encode is the inverse of Decode. It is used by the simulated device link
// and by tests.
func Encode(v Variant, s Sample) []byte {
	if v == VariantLite {
		buf := make([]byte, litePayloadSize)
		binary.LittleEndian.PutUint16(buf[0:2], float16.Fromfloat32(float32(s.Value)).Bits())
		ts := uint32(s.Timestamp) & 0xFFFFFF
		buf[2] = byte(ts >> 16)
		buf[3] = byte(ts >> 8)
		buf[4] = byte(ts)
		return buf
	}
	buf := make([]byte, fullPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(float32(s.Value)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(s.Timestamp))
	return buf
}
