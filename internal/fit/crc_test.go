package fit

import (
	"encoding/binary"
	"testing"
)

func TestChecksumOfEmptyInputIsZero(t *testing.T) {
	if got := checksum(nil); got != 0 {
		t.Fatalf("expected zero checksum, got %#x", got)
	}
}

func TestChecksumSelfVerifies(t *testing.T) {
	payload := []byte{0x0E, 0x20, 0x84, 0x08, 0x2E, 0x46, 0x49, 0x54, 0x01, 0x02, 0x03}
	sum := checksum(payload)
	verified := append(append([]byte{}, payload...), 0, 0)
	binary.LittleEndian.PutUint16(verified[len(payload):], sum)
	if got := checksum(verified); got != 0 {
		t.Fatalf("expected data plus checksum to verify to zero, got %#x", got)
	}
}

func TestChecksumDetectsCorruption(t *testing.T) {
	payload := []byte("monitoring sample stream")
	sum := checksum(payload)
	payload[3] ^= 0x10
	if checksum(payload) == sum {
		t.Fatalf("expected checksum to change after corruption")
	}
}
