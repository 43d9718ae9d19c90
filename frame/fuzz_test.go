package frame

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

// FuzzDecode tests the frame decoder with random input.
// The decoder should handle malformed data gracefully without panicking.
func FuzzDecode(f *testing.F) {
	valid := (&Frame{Command: CommandData, PipelineID: uuid.New(), Payload: []byte("test data")}).Encode()
	f.Add(valid[LengthSize:])

	f.Add(make([]byte, BodyHeaderSize))
	f.Add(make([]byte, BodyHeaderSize-1))
	f.Add([]byte{})
	f.Add([]byte{0xFF, 0xFF, 0xFF})

	f.Fuzz(func(_ *testing.T, data []byte) {
		_, _ = Decode(data)
	})
}

// FuzzRoundTrip checks that any payload survives Encode and ReadFrame.
func FuzzRoundTrip(f *testing.F) {
	f.Add([]byte("hello world"))
	f.Add([]byte(""))
	f.Add(make([]byte, 1500))

	f.Fuzz(func(t *testing.T, payload []byte) {
		id := uuid.New()
		encoded := (&Frame{Command: CommandData, PipelineID: id, Payload: payload}).Encode()

		got, err := ReadFrame(bytes.NewReader(encoded), 0)
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if got.PipelineID != id {
			t.Errorf("PipelineID = %v, want %v", got.PipelineID, id)
		}
		if !bytes.Equal(got.Payload, payload) && !(len(got.Payload) == 0 && len(payload) == 0) {
			t.Errorf("payload mismatch: got %d bytes, want %d", len(got.Payload), len(payload))
		}
	})
}
