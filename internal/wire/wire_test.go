package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := SubmitPayload{RecipientHandle: "bob", SubmissionID: "sub-1", Ciphertext: []byte("opaque")}

	frame, err := Encode(FrameSubmit, payload)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	var got SubmitPayload
	if err := DecodeInto(frame, FrameSubmit, &got); err != nil {
		t.Fatalf("DecodeInto() error: %v", err)
	}
	if got.RecipientHandle != payload.RecipientHandle || got.SubmissionID != payload.SubmissionID {
		t.Fatalf("got %+v, want %+v", got, payload)
	}
	if !bytes.Equal(got.Ciphertext, payload.Ciphertext) {
		t.Fatalf("ciphertext mismatch: got %q want %q", got.Ciphertext, payload.Ciphertext)
	}
}

func TestDecodeIntoRejectsTypeMismatch(t *testing.T) {
	frame, err := Encode(FrameAck, AckPayload{EnvelopeIDs: []string{"a"}})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	var out SubmitPayload
	if err := DecodeInto(frame, FrameSubmit, &out); err == nil {
		t.Fatal("expected error decoding mismatched frame type")
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	if _, err := Decode([]byte{0x01, 0x00}); err == nil {
		t.Fatal("expected error for frame shorter than header")
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	buf := make([]byte, headerLen+3)
	buf[0] = byte(FrameAck)
	binary.BigEndian.PutUint32(buf[1:5], 10) // claims 10 bytes, only 3 present
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error for mismatched declared length")
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	big := make([]byte, MaxFrameBytes+1)
	_, err := Encode(FrameSubmit, SubmitPayload{Ciphertext: big})
	if err == nil {
		t.Fatal("expected error for oversize payload")
	}
}
