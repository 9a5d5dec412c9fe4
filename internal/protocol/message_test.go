package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestMessageKeepAliveRoundTrip(t *testing.T) {
	var m *Message
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary keep-alive: %v", err)
	}
	if want := []byte{0, 0, 0, 0}; !bytes.Equal(b, want) {
		t.Fatalf("encoded = %v, want %v", b, want)
	}

	var dec Message
	if err := (&dec).UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary keep-alive: %v", err)
	}
	if dec.ID != 0 || dec.Payload != nil {
		t.Fatalf("decoded keep-alive unexpected: %+v", dec)
	}
}

func TestMessageConstructorsAndParsers(t *testing.T) {
	m := MessageHave(42)
	if idx, ok := m.ParseHave(); !ok || idx != 42 {
		t.Fatalf("ParseHave = (%d,%v), want (42,true)", idx, ok)
	}

	m = MessageRequest(7, 16, 16384)
	i, b, l, ok := m.ParseRequest()
	if !ok || i != 7 || b != 16 || l != 16384 {
		t.Fatalf("ParseRequest got (%d,%d,%d,%v)", i, b, l, ok)
	}

	block := []byte("data block")
	m = MessagePiece(3, 32, block)
	pi, pb, blk, ok := m.ParsePiece()
	if !ok || pi != 3 || pb != 32 || !bytes.Equal(blk, block) {
		t.Fatal("ParsePiece mismatch")
	}

	m = MessagePort(6881)
	if len(m.Payload) != 4 {
		t.Fatalf("Port payload = %d bytes, want 4 (u32 listen port)", len(m.Payload))
	}
	port, ok := m.ParsePort()
	if !ok || port != 6881 {
		t.Fatalf("ParsePort = (%d,%v)", port, ok)
	}

	bits := []byte{0xAA, 0x55}
	m = MessageBitfield(bits)
	bits[0] ^= 0xFF
	if !bytes.Equal(m.Payload, []byte{0xAA, 0x55}) {
		t.Fatalf("MessageBitfield did not copy input: %v", m.Payload)
	}
}

// NotInterested must decode to a NotInterested message, not Interested.
func TestUnmarshalNotInterestedIsNotInterested(t *testing.T) {
	var encoded bytes.Buffer
	if err := WriteMessage(&encoded, &Message{ID: NotInterested}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got, err := ReadMessage(&encoded)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.ID != NotInterested {
		t.Fatalf("ID = %v, want NotInterested", got.ID)
	}
}

// Have.MarshalBinary must return its packed bytes, not a nil/empty slice.
func TestHaveMarshalReturnsBytes(t *testing.T) {
	m := MessageHave(5)
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(b) != 9 {
		t.Fatalf("len(b) = %d, want 9 (4 length + 1 id + 4 payload)", len(b))
	}

	var rt Message
	if err := rt.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	idx, ok := rt.ParseHave()
	if !ok || idx != 5 {
		t.Fatalf("round trip ParseHave = (%d,%v)", idx, ok)
	}
}

func TestValidatePayloadSizeErrors(t *testing.T) {
	tests := []Message{
		{ID: Have, Payload: []byte{}},
		{ID: Request, Payload: []byte("too short")},
		{ID: Cancel, Payload: []byte{1, 2, 3}},
		{ID: Piece, Payload: []byte{0, 1, 2, 3, 4, 5, 6}},
		{ID: Port, Payload: []byte{1}},
	}
	for _, m := range tests {
		if err := (&m).ValidatePayloadSize(); !errors.Is(err, ErrBadPayloadSize) {
			t.Fatalf("want ErrBadPayloadSize for %+v, got %v", m, err)
		}
	}
}

func TestFramerYieldsFrameByFrame(t *testing.T) {
	var f Framer

	if _, ok := f.Next(); ok {
		t.Fatal("Next on empty buffer should not be ok")
	}

	haveBytes, _ := MessageHave(3).MarshalBinary()
	keepAliveBytes := []byte{0, 0, 0, 0}
	pieceBytes, _ := MessagePiece(1, 0, []byte("xy")).MarshalBinary()

	// Feed a partial frame first.
	f.Feed(haveBytes[:3])
	if _, ok := f.Next(); ok {
		t.Fatal("Next on partial frame should not be ok")
	}

	f.Feed(haveBytes[3:])
	f.Feed(keepAliveBytes)
	f.Feed(pieceBytes)

	m, ok := f.Next()
	if !ok || m == nil || m.ID != Have {
		t.Fatalf("first frame = %+v, ok=%v", m, ok)
	}

	m, ok = f.Next()
	if !ok || m != nil {
		t.Fatalf("second frame should be keep-alive, got %+v ok=%v", m, ok)
	}

	m, ok = f.Next()
	if !ok || m == nil || m.ID != Piece {
		t.Fatalf("third frame = %+v, ok=%v", m, ok)
	}

	if _, ok := f.Next(); ok {
		t.Fatal("Next after draining buffer should not be ok")
	}
}
