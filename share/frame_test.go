package wshare

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{StreamID: 0, Op: OpPing, Payload: []byte{0, 0, 0, 0, 0, 0, 0, 7}},
		{StreamID: 1, Op: OpOpen, Payload: []byte(`{"host":"x","port":80,"kind":"tcp"}`)},
		{StreamID: 1, Op: OpData, Payload: []byte("hello")},
		{StreamID: 300, Op: OpData, Payload: nil},
		{StreamID: 1 << 40, Op: OpClose, Payload: []byte{byte(ClosePolicyDenied)}},
		{StreamID: 2, Op: OpWindowUpdate, Payload: []byte{0, 1, 0, 0}},
		{StreamID: 7, Op: OpData, Payload: bytes.Repeat([]byte{0xAB}, 64*1024)},
	}
	for _, want := range cases {
		b := AppendFrame(nil, &want)
		got, n, err := DecodeFrame(b, 64*1024)
		if err != nil {
			t.Fatalf("DecodeFrame(%s#%d) returned error: %s", want.Op, want.StreamID, err)
		}
		if n != len(b) {
			t.Errorf("DecodeFrame(%s#%d) consumed %d of %d bytes", want.Op, want.StreamID, n, len(b))
		}
		if got.Op != want.Op || got.StreamID != want.StreamID || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("round trip mismatch: got %s#%d/%d bytes, want %s#%d/%d bytes",
				got.Op, got.StreamID, len(got.Payload), want.Op, want.StreamID, len(want.Payload))
		}
	}
}

func TestDecodeFrameIncomplete(t *testing.T) {
	full := AppendFrame(nil, &Frame{StreamID: 1234, Op: OpData, Payload: bytes.Repeat([]byte{1}, 500)})
	for cut := 0; cut < len(full); cut++ {
		_, n, err := DecodeFrame(full[:cut], 64*1024)
		if !errors.Is(err, ErrNeedMoreData) {
			t.Fatalf("DecodeFrame with %d of %d bytes: got err %v, want ErrNeedMoreData", cut, len(full), err)
		}
		if n != 0 {
			t.Fatalf("DecodeFrame with %d bytes consumed %d bytes of an incomplete frame", cut, n)
		}
	}
}

func TestDecodeFrameRejectsOversizedPayload(t *testing.T) {
	huge := AppendFrame(nil, &Frame{StreamID: 1, Op: OpData, Payload: make([]byte, 4096)})
	_, _, err := DecodeFrame(huge, 1024)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("oversized payload: got err %v, want *ProtocolError", err)
	}

	// The header alone must be enough to reject: truncate to just past the
	// length varint and expect the same rejection, not ErrNeedMoreData.
	_, _, err = DecodeFrame(huge[:4], 1024)
	if !errors.As(err, &pe) {
		t.Fatalf("oversized payload, truncated buffer: got err %v, want *ProtocolError", err)
	}
}

func TestDecodeFrameUnknownOpcode(t *testing.T) {
	_, _, err := DecodeFrame([]byte{0x7F, 1, 0}, 1024)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("unknown opcode: got err %v, want *ProtocolError", err)
	}
}

func TestFrameScannerCoalescedAndSplit(t *testing.T) {
	frames := []*Frame{
		{StreamID: 1, Op: OpData, Payload: []byte("one")},
		{StreamID: 2, Op: OpData, Payload: bytes.Repeat([]byte("x"), 3000)},
		{StreamID: 1, Op: OpClose, Payload: []byte{byte(CloseNormal)}},
		{StreamID: 3, Op: OpWindowUpdate, Payload: []byte{0, 0, 16, 0}},
	}
	var wire []byte
	for _, f := range frames {
		wire = AppendFrame(wire, f)
	}

	// Feed the whole thing in chunks of varying size, including a 1-byte
	// trickle, and expect the same frames back out regardless of chunking.
	for _, chunkSize := range []int{1, 7, 100, len(wire)} {
		s := NewFrameScanner(64 * 1024)
		var got []*Frame
		for off := 0; off < len(wire); off += chunkSize {
			end := off + chunkSize
			if end > len(wire) {
				end = len(wire)
			}
			s.Feed(wire[off:end])
			for {
				f, err := s.Next()
				if err != nil {
					t.Fatalf("chunkSize %d: scanner error: %s", chunkSize, err)
				}
				if f == nil {
					break
				}
				got = append(got, &Frame{StreamID: f.StreamID, Op: f.Op, Payload: append([]byte(nil), f.Payload...)})
			}
		}
		if len(got) != len(frames) {
			t.Fatalf("chunkSize %d: got %d frames, want %d", chunkSize, len(got), len(frames))
		}
		for i, f := range got {
			if f.Op != frames[i].Op || f.StreamID != frames[i].StreamID || !bytes.Equal(f.Payload, frames[i].Payload) {
				t.Errorf("chunkSize %d: frame %d mismatch", chunkSize, i)
			}
		}
		if s.Buffered() != 0 {
			t.Errorf("chunkSize %d: %d bytes left buffered", chunkSize, s.Buffered())
		}
	}
}

func TestControlFrameHelpers(t *testing.T) {
	wu := newWindowUpdateFrame(9, 123456)
	credit, err := parseWindowUpdate(wu)
	if err != nil || credit != 123456 {
		t.Errorf("WindowUpdate round trip: got (%d, %v)", credit, err)
	}
	if _, err := parseWindowUpdate(&Frame{Op: OpWindowUpdate, Payload: []byte{1}}); err == nil {
		t.Errorf("short WindowUpdate payload was accepted")
	}

	cl := newCloseFrame(9, CloseAuthFailed)
	if r := parseCloseReason(cl); r != CloseAuthFailed {
		t.Errorf("Close reason round trip: got %s", r)
	}
	if r := parseCloseReason(&Frame{Op: OpClose}); r != CloseNormal {
		t.Errorf("empty Close payload: got %s, want %s", r, CloseNormal)
	}

	ping := newPingFrame(1 << 33)
	seq, err := parsePingSeq(ping)
	if err != nil || seq != 1<<33 {
		t.Errorf("Ping seq round trip: got (%d, %v)", seq, err)
	}
}
