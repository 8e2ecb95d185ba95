package tftp

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func TestParseEmpty(t *testing.T) {
	pkt, err := Parse(nil)
	if pkt != nil || err != nil {
		t.Errorf("Parse(nil) = %v, %v; want nil, nil", pkt, err)
	}
	pkt, err = Parse([]byte{})
	if pkt != nil || err != nil {
		t.Errorf("Parse(empty) = %v, %v; want nil, nil", pkt, err)
	}
}

func TestParseBadOpcode(t *testing.T) {
	for _, buf := range [][]byte{
		{0, 0},
		{0, 7},
		{0xFF, 0xFF},
	} {
		if _, err := Parse(buf); err != ErrBadOpcode {
			t.Errorf("Parse(% x) err = %v; want ErrBadOpcode", buf, err)
		}
	}
}

func TestRequestWireFormat(t *testing.T) {
	req := &Request{Kind: ReadRequest, Filename: "example.txt", Mode: ModeOctet}
	got, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte("\x00\x01example.txt\x00octet\x00")
	if !bytes.Equal(got, want) {
		t.Errorf("RRQ = %q; want %q", got, want)
	}

	wrq := &Request{Kind: WriteRequest, Filename: "empty.bin", Mode: ModeOctet}
	got, err = wrq.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want = []byte("\x00\x02empty.bin\x00octet\x00")
	if !bytes.Equal(got, want) {
		t.Errorf("WRQ = %q; want %q", got, want)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	tests := []*Request{
		{Kind: ReadRequest, Filename: "a.txt", Mode: ModeOctet},
		{Kind: WriteRequest, Filename: "b.bin", Mode: ModeNetASCII},
		{Kind: ReadRequest, Filename: "c", Mode: ModeOctet,
			Options: []OptionPair{{"blksize", "1024"}, {"timeout", "5"}}},
	}
	for _, req := range tests {
		buf, err := req.Encode()
		if err != nil {
			t.Fatalf("Encode(%v): %v", req, err)
		}
		pkt, err := Parse(buf)
		if err != nil {
			t.Fatalf("Parse(%v): %v", req, err)
		}
		if !reflect.DeepEqual(pkt, req) {
			t.Errorf("round trip: got %#v; want %#v", pkt, req)
		}
	}
}

func TestRequestModeCaseInsensitive(t *testing.T) {
	for _, mode := range []string{"octet", "OCTET", "Octet", "netascii", "NetASCII"} {
		buf := []byte("\x00\x01f\x00" + mode + "\x00")
		if _, err := Parse(buf); err != nil {
			t.Errorf("mode %q rejected: %v", mode, err)
		}
	}
}

func TestRequestBadMode(t *testing.T) {
	buf := []byte("\x00\x01f\x00mail\x00")
	if _, err := Parse(buf); err != ErrBadMode {
		t.Errorf("err = %v; want ErrBadMode", err)
	}
}

func TestRequestDuplicateOption(t *testing.T) {
	buf := []byte("\x00\x01f\x00octet\x00blksize\x001024\x00BLKSIZE\x00512\x00")
	if _, err := Parse(buf); err != ErrDuplicateOption {
		t.Errorf("err = %v; want ErrDuplicateOption", err)
	}
}

func TestRequestTruncatedOption(t *testing.T) {
	buf := []byte("\x00\x01f\x00octet\x00blksize\x00")
	if _, err := Parse(buf); err != ErrTruncatedOption {
		t.Errorf("err = %v; want ErrTruncatedOption", err)
	}
}

func TestRequestMissingTerminator(t *testing.T) {
	buf := []byte("\x00\x01f\x00octet")
	if _, err := Parse(buf); err != ErrTruncatedPacket {
		t.Errorf("err = %v; want ErrTruncatedPacket", err)
	}
}

func TestRequestTooLong(t *testing.T) {
	long := strings.Repeat("x", 600)
	req := &Request{Kind: ReadRequest, Filename: long, Mode: ModeOctet}
	if _, err := req.Encode(); err != ErrPacketTooLong {
		t.Errorf("Encode err = %v; want ErrPacketTooLong", err)
	}

	buf := append([]byte{0, 1}, []byte(long+"\x00octet\x00")...)
	if _, err := Parse(buf); err != ErrPacketTooLong {
		t.Errorf("Parse err = %v; want ErrPacketTooLong", err)
	}
}

func TestDataWireFormat(t *testing.T) {
	d := &Data{Block: 1, Payload: []byte("abc")}
	got, err := d.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte("\x00\x03\x00\x01abc")
	if !bytes.Equal(got, want) {
		t.Errorf("DATA = %q; want %q", got, want)
	}
}

func TestDataEmptyPayload(t *testing.T) {
	// Zero-length block: end marker for an exact-multiple file.
	pkt, err := Parse([]byte{0, 3, 0, 2})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	d, ok := pkt.(*Data)
	if !ok {
		t.Fatalf("got %T; want *Data", pkt)
	}
	if d.Block != 2 || len(d.Payload) != 0 {
		t.Errorf("got block %d payload %d bytes; want 2, 0", d.Block, len(d.Payload))
	}
}

func TestDataEncodeZeroBlock(t *testing.T) {
	d := &Data{Block: 0, Payload: []byte("x")}
	if _, err := d.Encode(); err != ErrZeroBlock {
		t.Errorf("err = %v; want ErrZeroBlock", err)
	}
}

func TestAckWireFormat(t *testing.T) {
	// ACK 0 is legal: the server's acknowledgement of a WRQ.
	a := &Ack{Block: 0}
	got, err := a.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte("\x00\x04\x00\x00")
	if !bytes.Equal(got, want) {
		t.Errorf("ACK = %q; want %q", got, want)
	}

	pkt, err := Parse([]byte{0, 4, 0x12, 0x34})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a, ok := pkt.(*Ack); !ok || a.Block != 0x1234 {
		t.Errorf("got %#v; want Ack block 0x1234", pkt)
	}
}

func TestErrorPacketRoundTrip(t *testing.T) {
	e := &ErrorPacket{Code: CodeFileNotFound, Message: "file not found"}
	buf, err := e.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	pkt, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(pkt, e) {
		t.Errorf("got %#v; want %#v", pkt, e)
	}
}

func TestErrorPacketNoMessage(t *testing.T) {
	pkt, err := Parse([]byte{0, 5, 0, 2})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	e, ok := pkt.(*ErrorPacket)
	if !ok || e.Code != CodeAccessViolation || e.Message != "" {
		t.Errorf("got %#v; want code 2, empty message", pkt)
	}
}

func TestErrorPacketBadCode(t *testing.T) {
	buf := []byte("\x00\x05\x00\x09oops\x00")
	if _, err := Parse(buf); err != ErrBadErrorCode {
		t.Errorf("err = %v; want ErrBadErrorCode", err)
	}
}

func TestOptionAckRoundTrip(t *testing.T) {
	o := &OptionAck{Options: []OptionPair{{"blksize", "1024"}}}
	buf, err := o.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte("\x00\x06blksize\x001024\x00")
	if !bytes.Equal(buf, want) {
		t.Errorf("OACK = %q; want %q", buf, want)
	}
	pkt, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(pkt, o) {
		t.Errorf("got %#v; want %#v", pkt, o)
	}
}

func TestOptionAckEmpty(t *testing.T) {
	if _, err := Parse([]byte{0, 6}); err != ErrEmptyOACK {
		t.Errorf("err = %v; want ErrEmptyOACK", err)
	}
}

// Every variant survives an encode/decode round trip unchanged.
func TestEncodeDecodeAll(t *testing.T) {
	packets := []Packet{
		&Request{Kind: ReadRequest, Filename: "f", Mode: ModeNetASCII,
			Options: []OptionPair{{"tsize", "0"}}},
		&Data{Block: 0xFFFF, Payload: bytes.Repeat([]byte{0xAB}, 512)},
		&Ack{Block: 7},
		&ErrorPacket{Code: CodeUnknownTID, Message: "unexpected packet origin"},
		&OptionAck{Options: []OptionPair{{"blksize", "8"}, {"timeout", "255"}}},
	}
	for _, p := range packets {
		buf, err := p.Encode()
		if err != nil {
			t.Fatalf("Encode(%#v): %v", p, err)
		}
		got, err := Parse(buf)
		if err != nil {
			t.Fatalf("Parse(%#v): %v", p, err)
		}
		if !reflect.DeepEqual(got, p) {
			t.Errorf("round trip: got %#v; want %#v", got, p)
		}
	}
}
