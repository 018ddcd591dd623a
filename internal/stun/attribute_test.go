package stun

import (
	"bytes"
	"errors"
	"net/netip"
	"reflect"
	"testing"
)

func roundTripAttributes() []struct {
	name string
	attr Attribute
} {
	return []struct {
		name string
		attr Attribute
	}{
		{"mapped v4", MappedAddress{Addr: netip.MustParseAddrPort("192.0.2.1:3478")}},
		{"alternate server", AlternateServer{Addr: netip.MustParseAddrPort("198.51.100.7:3479")}},
		{"xor mapped v4", XorMappedAddress{Addr: netip.MustParseAddrPort("203.0.113.5:40000")}},
		{"xor mapped v6", XorMappedAddress{Addr: netip.MustParseAddrPort("[2001:db8::1]:5000")}},
		{"xor peer", XorPeerAddress{Addr: netip.MustParseAddrPort("10.1.2.3:9")}},
		{"xor relayed", XorRelayedAddress{Addr: netip.MustParseAddrPort("[2001:db8:1::42]:61000")}},
		{"username unpadded", Username{Name: "alice"}},
		{"username aligned", Username{Name: "abcd:efgh"}},
		{"software", Software{Description: "p2pbus test"}},
		{"realm", Realm{Value: "example.org"}},
		{"nonce", Nonce{Value: "abc"}},
		{"integrity", MessageIntegrity{HMAC: [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}}},
		{"fingerprint", Fingerprint{CRC: 0xdeadbeef}},
		{"error code", ErrorCode{Code: 401, Reason: "Unauthorized"}},
		{"unknown attributes", UnknownAttributes{Types: []AttrType{0x0003, 0x0017, 0x7777}}},
		{"channel number", ChannelNumber{Number: 0x4001}},
		{"lifetime", Lifetime{Seconds: 600}},
		{"data odd length", Data{Payload: []byte{1, 2, 3, 4, 5}}},
		{"even port", EvenPort{ReserveNext: true}},
		{"requested transport", RequestedTransport{Protocol: RequestedTransportUDP}},
		{"dont fragment", DontFragment{}},
		{"reservation token", ReservationToken{Token: [8]byte{8, 7, 6, 5, 4, 3, 2, 1}}},
		{"priority", Priority{Value: 0x6e0001ff}},
		{"use candidate", UseCandidate{}},
		{"ice controlled", IceControlled{Tiebreaker: 0x0102030405060708}},
		{"ice controlling", IceControlling{Tiebreaker: 0x1112131415161718}},
		{"unknown optional", Unknown{AttrType: 0x8fff, Value: []byte("xy")}},
	}
}

func TestAttributeRoundTrip(t *testing.T) {
	msg := New(ClassRequest, MethodBinding)

	for _, tc := range roundTripAttributes() {
		t.Run(tc.name, func(t *testing.T) {
			size, err := AttributeSize(tc.attr)
			if err != nil {
				t.Fatalf("AttributeSize: %v", err)
			}
			if size%4 != 0 {
				t.Fatalf("rendered size %d is not 4-byte aligned", size)
			}

			const tail = 7
			buf := bytes.Repeat([]byte{0xff}, size+tail)
			var sg ScatterGatherList

			rest, err := RenderAttribute(buf, &sg, tc.attr, msg)
			if err != nil {
				t.Fatalf("RenderAttribute: %v", err)
			}
			if len(rest) != tail {
				t.Fatalf("render consumed %d bytes, want %d", len(buf)-len(rest), size)
			}
			if sg.Len() != size {
				t.Fatalf("scatter-gather length = %d, want %d", sg.Len(), size)
			}

			payload, _ := payloadLen(tc.attr)
			for i := attrHeaderSize + payload; i < size; i++ {
				if buf[i] != 0 {
					t.Fatalf("padding byte %d = 0x%02x, want 0", i, buf[i])
				}
			}

			got, rest, err := ParseAttribute(buf, msg)
			if err != nil {
				t.Fatalf("ParseAttribute: %v", err)
			}
			if len(rest) != tail {
				t.Fatalf("parse consumed %d bytes, want %d", len(buf)-len(rest), size)
			}
			if !reflect.DeepEqual(got, tc.attr) {
				t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got, tc.attr)
			}
		})
	}
}

func TestRenderAttributeBufferTooSmall(t *testing.T) {
	msg := New(ClassRequest, MethodBinding)

	for _, tc := range roundTripAttributes() {
		t.Run(tc.name, func(t *testing.T) {
			size, _ := AttributeSize(tc.attr)
			buf := bytes.Repeat([]byte{0xaa}, size-1)
			var sg ScatterGatherList

			rest, err := RenderAttribute(buf, &sg, tc.attr, msg)
			if !errors.Is(err, ErrBufferTooSmall) {
				t.Fatalf("err = %v, want ErrBufferTooSmall", err)
			}
			if len(rest) != len(buf) {
				t.Fatal("cursor advanced on failure")
			}
			if !bytes.Equal(buf, bytes.Repeat([]byte{0xaa}, size-1)) {
				t.Fatal("partial attribute written on failure")
			}
			if sg.Len() != 0 {
				t.Fatal("segment recorded on failure")
			}
		})
	}
}

func TestRenderAttributeBadErrorCode(t *testing.T) {
	for _, code := range []int{0, 299, 700} {
		buf := bytes.Repeat([]byte{0xaa}, 32)
		var sg ScatterGatherList

		rest, err := RenderAttribute(buf, &sg, ErrorCode{Code: code, Reason: "x"}, nil)
		if !errors.Is(err, ErrBadAttribute) {
			t.Fatalf("code %d: err = %v, want ErrBadAttribute", code, err)
		}
		if len(rest) != len(buf) || sg.Len() != 0 {
			t.Fatalf("code %d: cursor or scatter-gather list advanced", code)
		}
		if !bytes.Equal(buf, bytes.Repeat([]byte{0xaa}, 32)) {
			t.Fatalf("code %d: header written before the range check", code)
		}
	}
}

func TestParseAttributeBufferTooSmall(t *testing.T) {
	buf, err := New(ClassRequest, MethodBinding, Username{Name: "alice"}).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	attr := buf[HeaderSize:]

	for _, n := range []int{0, 3, 4, 8, len(attr) - 1} {
		if _, _, err := ParseAttribute(attr[:n], nil); !errors.Is(err, ErrBufferTooSmall) {
			t.Errorf("ParseAttribute(%d bytes) err = %v, want ErrBufferTooSmall", n, err)
		}
	}
}

func TestParseAttributeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"short priority", []byte{0x00, 0x24, 0x00, 0x02, 0x01, 0x02, 0x00, 0x00}},
		{"bad address family", []byte{0x00, 0x01, 0x00, 0x08, 0x00, 0x07, 0x00, 0x01, 1, 2, 3, 4}},
		{"error class out of range", []byte{0x00, 0x09, 0x00, 0x04, 0x00, 0x00, 0x07, 0x01}},
		{"use candidate with payload", []byte{0x00, 0x25, 0x00, 0x01, 0x01, 0x00, 0x00, 0x00}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ParseAttribute(tc.raw, nil); !errors.Is(err, ErrBadAttribute) {
				t.Fatalf("err = %v, want ErrBadAttribute", err)
			}
		})
	}
}

func TestParseAttributeUnknownRequired(t *testing.T) {
	raw := []byte{0x07, 0x77, 0x00, 0x01, 0xee, 0x00, 0x00, 0x00, 0xff}
	_, rest, err := ParseAttribute(raw, nil)

	var unknown *UnknownAttributeError
	if !errors.As(err, &unknown) || !errors.Is(err, ErrUnknownAttribute) {
		t.Fatalf("err = %v, want *UnknownAttributeError", err)
	}
	if len(unknown.Types) != 1 || unknown.Types[0] != 0x0777 {
		t.Fatalf("types = %v", unknown.Types)
	}
	if len(rest) != 1 {
		t.Fatalf("rest = %d bytes, want 1", len(rest))
	}
}

func TestXorAddressNeedsMessage(t *testing.T) {
	buf := make([]byte, 32)
	_, err := RenderAttribute(buf, nil, XorMappedAddress{Addr: netip.MustParseAddrPort("192.0.2.1:1")}, nil)

	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("err = %v, want *InvariantError", err)
	}
}

func TestXorAddressWireBytes(t *testing.T) {
	// RFC 5769 section 2.2 IPv4 response vector.
	msg := &Message{}
	msg.TransactionID.SetValue([16]byte{
		0x21, 0x12, 0xa4, 0x42,
		0xb7, 0xe7, 0xa7, 0x01, 0xbc, 0x34, 0xd6, 0x86, 0xfa, 0x87, 0xdf, 0xae,
	})

	buf := make([]byte, 12)
	if _, err := RenderAttribute(buf, nil, XorMappedAddress{Addr: netip.MustParseAddrPort("192.0.2.1:32853")}, msg); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x00, 0x20, 0x00, 0x08, 0x00, 0x01, 0xa1, 0x47, 0xe1, 0x12, 0xa6, 0x43}
	if !bytes.Equal(buf, want) {
		t.Fatalf("wire bytes = % x, want % x", buf, want)
	}
}
