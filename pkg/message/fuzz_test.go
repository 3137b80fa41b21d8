package message

import (
	"bytes"
	"testing"
)

// FuzzDecode feeds random bytes to the frame decoder. A frame that decodes
// must survive encode -> decode -> encode unchanged.
func FuzzDecode(f *testing.F) {
	seed := &Message{ID: 7, AcknowledgingID: 3, Range1Size: 4096, Gap12: 10, Range2Size: 20, Offset: 4096, Data: []byte("seed data")}
	buf, err := seed.MarshalBinary()
	if err != nil {
		f.Fatal(err)
	}
	f.Add(buf)
	f.Add(make([]byte, HeaderSize+MinimalPadding))
	f.Add([]byte{})
	f.Add([]byte{0xFF, 0xFE, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05})

	f.Fuzz(func(t *testing.T, data []byte) {
		m, err := Decode(data)
		if err != nil {
			return
		}
		buf1, err := m.MarshalBinary()
		if err != nil {
			t.Fatalf("re-encode of a decoded frame failed: %v", err)
		}
		m2, err := Decode(buf1)
		if err != nil {
			t.Fatalf("re-decode failed after successful decode+encode: %v", err)
		}
		buf2, err := m2.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf1, buf2) {
			t.Errorf("encode is not idempotent after decode:\n  first:  %x\n  second: %x", buf1, buf2)
		}
		if DataLength(data) != len(m.Data) {
			t.Errorf("DataLength = %d, decoded %d bytes", DataLength(data), len(m.Data))
		}
	})
}
