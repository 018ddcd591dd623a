package stun

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
)

// TransactionIDSize is the size of a transaction id as carried after the
// type and length fields: the magic cookie followed by 96 random bits.
const TransactionIDSize = 16

// TransactionID correlates a request with its response. Equality and
// ordering depend only on the 16 id bytes; the cached string form is
// recomputed after SetValue. Like the message holding it, a TransactionID
// belongs to one goroutine at a time.
type TransactionID struct {
	b   [TransactionIDSize]byte
	str string
}

// NewTransactionID returns a fresh RFC 5389 id: the magic cookie followed
// by 12 random bytes.
func NewTransactionID() TransactionID {
	var id TransactionID
	binary.BigEndian.PutUint32(id.b[:4], MagicCookie)
	if _, err := rand.Read(id.b[4:]); err != nil {
		panic("stun: crypto/rand failed: " + err.Error())
	}
	return id
}

// TransactionIDFrom builds an id from its 16 wire bytes.
func TransactionIDFrom(v [TransactionIDSize]byte) TransactionID {
	return TransactionID{b: v}
}

// SetValue overwrites the id and drops the cached string form.
func (t *TransactionID) SetValue(v [TransactionIDSize]byte) {
	t.b = v
	t.str = ""
}

// Key returns the id bytes, suitable as a map key.
func (t TransactionID) Key() [TransactionIDSize]byte { return t.b }

// Bytes returns a copy of the id bytes.
func (t TransactionID) Bytes() []byte {
	out := make([]byte, TransactionIDSize)
	copy(out, t.b[:])
	return out
}

// Random returns the 96-bit part that follows the magic cookie.
func (t TransactionID) Random() [12]byte {
	var r [12]byte
	copy(r[:], t.b[4:])
	return r
}

// HasMagicCookie reports whether the id starts with the RFC 5389 cookie.
func (t TransactionID) HasMagicCookie() bool {
	return binary.BigEndian.Uint32(t.b[:4]) == MagicCookie
}

// Equal reports whether both ids carry the same bytes.
func (t TransactionID) Equal(o TransactionID) bool { return t.b == o.b }

// Compare orders ids by their bytes.
func (t TransactionID) Compare(o TransactionID) int { return bytes.Compare(t.b[:], o.b[:]) }

// IsZero reports whether the id was never set.
func (t TransactionID) IsZero() bool { return t.b == [TransactionIDSize]byte{} }

// String returns the id as lowercase hex.
func (t *TransactionID) String() string {
	if t.str == "" {
		t.str = hex.EncodeToString(t.b[:])
	}
	return t.str
}

// parse reads the id from the first 16 bytes of buf.
func (t *TransactionID) parse(buf []byte) error {
	if len(buf) < TransactionIDSize {
		return tooSmall(TransactionIDSize, len(buf))
	}
	var v [TransactionIDSize]byte
	copy(v[:], buf)
	t.SetValue(v)
	return nil
}
