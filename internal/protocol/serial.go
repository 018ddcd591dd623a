package protocol

import "sync/atomic"

// SerialGen hands out message serials. It is shared by every goroutine
// sending on behalf of one endpoint, so all operations are atomic.
type SerialGen struct {
	val atomic.Uint32
}

// Next returns the next serial. The first call returns 1 and 0 is skipped
// on wrap-around, since 0 means "no serial".
func (s *SerialGen) Next() uint32 {
	for {
		if v := s.val.Add(1); v != 0 {
			return v
		}
	}
}
