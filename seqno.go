package relay

import (
	"encoding/binary"
	"math/rand"
	"sync/atomic"
	"time"
)

// SeqnoGenerator produces the sequence numbers stamped on published messages.
type SeqnoGenerator interface {
	Next() uint64
}

// LinearSeqno starts at the current unix time in nanoseconds and increments by
// one per message, so sequence numbers stay monotonic across restarts.
type LinearSeqno struct {
	counter uint64
}

func NewLinearSeqno() *LinearSeqno {
	return &LinearSeqno{counter: uint64(time.Now().UnixNano())}
}

func (s *LinearSeqno) Next() uint64 {
	return atomic.AddUint64(&s.counter, 1)
}

// RandomSeqno draws every sequence number at random.
type RandomSeqno struct{}

func (RandomSeqno) Next() uint64 {
	return rand.Uint64()
}

func seqnoBytes(n uint64) []byte {
	seqno := make([]byte, 8)
	binary.BigEndian.PutUint64(seqno, n)
	return seqno
}
