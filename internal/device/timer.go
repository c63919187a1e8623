package device

import "encoding/binary"

// Timer is a free-running counter register. Every read of its address
// advances the counter by one and stores it big-endian at that address, so
// the load that triggered the hook observes the new value. There is no
// notion of wall-clock time.
type Timer struct {
	addr  uint32
	count uint32
}

// NewTimer creates a timer register at addr with the counter at zero.
func NewTimer(addr uint32) *Timer {
	return &Timer{addr: addr}
}

// Attach registers the timer's read side effect with r.
func (t *Timer) Attach(r *Registry) {
	r.Register(Def{Name: "timer", Addr: t.addr, Read: t.tick})
}

// Addr returns the register address.
func (t *Timer) Addr() uint32 { return t.addr }

// Value returns the current counter.
func (t *Timer) Value() uint32 { return t.count }

// Set seeds the counter.
func (t *Timer) Set(v uint32) { t.count = v }

func (t *Timer) tick(mem Memory, addr uint32) error {
	t.count++ // wraps mod 2^32
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], t.count)
	return mem.MemWrite(addr, buf[:])
}
