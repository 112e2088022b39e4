package block

// fwdWriter packs bits LSB first into bytes that grow forward. A byte
// following 0xFF carries only 7 bits so its MSB stays clear. Used by the
// MagSgn and SigProp streams.
type fwdWriter struct {
	buf   []byte
	tmp   uint32
	used  int
	limit int
}

func newFwdWriter() *fwdWriter {
	return &fwdWriter{limit: 8}
}

func (w *fwdWriter) put(v uint32, n int) {
	for n > 0 {
		take := min(n, w.limit-w.used)
		w.tmp |= (v & (1<<take - 1)) << w.used
		w.used += take
		v >>= take
		n -= take
		if w.used == w.limit {
			w.emit()
		}
	}
}

func (w *fwdWriter) emit() {
	b := byte(w.tmp)
	w.buf = append(w.buf, b)
	w.limit = 8
	if b == 0xFF {
		w.limit = 7
	}
	w.tmp, w.used = 0, 0
}

// bytes terminates the stream. A trailing 0xFF gets a zero byte after it so
// the following stream never forms a marker with it.
func (w *fwdWriter) bytes() []byte {
	if w.used > 0 {
		w.emit()
	}
	if n := len(w.buf); n > 0 && w.buf[n-1] == 0xFF {
		w.buf = append(w.buf, 0)
	}
	return w.buf
}

// fwdReader unpacks a fwdWriter stream. Reads past the end yield zero bits
// and are counted so callers can detect overruns.
type fwdReader struct {
	data     []byte
	pos      int
	tmp      uint64
	bits     int
	lastFF   bool
	real     int
	consumed int
}

func newFwdReader(data []byte) *fwdReader {
	return &fwdReader{data: data}
}

func (r *fwdReader) fill() {
	for r.bits <= 56 {
		var b byte
		real := r.pos < len(r.data)
		if real {
			b = r.data[r.pos]
		}
		r.pos++
		n := 8
		if r.lastFF {
			n = 7
		}
		r.tmp |= uint64(b&byte(1<<n-1)) << r.bits
		r.bits += n
		if real {
			r.real += n
		}
		r.lastFF = b == 0xFF
	}
}

func (r *fwdReader) fetch(n int) uint32 {
	if n == 0 {
		return 0
	}
	if r.bits < n {
		r.fill()
	}
	v := uint32(r.tmp & (1<<n - 1))
	r.tmp >>= n
	r.bits -= n
	r.consumed += n
	return v
}

func (r *fwdReader) overrun() bool {
	return r.consumed > r.real
}

// bwdWriter packs bits LSB first into bytes that are laid out backwards
// from the end of a segment. After a byte above 0x8F, a byte whose low 7
// bits are all ones is closed at 7 bits with a zero MSB. Used by the VLC
// and MagRef streams.
type bwdWriter struct {
	buf  []byte // in write order; reversed on output
	tmp  uint32
	used int
	last byte
}

func newBwdWriter() *bwdWriter {
	return &bwdWriter{last: 0xFF}
}

// newVLCWriter reserves the final segment byte and the low nibble of the
// one before it for the Scup field.
func newVLCWriter() *bwdWriter {
	return &bwdWriter{buf: []byte{0xFF}, last: 0xFF, tmp: 0xF, used: 4}
}

func (w *bwdWriter) put(v uint32, n int) {
	for i := 0; i < n; i++ {
		w.tmp |= ((v >> i) & 1) << w.used
		w.used++
		if w.used == 8 || (w.used == 7 && w.last > 0x8F && w.tmp == 0x7F) {
			w.emit()
		}
	}
}

func (w *bwdWriter) emit() {
	b := byte(w.tmp)
	w.buf = append(w.buf, b)
	w.last = b
	w.tmp, w.used = 0, 0
}

func (w *bwdWriter) flush() {
	if w.used > 0 {
		w.emit()
	}
}

// reversed returns the stream in segment order.
func (w *bwdWriter) reversed() []byte {
	w.flush()
	out := make([]byte, len(w.buf))
	for i, b := range w.buf {
		out[len(out)-1-i] = b
	}
	return out
}

// bwdReader reads a bwdWriter stream from the end of data towards lo.
type bwdReader struct {
	data     []byte
	pos      int
	lo       int
	tmp      uint64
	bits     int
	last     byte
	real     int
	consumed int
}

func newBwdReader(data []byte, lo int) *bwdReader {
	return &bwdReader{data: data, pos: len(data) - 1, lo: lo, last: 0xFF}
}

// newVLCReader positions a reader on a cleanup segment whose last scup bytes
// hold the MEL and VLC streams.
func newVLCReader(seg []byte, scup int) *bwdReader {
	n := len(seg)
	r := &bwdReader{data: seg, pos: n - 3, lo: n - scup}
	b := seg[n-2]
	eff := b | 0x0F
	bits := 4
	if eff&0x7F == 0x7F {
		bits = 3
	}
	r.tmp = uint64(b>>4) & (1<<bits - 1)
	r.bits = bits
	r.real = bits
	r.last = eff
	return r
}

func (r *bwdReader) fill() {
	for r.bits <= 56 {
		var b byte
		real := r.pos >= r.lo && r.pos >= 0
		if real {
			b = r.data[r.pos]
		}
		r.pos--
		n := 8
		if r.last > 0x8F && b&0x7F == 0x7F {
			n = 7
		}
		r.tmp |= uint64(b&byte(1<<n-1)) << r.bits
		r.bits += n
		if real {
			r.real += n
		}
		r.last = b
	}
}

func (r *bwdReader) peek(n int) uint32 {
	if r.bits < n {
		r.fill()
	}
	return uint32(r.tmp & (1<<n - 1))
}

func (r *bwdReader) advance(n int) {
	if r.bits < n {
		r.fill()
	}
	r.tmp >>= n
	r.bits -= n
	r.consumed += n
}

func (r *bwdReader) fetch(n int) uint32 {
	v := r.peek(n)
	r.advance(n)
	return v
}

func (r *bwdReader) overrun() bool {
	return r.consumed > r.real
}

// MEL exponent table for the 13 adaptation states.
var melExp = [13]int{0, 0, 0, 1, 1, 1, 2, 2, 2, 3, 3, 4, 5}

// melEncoder is the adaptive run-length coder of the cleanup pass. Bits are
// written MSB first; a byte after 0xFF carries 7 bits.
type melEncoder struct {
	buf    []byte
	tmp    byte
	remain int
	k      int
	run    int
}

func newMELEncoder() *melEncoder {
	return &melEncoder{remain: 8}
}

func (m *melEncoder) emitBit(b int) {
	m.tmp = m.tmp<<1 | byte(b)
	m.remain--
	if m.remain == 0 {
		m.buf = append(m.buf, m.tmp)
		m.remain = 8
		if m.tmp == 0xFF {
			m.remain = 7
		}
		m.tmp = 0
	}
}

func (m *melEncoder) encode(event bool) {
	if !event {
		m.run++
		if m.run == 1<<melExp[m.k] {
			m.emitBit(1)
			m.run = 0
			m.k = min(m.k+1, 12)
		}
		return
	}
	m.emitBit(0)
	for e := melExp[m.k] - 1; e >= 0; e-- {
		m.emitBit((m.run >> e) & 1)
	}
	m.run = 0
	m.k = max(m.k-1, 0)
}

func (m *melEncoder) bytes() []byte {
	if m.run > 0 {
		m.emitBit(1)
	}
	full := 8
	if n := len(m.buf); n > 0 && m.buf[n-1] == 0xFF {
		full = 7
	}
	if m.remain < full {
		m.buf = append(m.buf, m.tmp<<m.remain)
	}
	if n := len(m.buf); n > 0 && m.buf[n-1] == 0xFF {
		m.buf = append(m.buf, 0)
	}
	return m.buf
}

// melDecoder mirrors melEncoder.
type melDecoder struct {
	data   []byte
	pos    int
	cur    byte
	left   int
	lastFF bool
	k      int
	zeros  int
	one    bool
	over   bool
}

func newMELDecoder(data []byte) *melDecoder {
	return &melDecoder{data: data}
}

func (m *melDecoder) bit() int {
	if m.left == 0 {
		if m.pos >= len(m.data) {
			m.over = true
			return 0
		}
		m.cur = m.data[m.pos]
		m.pos++
		m.left = 8
		if m.lastFF {
			m.left = 7
		}
		m.lastFF = m.cur == 0xFF
	}
	m.left--
	return int(m.cur>>m.left) & 1
}

func (m *melDecoder) decode() bool {
	for {
		if m.zeros > 0 {
			m.zeros--
			return false
		}
		if m.one {
			m.one = false
			return true
		}
		if m.bit() == 1 {
			m.zeros = 1 << melExp[m.k]
			m.k = min(m.k+1, 12)
			continue
		}
		run := 0
		for e := melExp[m.k] - 1; e >= 0; e-- {
			run |= m.bit() << e
		}
		m.k = max(m.k-1, 0)
		m.zeros = run
		m.one = true
	}
}
