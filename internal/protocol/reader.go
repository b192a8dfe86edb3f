package protocol

// readState is the position of the Reader inside the current block.
type readState uint8

const (
	stateHeader readState = iota
	statePayload
	statePadding
)

const initialPayloadSize = 1024

// Reader reassembles blocks from a byte stream delivered in arbitrary
// chunks. It does no I/O: callers push whatever bytes they have through
// Feed and the Reader resumes exactly where the previous call stopped, so
// a block split into single bytes decodes the same as one written whole.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	state readState

	head  [HeaderSize]byte
	headN int

	cur      header
	payload  []byte
	payloadN int
	padLeft  int
}

// NewReader returns a Reader positioned at a block boundary.
func NewReader() *Reader {
	return &Reader{payload: make([]byte, initialPayloadSize)}
}

// Feed consumes p and calls emit for every block completed by it.
//
// The Block handed to emit aliases the Reader's internal buffer; it is only
// valid until emit returns. All-zero headers are consumed silently.
func (r *Reader) Feed(p []byte, emit func(Block)) {
	for len(p) > 0 {
		switch r.state {
		case stateHeader:
			n := copy(r.head[r.headN:], p)
			r.headN += n
			p = p[n:]
			if r.headN < HeaderSize {
				return
			}
			r.headN = 0
			r.cur = decodeHeader(r.head[:])

			switch {
			case r.cur.isSentinel():
				continue
			case r.cur.length == 0:
				emit(r.block())
				continue
			}

			r.grow(int(r.cur.length))
			r.payloadN = 0
			r.state = statePayload

		case statePayload:
			n := copy(r.payload[r.payloadN:r.cur.length], p)
			r.payloadN += n
			p = p[n:]
			if r.payloadN < int(r.cur.length) {
				return
			}

			r.padLeft = PaddingLength(int(r.cur.length))
			if r.padLeft > 0 {
				r.state = statePadding
				continue
			}
			r.state = stateHeader
			emit(r.block())

		case statePadding:
			n := min(r.padLeft, len(p))
			r.padLeft -= n
			p = p[n:]
			if r.padLeft > 0 {
				return
			}
			r.state = stateHeader
			emit(r.block())
		}
	}
}

// Buffered reports whether the Reader is in the middle of a block.
func (r *Reader) Buffered() bool {
	return r.state != stateHeader || r.headN > 0
}

func (r *Reader) block() Block {
	b := Block{TypeSeq: r.cur.typeSeq, ConnID: r.cur.connID}
	if r.cur.length > 0 {
		b.Payload = r.payload[:r.cur.length]
	}
	return b
}

// grow doubles the payload buffer until it can hold n bytes.
func (r *Reader) grow(n int) {
	size := len(r.payload)
	if size == 0 {
		size = initialPayloadSize
	}
	for size < n {
		size *= 2
	}
	if size != len(r.payload) {
		r.payload = make([]byte, size)
	}
}
