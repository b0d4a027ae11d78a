package archive

// rawPart is a fully assembled upload part. Parts carry 1-based
// sequential numbers in the order they were cut from the stream.
type rawPart struct {
	number int32
	data   []byte
}

// partSlicer is an io.Writer that cuts the incoming stream into parts of
// exactly partSize bytes. The remainder, if any, is emitted by Finish as
// the final part and is the only part allowed to be shorter.
type partSlicer struct {
	partSize int
	emit     func(rawPart) error

	buf     []byte
	next    int32
	written int64
}

func newPartSlicer(partSize int, emit func(rawPart) error) *partSlicer {
	return &partSlicer{
		partSize: partSize,
		emit:     emit,
		buf:      make([]byte, 0, partSize),
		next:     1,
	}
}

func (s *partSlicer) Write(p []byte) (int, error) {
	consumed := 0
	for len(p) > 0 {
		room := s.partSize - len(s.buf)
		if room > len(p) {
			room = len(p)
		}
		s.buf = append(s.buf, p[:room]...)
		consumed += room
		p = p[room:]

		if len(s.buf) == s.partSize {
			if err := s.flush(); err != nil {
				s.written += int64(consumed)
				return consumed, err
			}
		}
	}
	s.written += int64(consumed)
	return consumed, nil
}

// Finish emits any buffered remainder as the final part. Calling Finish
// on an empty buffer is a no-op, so a stream whose length is an exact
// multiple of the part size produces no undersized part.
func (s *partSlicer) Finish() error {
	if len(s.buf) == 0 {
		return nil
	}
	return s.flush()
}

func (s *partSlicer) flush() error {
	data := make([]byte, len(s.buf))
	copy(data, s.buf)
	s.buf = s.buf[:0]

	part := rawPart{number: s.next, data: data}
	s.next++
	return s.emit(part)
}

// Written returns the number of bytes accepted so far.
func (s *partSlicer) Written() int64 {
	return s.written
}
