package reader

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// scanner extracts raw element fragments from the byte stream without a
// document-level XML parse, so one corrupted element cannot poison the
// rest of the file. It finds the start tag of an element of interest,
// then captures bytes quote-aware up to the matching close.
type scanner struct {
	br     *bufio.Reader
	offset int64
	frag   bytes.Buffer
}

func newScanner(r io.Reader) *scanner {
	return &scanner{br: bufio.NewReaderSize(r, 64*1024)}
}

func (s *scanner) readByte() (byte, error) {
	b, err := s.br.ReadByte()
	if err == nil {
		s.offset++
	}
	return b, err
}

// next returns the raw bytes of the next candidate element and the byte
// offset of its opening '<'. io.EOF signals a clean end of input.
func (s *scanner) next() ([]byte, int64, error) {
	start, name, err := s.findStart()
	if err != nil {
		return nil, 0, err
	}
	if err := s.capture(name); err != nil {
		// A truncated or oversized fragment is still surfaced so the
		// decode step can fail it individually.
		if err == errFragmentTooLarge || err == io.EOF {
			return s.frag.Bytes(), start, nil
		}
		return nil, 0, err
	}
	return s.frag.Bytes(), start, nil
}

var errFragmentTooLarge = fmt.Errorf("fragment exceeds %d bytes", maxFragmentSize)

// findStart scans for the next '<' that opens a Record, Workout, or
// ActivitySummary element and primes the fragment buffer with the opening
// bytes already consumed.
func (s *scanner) findStart() (int64, string, error) {
	for {
		b, err := s.readByte()
		if err != nil {
			return 0, "", err
		}
		if b != '<' {
			continue
		}
		start := s.offset - 1

		var name bytes.Buffer
		for {
			nb, err := s.readByte()
			if err != nil {
				return 0, "", err
			}
			if nb == ' ' || nb == '\t' || nb == '\n' || nb == '\r' || nb == '>' || nb == '/' {
				_ = s.br.UnreadByte()
				s.offset--
				break
			}
			name.WriteByte(nb)
			if name.Len() > 32 {
				break
			}
		}

		if _, ok := elementNames[name.String()]; !ok {
			continue
		}

		s.frag.Reset()
		s.frag.WriteByte('<')
		s.frag.Write(name.Bytes())
		return start, name.String(), nil
	}
}

// capture consumes bytes until the element closes, tracking tag depth and
// quoted attribute values. A fragment that never closes within the size
// bound is returned truncated via errFragmentTooLarge so decoding can fail
// it in isolation.
func (s *scanner) capture(name string) error {
	// Finish the start tag first.
	selfClosed, err := s.captureTag()
	if err != nil {
		return err
	}
	if selfClosed {
		return nil
	}

	depth := 1
	for depth > 0 {
		b, err := s.readByte()
		if err != nil {
			return err
		}
		s.frag.WriteByte(b)
		if s.frag.Len() > maxFragmentSize {
			return errFragmentTooLarge
		}
		if b != '<' {
			continue
		}

		nb, err := s.readByte()
		if err != nil {
			return err
		}
		s.frag.WriteByte(nb)
		switch {
		case nb == '/':
			if err := s.captureUntilGT(); err != nil {
				return err
			}
			depth--
		case nb == '!':
			if err := s.captureUntilGT(); err != nil {
				return err
			}
		default:
			selfClosed, err := s.captureTag()
			if err != nil {
				return err
			}
			if !selfClosed {
				depth++
			}
		}
	}
	return nil
}

// captureTag consumes the remainder of a tag whose '<' and name prefix are
// already in the buffer, honoring quotes. Reports whether the tag was
// self-closing.
func (s *scanner) captureTag() (bool, error) {
	var quote byte
	var prev byte
	for {
		b, err := s.readByte()
		if err != nil {
			return false, err
		}
		s.frag.WriteByte(b)
		if s.frag.Len() > maxFragmentSize {
			return false, errFragmentTooLarge
		}

		if quote != 0 {
			if b == quote {
				quote = 0
			}
			prev = b
			continue
		}
		switch b {
		case '"', '\'':
			quote = b
		case '>':
			return prev == '/', nil
		}
		prev = b
	}
}

// captureUntilGT consumes through the next unquoted '>'.
func (s *scanner) captureUntilGT() error {
	var quote byte
	for {
		b, err := s.readByte()
		if err != nil {
			return err
		}
		s.frag.WriteByte(b)
		if s.frag.Len() > maxFragmentSize {
			return errFragmentTooLarge
		}
		if quote != 0 {
			if b == quote {
				quote = 0
			}
			continue
		}
		switch b {
		case '"', '\'':
			quote = b
		case '>':
			return nil
		}
	}
}
