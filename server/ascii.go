package server

import (
	"bufio"
	"io"
)

// asciiEncoder converts LF to CRLF for TYPE A downloads. Lines that
// already end in CRLF are passed through unchanged.
type asciiEncoder struct {
	r         *bufio.Reader
	prevCR    bool
	pendingLF bool
}

func newASCIIEncoder(r io.Reader) *asciiEncoder {
	return &asciiEncoder{r: bufio.NewReader(r)}
}

func (e *asciiEncoder) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if e.pendingLF {
			p[n] = '\n'
			n++
			e.pendingLF = false
			e.prevCR = false
			continue
		}
		// Don't block for more input once we have something to return.
		if n > 0 && e.r.Buffered() == 0 {
			break
		}
		b, err := e.r.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		if b == '\n' && !e.prevCR {
			p[n] = '\r'
			n++
			e.pendingLF = true
			continue
		}
		p[n] = b
		n++
		e.prevCR = b == '\r'
	}
	return n, nil
}

// asciiDecoder converts CRLF to LF for TYPE A uploads. A CR not followed
// by LF is kept.
type asciiDecoder struct {
	r         *bufio.Reader
	pendingCR bool
}

func newASCIIDecoder(r io.Reader) *asciiDecoder {
	return &asciiDecoder{r: bufio.NewReader(r)}
}

func (d *asciiDecoder) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if n > 0 && !d.pendingCR && d.r.Buffered() == 0 {
			break
		}
		b, err := d.r.ReadByte()
		if err != nil {
			if d.pendingCR {
				p[n] = '\r'
				n++
				d.pendingCR = false
			}
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		if d.pendingCR {
			d.pendingCR = false
			if b == '\n' {
				p[n] = '\n'
				n++
				continue
			}
			p[n] = '\r'
			n++
			if n == len(p) {
				_ = d.r.UnreadByte()
				return n, nil
			}
		}
		if b == '\r' {
			d.pendingCR = true
			continue
		}
		p[n] = b
		n++
	}
	return n, nil
}
