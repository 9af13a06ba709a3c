package eventstream

import (
	"errors"
	"io"
)

const readSize = 32 << 10

// Decoder reads frames from an io.Reader.
type Decoder struct {
	r     io.Reader
	p     *Parser
	buf   []byte
	queue []Frame
	err   error
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, p: NewParser(), buf: make([]byte, readSize)}
}

// Next returns the next frame. It returns io.EOF after the last frame; any
// other read error is returned as is.
func (d *Decoder) Next() (Frame, error) {
	for len(d.queue) == 0 {
		if d.err != nil {
			return Frame{}, d.err
		}
		n, err := d.r.Read(d.buf)
		if n > 0 {
			d.queue = append(d.queue, d.p.Feed(d.buf[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if f, ok := d.p.Flush(); ok {
					d.queue = append(d.queue, f)
				}
				d.err = io.EOF
			} else {
				d.err = err
			}
		}
	}
	f := d.queue[0]
	d.queue = d.queue[1:]
	return f, nil
}
