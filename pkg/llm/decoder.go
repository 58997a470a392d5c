package llm

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"

	maxLineSize = 1024 * 1024
)

// Decoder turns an SSE-style byte stream into JSON chunks, one per
// "data: " line. It is single-pass.
type Decoder struct {
	r       *bufio.Reader
	line    []byte
	done    bool
	skipped int

	// onLine runs after every line read, blank or not.
	onLine func()
	// onSkip runs for every data line that was not valid JSON or was
	// longer than maxLineSize.
	onSkip func(payload []byte, err error)
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next chunk. It returns io.EOF once the [DONE] sentinel
// is seen or the input ends; an early close is not an error. Malformed
// and over-long data lines are skipped.
func (d *Decoder) Next() (StreamChunk, error) {
	if d.done {
		return nil, io.EOF
	}

	for {
		line, tooLong, err := d.readLine()
		if err != nil {
			return nil, err
		}
		if d.onLine != nil {
			d.onLine()
		}

		// The prefix must start the raw line; other SSE fields are ignored.
		if !bytes.HasPrefix(line, []byte(dataPrefix)) {
			continue
		}
		if tooLong {
			d.skip(line, bufio.ErrTooLong)
			continue
		}

		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if bytes.Equal(payload, []byte(doneSentinel)) {
			d.done = true
			return nil, io.EOF
		}

		var chunk StreamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil || chunk == nil {
			d.skip(payload, err)
			continue
		}
		return chunk, nil
	}
}

// readLine returns the next line without its line ending. A line longer
// than maxLineSize is consumed in full but only its head is returned, with
// tooLong set. The final line may lack a newline.
func (d *Decoder) readLine() (line []byte, tooLong bool, err error) {
	d.line = d.line[:0]
	for {
		frag, rerr := d.r.ReadSlice('\n')
		if !tooLong {
			if len(d.line)+len(frag) > maxLineSize {
				tooLong = true
				// keep enough to tell data lines from the rest
				if n := len(dataPrefix) - len(d.line); n > 0 {
					d.line = append(d.line, frag[:min(n, len(frag))]...)
				}
			} else {
				d.line = append(d.line, frag...)
			}
		}

		switch {
		case rerr == nil:
			return trimEOL(d.line), tooLong, nil
		case errors.Is(rerr, bufio.ErrBufferFull):
			continue
		case errors.Is(rerr, io.EOF) && (len(d.line) > 0 || tooLong):
			return trimEOL(d.line), tooLong, nil
		default:
			return nil, false, rerr
		}
	}
}

func (d *Decoder) skip(payload []byte, err error) {
	d.skipped++
	if d.onSkip != nil {
		d.onSkip(payload, err)
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}

// Done reports whether the [DONE] sentinel was seen. Callers of Next
// cannot tell the two endings apart; this is for diagnostics only.
func (d *Decoder) Done() bool { return d.done }

// Skipped returns the number of malformed data lines dropped so far.
func (d *Decoder) Skipped() int { return d.skipped }
