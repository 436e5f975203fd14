package ai

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const maxFrameSize = 256 * 1024

var errFrameTooLarge = errors.New("sse frame exceeds size limit")

// sseReader splits a text/event-stream body into data payloads. Multiple
// data lines in one event are joined with "\n"; other fields are ignored.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReader(r)}
}

// next returns the next event's data or io.EOF.
func (s *sseReader) next() ([]byte, error) {
	var data [][]byte
	size := 0
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			if errors.Is(err, io.EOF) && len(data) > 0 {
				return bytes.Join(data, []byte("\n")), nil
			}
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(data) > 0 {
				return bytes.Join(data, []byte("\n")), nil
			}
			continue
		}
		payload, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		payload = bytes.TrimPrefix(payload, []byte(" "))
		size += len(payload)
		if size > maxFrameSize {
			return nil, errFrameTooLarge
		}
		data = append(data, payload)
	}
}
