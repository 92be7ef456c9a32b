package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Task is a claimed job as handed to a worker.
type Task struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Result is the outcome for one task. Exactly one of Images or Error is
// expected; a non-empty Error marks the job as failed.
type Result struct {
	ID     string            `json:"id"`
	Images map[string]Pixels `json:"images,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// HasError reports whether the result carries an error marker.
func (r Result) HasError() bool {
	return r.Error != ""
}

// OrderedImages returns the images keyed "0".."count-1" in index order.
func (r Result) OrderedImages(count int) ([]Pixels, error) {
	if len(r.Images) != count {
		return nil, fmt.Errorf("expected %d images, got %d", count, len(r.Images))
	}
	out := make([]Pixels, count)
	for i := 0; i < count; i++ {
		img, ok := r.Images[strconv.Itoa(i)]
		if !ok {
			return nil, fmt.Errorf("missing image %d", i)
		}
		out[i] = img
	}
	return out, nil
}

// FailedResult builds the error entry reported for a task that produced no images.
func FailedResult(id, reason string) Result {
	return Result{ID: id, Error: reason}
}

// ClaimRequest is the body a worker sends to claim work.
type ClaimRequest struct {
	Token string `json:"token"`
}

// ClaimResponse carries a batch of claimed tasks. Result is the batch size;
// zero means nothing was queued.
type ClaimResponse struct {
	Result            int    `json:"result"`
	Data              []Task `json:"data,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// ReportRequest is the body a worker sends with batch outcomes.
type ReportRequest struct {
	Token  string   `json:"token"`
	Result int      `json:"result"`
	Data   []Result `json:"data"`
}

// Pixels is a flattened HxWx3 uint8 image. On the wire it is either an array
// of numbers or a base64 string; it is always encoded as an array of numbers.
type Pixels []byte

var errInvalidPixels = errors.New("pixels must be an array of integers in [0,255] or a base64 string")

func (p Pixels) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	buf := make([]byte, 0, len(p)*4+2)
	buf = append(buf, '[')
	for i, v := range p {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(v), 10)
	}
	buf = append(buf, ']')
	return buf, nil
}

func (p *Pixels) UnmarshalJSON(data []byte) error {
	data = trimSpace(data)
	if len(data) == 0 {
		return errInvalidPixels
	}
	switch data[0] {
	case 'n':
		if string(data) != "null" {
			return errInvalidPixels
		}
		*p = nil
		return nil
	case '"':
		var raw []byte
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode pixels: %w", err)
		}
		*p = raw
		return nil
	case '[':
		out, err := parseByteArray(data)
		if err != nil {
			return err
		}
		*p = out
		return nil
	default:
		return errInvalidPixels
	}
}

// parseByteArray decodes a JSON array of small integers without going through
// []any, which would allocate an interface per pixel.
func parseByteArray(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data)/3)
	i := 1
	expectValue := true
	for i < len(data) {
		c := data[i]
		switch {
		case isSpace(c):
			i++
		case c == ']':
			if expectValue && len(out) > 0 {
				return nil, errInvalidPixels
			}
			if len(trimSpace(data[i+1:])) != 0 {
				return nil, errInvalidPixels
			}
			return out, nil
		case c == ',':
			if expectValue {
				return nil, errInvalidPixels
			}
			expectValue = true
			i++
		case c >= '0' && c <= '9':
			if !expectValue {
				return nil, errInvalidPixels
			}
			v := 0
			for i < len(data) && data[i] >= '0' && data[i] <= '9' {
				v = v*10 + int(data[i]-'0')
				if v > 255 {
					return nil, errInvalidPixels
				}
				i++
			}
			// Tolerate "12.0" from numeric encoders.
			if i < len(data) && data[i] == '.' {
				i++
				for i < len(data) && data[i] == '0' {
					i++
				}
			}
			out = append(out, byte(v))
			expectValue = false
		default:
			return nil, errInvalidPixels
		}
	}
	return nil, errInvalidPixels
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func trimSpace(b []byte) []byte {
	for len(b) > 0 && isSpace(b[0]) {
		b = b[1:]
	}
	for len(b) > 0 && isSpace(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	return b
}
