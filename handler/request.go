// Package handler turns one job input into one job output.
package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrInvalidJob = errors.New("invalid job input")

// ParseError reports a job body that is not valid JSON or has a field of
// the wrong type.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return ErrInvalidJob.Error() + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrInvalidJob
}

// Number is a JSON field that accepts a number or a numeric string.
// Null, absent and "" leave it unset.
type Number struct {
	Value float64
	Set   bool
}

// NewNumber returns a set Number.
func NewNumber(v float64) Number {
	return Number{Value: v, Set: true}
}

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = Number{}
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = Number{}
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%q is not a number", s)
		}
		*n = NewNumber(v)
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%s is not a number", data)
	}
	*n = NewNumber(v)
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Set {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// IntOr truncates the value to an int, or returns def when unset.
func (n Number) IntOr(def int) int {
	if !n.Set {
		return def
	}
	return int(n.Value)
}

// FloatOr returns the value, or def when unset.
func (n Number) FloatOr(def float64) float64 {
	if !n.Set {
		return def
	}
	return n.Value
}

// Dimension returns a pointer to the truncated value when it is set and
// non-zero, and nil otherwise.
func (n Number) Dimension() *int {
	if !n.Set || int(n.Value) == 0 {
		return nil
	}
	v := int(n.Value)
	return &v
}

// Request is the job input.
type Request struct {
	// ID correlates logs and history; it is not part of the wire format.
	ID string `json:"-"`

	Image          string `json:"image"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Steps          Number `json:"num_inference_steps"`
	GuidanceScale  Number `json:"guidance_scale"`
	Width          Number `json:"width"`
	Height         Number `json:"height"`
}

// Job is the envelope a hosting runtime posts: {"id": ..., "input": {...}}.
type Job struct {
	ID    string  `json:"id,omitempty"`
	Input Request `json:"input"`
}

// ParseJob accepts either a job envelope with an "input" object or a bare
// input object. A null "input" yields an empty request. Type errors are
// returned as *ParseError.
func ParseJob(raw []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Request{}, &ParseError{Err: err}
	}

	var id string
	if rawID, ok := fields["id"]; ok {
		_ = json.Unmarshal(rawID, &id)
	}

	body := raw
	if input, ok := fields["input"]; ok {
		body = input
		if bytes.Equal(bytes.TrimSpace(input), []byte("null")) {
			body = []byte("{}")
		}
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, &ParseError{Err: err}
	}
	req.ID = id
	return req, nil
}
