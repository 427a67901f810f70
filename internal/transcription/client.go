// Package transcription talks to the speech-to-text provider and reduces its responses to plain text.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrBusy is returned when no capacity is left to call the provider.
var ErrBusy = errors.New("transcription capacity exhausted")

// Options are forwarded to the provider with every request.
type Options struct {
	Model       string
	SmartFormat bool
}

// Response keeps the provider payload untouched; see Reduce.
type Response struct {
	Raw []byte
}

// Client sends one audio stream to the provider. Implementations must not retry on their own.
type Client interface {
	Transcribe(ctx context.Context, audio io.Reader, mimeType string, opts Options) (*Response, error)
}

// UpstreamError is returned for non-2xx provider responses.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("transcription provider returned status %d", e.Status)
	}
	return fmt.Sprintf("transcription provider returned status %d: %s", e.Status, e.Body)
}

// PayloadError is returned when a 2xx response carries an error object instead of results.
type PayloadError struct {
	Code    string
	Message string
}

func (e *PayloadError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("transcription failed: %s: %s", e.Code, e.Message)
	case e.Message != "":
		return "transcription failed: " + e.Message
	case e.Code != "":
		return "transcription failed: " + e.Code
	}
	return "transcription failed"
}
