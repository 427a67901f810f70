package worker

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"voxscribe/internal/auth"
	"voxscribe/internal/transcription"
)

const (
	jobQueued int32 = iota
	jobRunning
	jobCancelled
)

// ScheduledClient runs every provider call on the dispatcher's pool.
type ScheduledClient struct {
	inner      transcription.Client
	dispatcher *Dispatcher
}

func NewScheduledClient(inner transcription.Client, d *Dispatcher) *ScheduledClient {
	return &ScheduledClient{inner: inner, dispatcher: d}
}

// Transcribe waits for its turn, then calls the wrapped client. The caller's audio reader is
// only touched while this call is in progress.
func (s *ScheduledClient) Transcribe(ctx context.Context, audio io.Reader, mimeType string, opts transcription.Options) (*transcription.Response, error) {
	var (
		resp  *transcription.Response
		err   error
		state atomic.Int32
	)
	done := make(chan struct{})
	userID := ""
	if user, ok := auth.UserFrom(ctx); ok {
		userID = user.ID
	}

	job := Job{
		UserID: userID,
		Run: func() {
			defer close(done)
			if !state.CompareAndSwap(jobQueued, jobRunning) {
				return
			}
			defer func() {
				if r := recover(); r != nil {
					resp, err = nil, fmt.Errorf("panic: %v", r)
				}
			}()
			resp, err = s.inner.Transcribe(ctx, audio, mimeType, opts)
		},
	}
	if serr := s.dispatcher.Submit(job); serr != nil {
		return nil, serr
	}

	select {
	case <-done:
		return resp, err
	case <-ctx.Done():
		if state.CompareAndSwap(jobQueued, jobCancelled) {
			return nil, ctx.Err()
		}
		<-done
		return resp, err
	}
}
