// Package pipeline runs one transcription request from upload to stored transcript.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"voxscribe/internal/auth"
	"voxscribe/internal/models"
	"voxscribe/internal/tempstore"
	"voxscribe/internal/transcription"
)

var tracer = otel.Tracer("voxscribe/pipeline")

// Source is an uploaded file that has not been staged yet.
type Source interface {
	Open() (io.ReadCloser, error)
	Name() string
	ContentType() string
}

// FileStore stages uploads for the lifetime of one request.
type FileStore interface {
	Save(ctx context.Context, src io.Reader, originalName, mimeType string) (*models.UploadedAudio, error)
	Open(audio *models.UploadedAudio) (io.ReadCloser, error)
	Delete(audio *models.UploadedAudio) error
}

// Repository stores finished transcripts.
type Repository interface {
	Insert(ctx context.Context, userID, filename, transcript string) (int64, error)
}

type Config struct {
	Options transcription.Options
	Retry   transcription.RetryPolicy
}

type Request struct {
	File          Source
	Authorization string
}

type Result struct {
	Transcript string
	Filename   string
	UserID     string
	RecordID   int64
}

// Pipeline holds the process-wide collaborators; it is safe for concurrent use.
type Pipeline struct {
	files    FileStore
	verifier auth.Verifier
	client   transcription.Client
	repo     Repository
	cfg      Config
	log      zerolog.Logger
}

func New(files FileStore, verifier auth.Verifier, client transcription.Client, repo Repository, cfg Config, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		files:    files,
		verifier: verifier,
		client:   client,
		repo:     repo,
		cfg:      cfg,
		log:      log,
	}
}

// Transcribe runs intake, authentication, transcription and persistence in that order.
// Whatever the outcome, the staged upload is deleted exactly once before it returns.
func (p *Pipeline) Transcribe(ctx context.Context, req Request) (res *Result, failure *Failure) {
	ctx, span := tracer.Start(ctx, "pipeline.Transcribe")
	defer span.End()
	started := time.Now()

	var audio *models.UploadedAudio
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("pipeline panic")
			res = nil
			failure = fail(KindInternal, "Internal server error", "", fmt.Errorf("panic: %v", r))
		}
		p.cleanup(audio)

		if failure != nil {
			span.SetAttributes(attribute.String("pipeline.failure", string(failure.Kind)))
			span.SetStatus(codes.Error, failure.Error())
			p.log.Warn().
				Str("kind", string(failure.Kind)).
				Err(failure.Err).
				Dur("elapsed", time.Since(started)).
				Msg("transcription request failed")
			return
		}
		p.log.Info().
			Str("user_id", res.UserID).
			Str("filename", res.Filename).
			Int64("record_id", res.RecordID).
			Int("transcript_len", len(res.Transcript)).
			Dur("elapsed", time.Since(started)).
			Msg("transcription stored")
	}()

	audio, failure = p.intake(ctx, req.File)
	if failure != nil {
		return nil, failure
	}
	span.SetAttributes(attribute.String("upload.name", audio.StoredName), attribute.Int64("upload.size", audio.SizeBytes))

	user, failure := p.authenticate(ctx, req.Authorization)
	if failure != nil {
		return nil, failure
	}
	span.SetAttributes(attribute.String("user.id", user.ID))
	ctx = auth.ContextWithUser(ctx, user)

	text, failure := p.transcribe(ctx, audio)
	if failure != nil {
		return nil, failure
	}

	id, failure := p.persist(ctx, user, audio, text)
	if failure != nil {
		return nil, failure
	}

	return &Result{
		Transcript: text,
		Filename:   audio.StoredName,
		UserID:     user.ID,
		RecordID:   id,
	}, nil
}

func (p *Pipeline) intake(ctx context.Context, src Source) (*models.UploadedAudio, *Failure) {
	if src == nil {
		return nil, fail(KindNoFile, "No audio file uploaded", "", nil)
	}
	rc, err := src.Open()
	if err != nil {
		return nil, fail(KindInternal, "Failed to read upload", "", fmt.Errorf("open upload: %w", err))
	}
	defer rc.Close()

	audio, err := p.files.Save(ctx, rc, src.Name(), src.ContentType())
	if err != nil {
		if errors.Is(err, tempstore.ErrTooLarge) {
			return nil, fail(KindTooLarge, "Audio file too large", err.Error(), err)
		}
		return nil, fail(KindInternal, "Failed to store upload", "", err)
	}
	return audio, nil
}

func (p *Pipeline) authenticate(ctx context.Context, header string) (models.User, *Failure) {
	ctx, span := tracer.Start(ctx, "pipeline.authenticate")
	defer span.End()

	token, err := auth.BearerToken(header)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return models.User{}, fail(KindBadAuth, "Authentication failed", err.Error(), err)
	}
	user, err := safely(func() (models.User, error) {
		return p.verifier.Resolve(ctx, token)
	})
	if err == nil && user.ID == "" {
		err = fmt.Errorf("%w: empty user id", auth.ErrInvalidToken)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return models.User{}, fail(KindBadAuth, "Authentication failed", auth.ErrInvalidToken.Error(), err)
	}
	return user, nil
}

// stagedReadError marks failures reading our own staged file, which are not upstream faults.
type stagedReadError struct{ err error }

func (e *stagedReadError) Error() string { return e.err.Error() }
func (e *stagedReadError) Unwrap() error { return e.err }

func (p *Pipeline) transcribe(ctx context.Context, audio *models.UploadedAudio) (string, *Failure) {
	ctx, span := tracer.Start(ctx, "pipeline.transcribe")
	defer span.End()

	attempt := func(ctx context.Context) (*transcription.Response, error) {
		rc, err := p.files.Open(audio)
		if err != nil {
			return nil, &stagedReadError{err: err}
		}
		defer rc.Close()
		return p.client.Transcribe(ctx, rc, audio.MimeType, p.cfg.Options)
	}
	notify := func(err error, wait time.Duration) {
		p.log.Warn().Err(err).Dur("wait", wait).Str("filename", audio.StoredName).Msg("retrying transcription")
	}

	resp, err := safely(func() (*transcription.Response, error) {
		return transcription.Retry(ctx, p.cfg.Retry, attempt, notify)
	})
	if err == nil && resp == nil {
		err = errors.New("transcription provider returned no response")
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		var staged *stagedReadError
		if errors.As(err, &staged) {
			return "", fail(KindInternal, "Failed to read upload", "", err)
		}
		if errors.Is(err, transcription.ErrBusy) {
			return "", fail(KindBusy, "Transcription service busy, please retry", err.Error(), err)
		}
		return "", fail(KindUpstream, "Transcription failed", err.Error(), err)
	}

	text := transcription.Reduce(resp.Raw)
	span.SetAttributes(attribute.Int("transcript.length", len(text)))
	return text, nil
}

func (p *Pipeline) persist(ctx context.Context, user models.User, audio *models.UploadedAudio, text string) (int64, *Failure) {
	ctx, span := tracer.Start(ctx, "pipeline.persist")
	defer span.End()

	id, err := p.repo.Insert(ctx, user.ID, audio.StoredName, text)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fail(KindStorage, "Failed to save transcript", err.Error(), err)
	}
	return id, nil
}

func (p *Pipeline) cleanup(audio *models.UploadedAudio) {
	if audio == nil {
		return
	}
	if err := p.files.Delete(audio); err != nil {
		p.log.Error().Err(err).Str("filename", audio.StoredName).Msg("delete staged upload failed")
	}
}

// safely turns a panic inside a collaborator into an error so it fails its own stage.
func safely[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
