package api

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"voxscribe/internal/auth"
	"voxscribe/internal/models"
	"voxscribe/internal/pipeline"
)

// AudioField is the multipart field carrying the upload.
const AudioField = "audio"

const (
	// multipart parts above this size spill to disk instead of memory
	multipartMemory = 8 << 20
	healthTimeout   = 2 * time.Second
)

type Transcriber interface {
	Transcribe(ctx context.Context, req pipeline.Request) (*pipeline.Result, *pipeline.Failure)
}

type TranscriptLister interface {
	ListByUser(ctx context.Context, userID string) ([]models.TranscriptRecord, error)
}

type healthCheck struct {
	name  string
	check func(context.Context) error
}

// Handler wires HTTP routes to the transcription pipeline and the transcript history.
type Handler struct {
	pipeline  Transcriber
	lister    TranscriptLister
	verifier  auth.Verifier
	log       zerolog.Logger
	maxUpload int64
	checks    []healthCheck
}

// NewHandler constructs a Handler instance. maxUpload <= 0 disables the request size limit.
func NewHandler(p Transcriber, lister TranscriptLister, verifier auth.Verifier, log zerolog.Logger, maxUpload int64) *Handler {
	return &Handler{
		pipeline:  p,
		lister:    lister,
		verifier:  verifier,
		log:       log,
		maxUpload: maxUpload,
	}
}

// RegisterRoutes attaches all HTTP routes to the router. Every route is served both at the
// root and under /api.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	authMW := auth.Middleware(h.verifier)
	for _, group := range []*gin.RouterGroup{&router.RouterGroup, router.Group("/api")} {
		group.POST("/transcribe", h.bodyLimit(), h.transcribe)
		group.GET("/transcripts", authMW, h.listTranscripts)
	}
}

// AddHealthCheck registers a dependency probed by GET /health. Register checks before serving.
func (h *Handler) AddHealthCheck(name string, check func(context.Context) error) {
	h.checks = append(h.checks, healthCheck{name: name, check: check})
}

func (h *Handler) health(c *gin.Context) {
	if len(h.checks) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	results := make(map[string]string, len(h.checks))
	for _, hc := range h.checks {
		if err := hc.check(ctx); err != nil {
			h.log.Warn().Err(err).Str("check", hc.name).Msg("health check failed")
			results[hc.name] = "unavailable"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		results[hc.name] = "ok"
	}
	c.JSON(code, gin.H{"status": status, "checks": results})
}

// bodyLimit leaves headroom over maxUpload for the multipart envelope; the exact file size is
// enforced when the upload is staged.
func (h *Handler) bodyLimit() gin.HandlerFunc {
	if h.maxUpload <= 0 {
		return MaxBodySize(0)
	}
	return MaxBodySize(h.maxUpload + 1<<20)
}

type transcribeResponse struct {
	Message    string `json:"message"`
	Transcript string `json:"transcript"`
	Filename   string `json:"filename"`
	UserID     string `json:"userId"`
}

func (h *Handler) transcribe(c *gin.Context) {
	src, status, message := h.uploadedFile(c)
	if c.Request.MultipartForm != nil {
		defer c.Request.MultipartForm.RemoveAll()
	}
	if status != 0 {
		respondError(c, status, message, "")
		return
	}

	var file pipeline.Source
	if src != nil {
		file = src
	}
	res, failure := h.pipeline.Transcribe(c.Request.Context(), pipeline.Request{
		File:          file,
		Authorization: c.GetHeader("Authorization"),
	})
	if failure != nil {
		respondError(c, statusFor(failure.Kind), failure.Message, failure.Detail)
		return
	}
	c.JSON(http.StatusOK, transcribeResponse{
		Message:    "Transcription successful",
		Transcript: res.Transcript,
		Filename:   res.Filename,
		UserID:     res.UserID,
	})
}

// uploadedFile parses the multipart body. A request without a file yields a nil source so the
// pipeline reports it; only malformed or oversized bodies are rejected here with a non-zero status.
func (h *Handler) uploadedFile(c *gin.Context) (*fileHeaderSource, int, string) {
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge), strings.Contains(err.Error(), "request body too large"):
			return nil, http.StatusRequestEntityTooLarge, "Audio file too large"
		case errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary), errors.Is(err, io.EOF):
			return nil, 0, ""
		default:
			return nil, http.StatusBadRequest, "Invalid multipart form"
		}
	}
	files := c.Request.MultipartForm.File[AudioField]
	switch len(files) {
	case 0:
		return nil, 0, ""
	case 1:
		return &fileHeaderSource{header: files[0]}, 0, ""
	default:
		return nil, http.StatusBadRequest, "Exactly one audio file expected"
	}
}

func (h *Handler) listTranscripts(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok || user.ID == "" {
		respondError(c, http.StatusUnauthorized, "Authentication failed", auth.ErrMissingToken.Error())
		return
	}
	records, err := h.lister.ListByUser(c.Request.Context(), user.ID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", user.ID).Msg("list transcripts failed")
		respondError(c, http.StatusInternalServerError, "Failed to fetch transcripts", "")
		return
	}
	if records == nil {
		records = []models.TranscriptRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func statusFor(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindNoFile:
		return http.StatusBadRequest
	case pipeline.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case pipeline.KindBadAuth:
		return http.StatusUnauthorized
	case pipeline.KindUpstream:
		return http.StatusBadGateway
	case pipeline.KindBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, status int, message, detail string) {
	body := gin.H{"message": message}
	if detail != "" {
		body["error"] = detail
	}
	c.AbortWithStatusJSON(status, body)
}

type fileHeaderSource struct {
	header *multipart.FileHeader
}

func (f *fileHeaderSource) Open() (io.ReadCloser, error) { return f.header.Open() }
func (f *fileHeaderSource) Name() string                 { return f.header.Filename }
func (f *fileHeaderSource) ContentType() string          { return f.header.Header.Get("Content-Type") }
