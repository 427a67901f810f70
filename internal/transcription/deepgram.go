package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "https://api.deepgram.com"
	DefaultModel   = "nova-2"

	defaultTimeout  = 120 * time.Second
	listenPath      = "/v1/listen"
	maxResponseSize = 16 << 20
	maxErrorBody    = 512
)

// ErrResponseTooLarge is returned when a 2xx body exceeds the size the client is willing to buffer.
var ErrResponseTooLarge = fmt.Errorf("deepgram response exceeds %d bytes", maxResponseSize)

// DeepgramConfig holds configuration for the Deepgram prerecorded API.
type DeepgramConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DeepgramClient implements Client against Deepgram's /v1/listen endpoint.
type DeepgramClient struct {
	cfg    DeepgramConfig
	client *http.Client
}

func NewDeepgramClient(cfg DeepgramConfig) *DeepgramClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &DeepgramClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Transcribe streams audio to the provider and returns the raw JSON result.
func (d *DeepgramClient) Transcribe(ctx context.Context, audio io.Reader, mimeType string, opts Options) (*Response, error) {
	if audio == nil {
		return nil, errors.New("no audio to transcribe")
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	query := url.Values{}
	query.Set("model", model)
	query.Set("smart_format", strconv.FormatBool(opts.SmartFormat))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+listenPath+"?"+query.Encode(), audio)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Accept", "application/json")
	if d.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Token "+d.cfg.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("read deepgram response: %w", err)
	}
	if len(raw) > maxResponseSize {
		return nil, ErrResponseTooLarge
	}
	if perr := payloadError(raw); perr != nil {
		return nil, perr
	}
	return &Response{Raw: raw}, nil
}

func payloadError(raw []byte) *PayloadError {
	if !gjson.ValidBytes(raw) {
		return nil
	}
	res := gjson.ParseBytes(raw)
	code := res.Get("err_code").String()
	msg := res.Get("err_msg").String()
	if e := res.Get("error"); e.Exists() && e.Type != gjson.Null && e.Type != gjson.False {
		switch {
		case e.IsObject():
			if msg == "" {
				msg = e.Get("message").String()
			}
			if code == "" {
				code = e.Get("code").String()
			}
		case e.Type == gjson.String && msg == "":
			msg = e.String()
		}
		if code == "" && msg == "" {
			msg = e.Raw
		}
	}
	if code == "" && msg == "" {
		return nil
	}
	return &PayloadError{Code: code, Message: msg}
}
