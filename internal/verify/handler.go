package verify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/wilsonzlin/aero/proxy/matchmaking-relay/internal/metrics"
)

const defaultMaxBodyBytes = 10 << 20

// Verification outcomes recorded in metrics.
const (
	ResultVerified    = "verified"
	ResultNotVerified = "not_verified"
	ResultInvalid     = "invalid"
	ResultUnavailable = "unavailable"
	ResultError       = "error"
)

const (
	errNoInput          = "No audio or text provided"
	errTextTooLong      = "text must be at most 10000 characters"
	errAudioUnavailable = "audio verification is not configured"
	errInternal         = "Something went wrong. Please try again."
)

// Transcriber turns an audio submission into text for scoring.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, contentType string) (string, error)
}

type textRequest struct {
	Text string `json:"text" validate:"required,max=10000"`
}

type response struct {
	Success   bool   `json:"success"`
	Verified  bool   `json:"verified"`
	Reason    string `json:"reason,omitempty"`
	Token     string `json:"token,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Config wires the verification endpoint.
type Config struct {
	Issuer *Issuer
	// Transcriber is optional; without it audio submissions get 501.
	Transcriber  Transcriber
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// Handler serves POST /api/verify.
type Handler struct {
	issuer       *Issuer
	transcriber  Transcriber
	metrics      *metrics.Metrics
	log          *slog.Logger
	maxBodyBytes int64
	validate     *validator.Validate
}

func NewHandler(cfg Config) *Handler {
	h := &Handler{
		issuer:       cfg.Issuer,
		transcriber:  cfg.Transcriber,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		maxBodyBytes: cfg.MaxBodyBytes,
		validate:     validator.New(),
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = defaultMaxBodyBytes
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	text, status, msg := h.readText(r)
	if status != 0 {
		h.fail(w, status, msg)
		return
	}

	req := textRequest{Text: text}
	if err := h.validate.Struct(req); err != nil {
		h.fail(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	res := ScoreText(req.Text)
	if !res.Verified {
		h.metrics.Verification(ResultNotVerified)
		writeJSON(w, http.StatusOK, response{Success: true, Verified: false, Reason: res.Reason})
		return
	}

	token, expiresAt, err := h.issuer.Issue()
	if err != nil {
		h.log.Error("verify_issue_failed", "err", err)
		h.fail(w, http.StatusInternalServerError, errInternal)
		return
	}
	h.metrics.Verification(ResultVerified)
	writeJSON(w, http.StatusOK, response{
		Success:   true,
		Verified:  true,
		Reason:    res.Reason,
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}

// readText extracts the submission. A non-zero status means the request is
// answered with msg instead.
func (h *Handler) readText(r *http.Request) (text string, status int, msg string) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/json":
		var req textRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return "", http.StatusBadRequest, "invalid JSON body"
		}
		return req.Text, 0, ""
	case "multipart/form-data":
		if err := r.ParseMultipartForm(h.maxBodyBytes); err != nil {
			return "", http.StatusBadRequest, "invalid multipart body"
		}
		defer r.MultipartForm.RemoveAll()

		if audio, header, err := r.FormFile("audio"); err == nil {
			defer audio.Close()
			return h.transcribe(r.Context(), audio, header.Header.Get("Content-Type"))
		}
		return r.FormValue("text"), 0, ""
	default:
		if err := r.ParseForm(); err != nil {
			return "", http.StatusBadRequest, "invalid form body"
		}
		return r.PostFormValue("text"), 0, ""
	}
}

func (h *Handler) transcribe(ctx context.Context, audio io.Reader, contentType string) (string, int, string) {
	if h.transcriber == nil {
		h.metrics.Verification(ResultUnavailable)
		return "", http.StatusNotImplemented, errAudioUnavailable
	}
	text, err := h.transcriber.Transcribe(ctx, audio, contentType)
	if err != nil {
		h.log.Error("verify_transcribe_failed", "err", err)
		return "", http.StatusInternalServerError, errInternal
	}
	return text, 0, ""
}

func (h *Handler) fail(w http.ResponseWriter, status int, msg string) {
	switch {
	case status == http.StatusNotImplemented:
		// Already counted as unavailable.
	case status >= 500:
		h.metrics.Verification(ResultError)
	default:
		h.metrics.Verification(ResultInvalid)
	}
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Tag() == "max" {
				return errTextTooLong
			}
		}
	}
	return errNoInput
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
