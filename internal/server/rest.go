package server

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/gabriel-vasile/mimetype"

	"github.com/chriscow/streamscribe/internal/session"
	"github.com/chriscow/streamscribe/pkg/ai/stt"
)

// handleTranscribe is the one-shot path: a multipart upload in field "audio"
// with an optional "language" field.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.transcriber == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorData{Error: "speech engine not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorData{Error: "audio file too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorData{Error: "invalid multipart form"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorData{Error: "audio file not found"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorData{Error: "failed to read audio file"})
		return
	}

	lang := r.FormValue("language")
	if lang == "" {
		lang = s.cfg.Language
	}
	mimeType := uploadMIMEType(header.Header.Get("Content-Type"), data)

	logger := s.logger.With(
		slog.String("route", RouteTranscribe),
		slog.String("filename", header.Filename),
		slog.String("mime", mimeType),
		slog.Int("bytes", len(data)))
	logger.Debug("transcribing upload")

	out := s.transcriber.Run(r.Context(), data, mimeType, lang)
	if out.OK() {
		writeJSON(w, http.StatusOK, Transcript{Text: out.Text, Language: lang})
		return
	}

	logger.Warn("upload transcription failed",
		slog.String("kind", out.Failure.Kind.String()),
		slog.String("error", out.Failure.Detail))
	writeJSON(w, statusForFailure(out.Failure), ErrorData{Error: reasonForFailure(out.Failure)})
}

// uploadMIMEType trusts the part header unless it is missing or generic, in
// which case the content is sniffed.
func uploadMIMEType(declared string, data []byte) string {
	if declared != "" {
		base, _, err := mime.ParseMediaType(declared)
		if err == nil && base != "application/octet-stream" {
			return declared
		}
	}
	return mimetype.Detect(data).String()
}

func statusForFailure(f *stt.Failure) int {
	switch {
	case f.Kind == stt.FailureDecode || f.Kind == stt.FailureExport:
		return http.StatusUnprocessableEntity
	case f.Kind.Engine():
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func reasonForFailure(f *stt.Failure) string {
	switch {
	case f.Kind == stt.FailureDecode || f.Kind == stt.FailureExport:
		return session.ReasonInvalidChunk
	case f.Kind.Engine():
		return session.ReasonTranscriptionFailed
	default:
		return session.ReasonInternal
	}
}
