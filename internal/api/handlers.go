package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dmailer/internal/csvparser"
	"dmailer/internal/dispatch"
	"dmailer/internal/models"
	"dmailer/internal/template"
)

const (
	maxUploadBytes = 32 << 20
	sendTimeLayout = "2006-01-02T15:04"
)

var allowedExtensions = map[string]bool{
	".pdf":  true,
	".doc":  true,
	".docx": true,
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	identity := models.SenderIdentity{
		Name:        r.FormValue("your_name"),
		Email:       r.FormValue("your_email"),
		Mobile:      r.FormValue("your_mobile"),
		LinkedIn:    r.FormValue("your_linkedin"),
		GitHub:      r.FormValue("your_github"),
		AppPassword: r.FormValue("app_password"),
	}

	delay := s.cfg.DefaultDelaySeconds
	if v := r.FormValue("delay"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "delay must be a non-negative number of seconds")
			return
		}
		delay = parsed
	}

	scheduledAt := time.Now()
	if v := r.FormValue("send_time"); v != "" {
		parsed, err := time.ParseInLocation(sendTimeLayout, v, time.Local)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "send_time must match "+sendTimeLayout)
			return
		}
		scheduledAt = parsed
	}

	csvFile, _, err := r.FormFile("csv_file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "csv_file is required")
		return
	}
	defer csvFile.Close()

	attachment, attachmentHeader, err := r.FormFile("attachment")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "attachment is required")
		return
	}
	defer attachment.Close()

	if !allowedExtensions[strings.ToLower(filepath.Ext(attachmentHeader.Filename))] {
		s.writeError(w, http.StatusBadRequest, "invalid attachment format, only pdf, doc, docx allowed")
		return
	}

	table, err := csvparser.ParseRecipients(csvFile, s.cfg.MaxRecipients)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check before touching the upload dir: clearing it would delete the
	// attachment a running job is still sending. Start re-checks under
	// the engine lock.
	if s.engine.Active() {
		s.writeError(w, http.StatusConflict, dispatch.ErrJobActive.Error())
		return
	}

	s.clearUploads()

	attachmentPath, err := s.saveAttachment(attachment, attachmentHeader.Filename)
	if err != nil {
		s.logger.Error("failed to store attachment", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to store attachment")
		return
	}

	job := models.Job{
		Columns:         table.Columns,
		Recipients:      table.Rows,
		SubjectTemplate: r.FormValue("subject_template"),
		BodyTemplate:    r.FormValue("email_template"),
		AttachmentPath:  attachmentPath,
		Sender:          identity,
		Delay:           time.Duration(delay * float64(time.Second)),
		ScheduledAt:     scheduledAt,
	}

	// The job must outlive this request: start it on the process
	// context, not r.Context().
	if err := s.engine.Start(s.jobCtx, job); err != nil {
		if errors.Is(err, dispatch.ErrJobActive) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("failed to start job", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to start job")
		return
	}

	s.logger.Info("job accepted",
		zap.Int("recipients", len(table.Rows)),
		zap.Time("scheduled_at", scheduledAt),
		zap.Float64("delay_seconds", delay),
	)

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"total":        len(table.Rows),
		"scheduled_at": scheduledAt.Format(time.RFC3339),
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Progress())
}

func (s *Server) handleDownloadLog(w http.ResponseWriter, r *http.Request) {
	if _, err := os.Stat(s.log.Path()); err != nil {
		s.writeError(w, http.StatusNotFound, "no log found")
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="sent_log.csv"`)
	w.Header().Set("Content-Type", "text/csv")
	http.ServeFile(w, r, s.log.Path())
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}

	sample := map[string]string{
		"name":          formValueOr(r, "your_name", "John Doe"),
		"email":         formValueOr(r, "your_email", "john@example.com"),
		"company":       "Example Inc",
		"your_name":     formValueOr(r, "your_name", "John Doe"),
		"your_email":    formValueOr(r, "your_email", "john@example.com"),
		"your_mobile":   formValueOr(r, "your_mobile", "1234567890"),
		"your_linkedin": formValueOr(r, "your_linkedin", "https://linkedin.com"),
		"your_github":   formValueOr(r, "your_github", "https://github.com"),
	}

	subject, err := template.Render(r.FormValue("subject_template"), sample)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bodyHTML, err := template.RenderHTMLPreview(r.FormValue("email_template"), sample)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"subject":   subject,
		"body_html": bodyHTML,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

// clearUploads removes previous uploads, keeping the delivery log.
func (s *Server) clearUploads() {
	entries, err := os.ReadDir(s.cfg.UploadDir)
	if err != nil {
		return
	}
	keep := filepath.Base(s.log.Path())
	for _, entry := range entries {
		if entry.Name() == keep {
			continue
		}
		_ = os.Remove(filepath.Join(s.cfg.UploadDir, entry.Name()))
	}
}

func (s *Server) saveAttachment(src multipart.File, originalName string) (string, error) {
	name := uuid.NewString() + "_" + sanitizeFilename(originalName)
	path := filepath.Join(s.cfg.UploadDir, name)

	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return path, nil
}

// sanitizeFilename keeps only characters safe for a stored filename.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func formValueOr(r *http.Request, key, fallback string) string {
	if v := r.FormValue(key); v != "" {
		return v
	}
	return fallback
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
