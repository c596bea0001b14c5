package server

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coverlens/coverlens/pkg/consent"
	"github.com/coverlens/coverlens/pkg/pipeline"
	"github.com/coverlens/coverlens/pkg/report"
	"github.com/coverlens/coverlens/pkg/session"
)

// estimatedTimeSeconds is the up-front completion estimate returned on
// submission; per-stage estimates refine it during processing.
const estimatedTimeSeconds = 75

// allowedUploadExts maps accepted document upload extensions.
var allowedUploadExts = map[string]bool{
	".pdf":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// consentPayload is the consent body accepted at submission and on the
// consent endpoint.
type consentPayload struct {
	IncludeName           bool `json:"include_name"`
	IncludePremiumFigures bool `json:"include_premium_figures"`
	RetentionHours        int  `json:"data_retention_window_hours" binding:"omitempty,min=1,max=168"`
}

func (p consentPayload) choices() consent.Choices {
	return consent.Choices{
		IncludeName:           p.IncludeName,
		IncludePremiumFigures: p.IncludePremiumFigures,
		RetentionHours:        p.RetentionHours,
	}
}

// textSubmissionRequest is the JSON submission body.
type textSubmissionRequest struct {
	Text         string          `json:"text" binding:"required"`
	Jurisdiction string          `json:"jurisdiction" binding:"required,jurisdiction"`
	Consent      *consentPayload `json:"consent" binding:"omitempty"`
}

// handleSubmit accepts a policy document (multipart file) or policy text
// (JSON) and starts an analysis session.
func (s *Server) handleSubmit(c *gin.Context) {
	var (
		sub     pipeline.Submission
		choices *consent.Choices
		ok      bool
	)
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		sub, choices, ok = s.bindFileSubmission(c)
	} else {
		sub, choices, ok = s.bindTextSubmission(c)
	}
	if !ok {
		return
	}

	id := uuid.New().String()

	// Consent submitted with the request can shorten the session window,
	// never extend it beyond the configured jurisdiction retention.
	retention := time.Duration(s.cfg.Retention.Hours(sub.Jurisdiction)) * time.Hour
	var record *consent.Record
	if choices != nil {
		record = consent.NewRecord(id, *choices, c.ClientIP(), c.Request.UserAgent(), "")
		if chosen := record.Choices.Retention(); chosen < retention {
			retention = chosen
		}
	}

	if err := s.deps.Store.Create(c.Request.Context(), session.NewSession(id, sub.Jurisdiction, retention)); err != nil {
		s.internalError(c, "creating session", err)
		return
	}

	if record != nil {
		if err := s.deps.Ledger.Record(c.Request.Context(), record); err != nil {
			s.internalError(c, "recording consent", err)
			return
		}
	}

	s.deps.Orchestrator.Start(id, sub)

	c.JSON(http.StatusAccepted, gin.H{
		"sessionId":     id,
		"estimatedTime": estimatedTimeSeconds,
	})
}

func (s *Server) bindTextSubmission(c *gin.Context) (pipeline.Submission, *consent.Choices, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.Server.MaxUploadBytes)

	var req textSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "submission exceeds the size limit"})
			return pipeline.Submission{}, nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission: " + err.Error()})
		return pipeline.Submission{}, nil, false
	}

	sub := pipeline.Submission{
		Jurisdiction: strings.ToUpper(req.Jurisdiction),
		Text:         req.Text,
	}
	var choices *consent.Choices
	if req.Consent != nil {
		ch := req.Consent.choices()
		choices = &ch
	}
	return sub, choices, true
}

func (s *Server) bindFileSubmission(c *gin.Context) (pipeline.Submission, *consent.Choices, bool) {
	// Reject oversized bodies before touching the session layer. The
	// declared size is checked again after the form parse.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.Server.MaxUploadBytes+(1<<16))

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the size limit"})
			return pipeline.Submission{}, nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file provided"})
		return pipeline.Submission{}, nil, false
	}
	defer func() { _ = file.Close() }()

	if header.Size > s.cfg.Server.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds the size limit"})
		return pipeline.Submission{}, nil, false
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedUploadExts[ext] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only PDF, PNG and JPEG files are accepted"})
		return pipeline.Submission{}, nil, false
	}

	jurisdiction := strings.ToUpper(strings.TrimSpace(c.PostForm("jurisdiction")))
	if len(jurisdiction) != 2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jurisdiction must be a two-letter country code"})
		return pipeline.Submission{}, nil, false
	}

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.Server.MaxUploadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read file"})
		return pipeline.Submission{}, nil, false
	}

	sub := pipeline.Submission{
		Jurisdiction: jurisdiction,
		FileData:     data,
		Filename:     header.Filename,
	}
	return sub, nil, true
}

// handleProgress returns the current snapshot for a session.
func (s *Server) handleProgress(c *gin.Context) {
	snap, err := s.deps.Publisher.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.notFound(c)
			return
		}
		s.internalError(c, "reading progress", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleStream serves progress as server-sent events until the session
// reaches a terminal state or the client disconnects.
func (s *Server) handleStream(c *gin.Context) {
	ch, err := s.deps.Publisher.Watch(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.notFound(c)
			return
		}
		s.internalError(c, "opening stream", err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Stream(func(_ io.Writer) bool {
		event, open := <-ch
		if !open {
			return false
		}
		c.SSEvent(string(event.Type), event)
		return true
	})
}

// handleResults returns the final analysis results.
func (s *Server) handleResults(c *gin.Context) {
	results, err := s.deps.Store.GetResults(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			s.notFound(c)
		case errors.Is(err, session.ErrNotComplete):
			c.JSON(http.StatusConflict, gin.H{"error": "analysis is still in progress"})
		default:
			s.internalError(c, "reading results", err)
		}
		return
	}
	c.JSON(http.StatusOK, results)
}

// handleConsent records a consent update for a live session.
func (s *Server) handleConsent(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Store.GetProgress(c.Request.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.notFound(c)
			return
		}
		s.internalError(c, "loading session", err)
		return
	}

	var payload consentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid consent: " + err.Error()})
		return
	}

	record := consent.NewRecord(id, payload.choices(), c.ClientIP(), c.Request.UserAgent(), "")
	if err := s.deps.Ledger.Record(c.Request.Context(), record); err != nil {
		s.internalError(c, "recording consent", err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// handlePrivacyReport serves the transparency report. Access requires
// the capability token issued with the results.
func (s *Server) handlePrivacyReport(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "privacy token required"})
		return
	}

	sessionID, vaultKey, err := s.deps.Signer.Verify(token)
	if err != nil || sessionID != c.Param("id") {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid privacy token"})
		return
	}

	rpt, err := s.deps.Reports.Build(c.Request.Context(), sessionID, vaultKey)
	if err != nil {
		if errors.Is(err, report.ErrUnavailable) {
			s.notFound(c)
			return
		}
		s.internalError(c, "building privacy report", err)
		return
	}
	c.JSON(http.StatusOK, rpt)
}

// handleDelete purges all data for a session: vault entry, a consent
// reset record, and the session itself. Idempotent by design of each
// step.
func (s *Server) handleDelete(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if err := s.deps.Vault.Purge(ctx, id); err != nil {
		s.internalError(c, "purging vault", err)
		return
	}

	reset := consent.NewRecord(id, consent.DefaultChoices(), c.ClientIP(), c.Request.UserAgent(), consent.ReasonDataDeletion)
	if err := s.deps.Ledger.Record(ctx, reset); err != nil {
		s.internalError(c, "recording deletion", err)
		return
	}

	if err := s.deps.Store.Delete(ctx, id); err != nil {
		s.internalError(c, "deleting session", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if token, found := strings.CutPrefix(auth, "Bearer "); found {
		return token
	}
	return c.Query("token")
}

func (s *Server) notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.deps.Logger.Error(op, "error", err, "request_id", GetRequestID(c))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":      "internal server error",
		"request_id": GetRequestID(c),
	})
}
