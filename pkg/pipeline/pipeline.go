// Package pipeline runs the per-session analysis: ingest, anonymize,
// extract structure, analyze, score, finalize. One orchestrator task owns
// each session; every exit path lands the session in completed or failed
// (or stops silently when the session was deleted mid-flight).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coverlens/coverlens/pkg/consent"
	"github.com/coverlens/coverlens/pkg/extract"
	"github.com/coverlens/coverlens/pkg/insight"
	"github.com/coverlens/coverlens/pkg/privacy"
	"github.com/coverlens/coverlens/pkg/score"
	"github.com/coverlens/coverlens/pkg/session"
	"github.com/coverlens/coverlens/pkg/vault"
)

// Stage names, in execution order.
const (
	StageIngest           = "ingest"
	StageAnonymize        = "anonymize"
	StageExtractStructure = "extract-structure"
	StageAnalyze          = "analyze"
	StageScore            = "score"
	StageFinalize         = "finalize"
)

// stagePercent fixes the progress written on entry to each stage.
// Percent 100 is reserved for the atomic completion write, so entering
// finalize stays below it; observers never see 100 while processing.
var stagePercent = map[string]int{
	StageIngest:           10,
	StageAnonymize:        20,
	StageExtractStructure: 40,
	StageAnalyze:          70,
	StageScore:            90,
	StageFinalize:         95,
}

// stageETASeconds is a coarse remaining-time estimate per stage.
var stageETASeconds = map[string]int{
	StageIngest:           25,
	StageAnonymize:        20,
	StageExtractStructure: 15,
	StageAnalyze:          10,
	StageScore:            5,
	StageFinalize:         0,
}

// explainLimit caps how many top candidates get a model-written rationale.
const explainLimit = 3

// ErrUnsupportedJurisdiction terminates the score stage when the catalog
// has no policies for the submitted jurisdiction.
var ErrUnsupportedJurisdiction = errors.New("unsupported jurisdiction")

// Submission is the validated input for one session, resolved at the
// HTTP boundary. Exactly one of Text or FileData is set.
type Submission struct {
	Jurisdiction string
	Text         string
	FileData     []byte
	Filename     string
}

// IsFile reports whether the submission is a document upload.
func (s Submission) IsFile() bool {
	return len(s.FileData) > 0
}

// Options tunes retry behavior and logging.
type Options struct {
	// MaxAttempts bounds calls to a retryable collaborator operation.
	MaxAttempts int
	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration
	Logger    *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Orchestrator drives sessions through the processing stages.
type Orchestrator struct {
	store     session.Store
	engine    *privacy.Engine
	ledger    consent.Ledger
	extractor extract.Service
	insight   insight.Service
	catalog   *score.Catalog
	signer    *vault.TokenSigner
	logger    *slog.Logger

	maxAttempts int
	retryBase   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator with explicit collaborators. The signer
// may be nil; results then carry no privacy token.
func New(store session.Store, engine *privacy.Engine, ledger consent.Ledger,
	extractor extract.Service, insightSvc insight.Service, catalog *score.Catalog,
	signer *vault.TokenSigner, opts Options) *Orchestrator {

	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:       store,
		engine:      engine,
		ledger:      ledger,
		extractor:   extractor,
		insight:     insightSvc,
		catalog:     catalog,
		signer:      signer,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
		retryBase:   opts.RetryBase,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches processing for a created session and returns
// immediately. The session must already exist in the store.
func (o *Orchestrator) Start(sessionID string, sub Submission) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(o.ctx, sessionID, sub)
	}()
}

// Close stops accepting work and waits for in-flight sessions.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// run executes the full stage sequence for one session.
func (o *Orchestrator) run(ctx context.Context, sessionID string, sub Submission) {
	logger := o.logger.With("session_id", sessionID)

	if err := o.store.StartProcessing(ctx, sessionID); err != nil {
		logger.Warn("session not started", "error", err)
		return
	}

	// ingest
	if !o.enterStage(ctx, logger, sessionID, StageIngest) {
		return
	}
	rawText := sub.Text
	if sub.IsFile() {
		err := o.withRetry(ctx, logger, "extract-text", func() error {
			text, err := o.extractor.ExtractText(ctx, sub.FileData, sub.Filename)
			if err != nil {
				return err
			}
			rawText = text
			return nil
		})
		if err != nil {
			o.fail(ctx, logger, sessionID, StageIngest, err)
			return
		}
	}

	// anonymize
	if !o.enterStage(ctx, logger, sessionID, StageAnonymize) {
		return
	}
	record, err := o.ledger.Current(ctx, sessionID)
	if err != nil {
		o.fail(ctx, logger, sessionID, StageAnonymize, err)
		return
	}
	snap, err := o.store.GetProgress(ctx, sessionID)
	if err != nil {
		logger.Warn("session gone before anonymize, abandoning", "error", err)
		return
	}
	// The vault entry and the capability token must not outlive the
	// session record, whatever retention the consent asked for.
	vaultExpiry := time.Now().Add(record.Choices.Retention())
	if snap.ExpiresAt.Before(vaultExpiry) {
		vaultExpiry = snap.ExpiresAt
	}
	doc, err := o.engine.DetectAndIsolate(ctx, rawText, sessionID, vaultExpiry)
	if err != nil {
		o.fail(ctx, logger, sessionID, StageAnonymize, err)
		return
	}
	if doc.Degraded {
		logger.Warn("anonymization degraded to full redaction")
	}

	// extract-structure
	if !o.enterStage(ctx, logger, sessionID, StageExtractStructure) {
		return
	}
	analysisText := doc.AnonymizedContent
	err = o.withRetry(ctx, logger, "extract-structure", func() error {
		structure, err := o.extractor.ExtractStructure(ctx, doc.AnonymizedContent)
		if err != nil {
			return err
		}
		if structure.Text != "" {
			analysisText = structure.Text
		}
		return nil
	})
	if err != nil {
		o.fail(ctx, logger, sessionID, StageExtractStructure, err)
		return
	}

	// analyze
	if !o.enterStage(ctx, logger, sessionID, StageAnalyze) {
		return
	}
	var features *insight.PolicyFeatures
	err = o.withRetry(ctx, logger, "extract-features", func() error {
		f, err := o.insight.ExtractFeatures(ctx, analysisText, sub.Jurisdiction)
		if err != nil {
			return err
		}
		features = f
		return nil
	})
	if err != nil {
		o.fail(ctx, logger, sessionID, StageAnalyze, err)
		return
	}

	// score
	if !o.enterStage(ctx, logger, sessionID, StageScore) {
		return
	}
	candidates, ok := o.catalog.Lookup(sub.Jurisdiction)
	if !ok {
		o.fail(ctx, logger, sessionID, StageScore,
			fmt.Errorf("%w: %q", ErrUnsupportedJurisdiction, sub.Jurisdiction))
		return
	}
	comparisons := score.Rank(features, candidates)
	o.explain(ctx, logger, features, comparisons)

	// finalize
	if !o.enterStage(ctx, logger, sessionID, StageFinalize) {
		return
	}
	results := &score.AnalysisResults{
		UserPolicyFeatures:  features,
		Comparisons:         comparisons,
		PIIDetected:         doc.PIIDetected,
		DetectionConfidence: doc.DetectionConfidence,
		GeneratedAt:         time.Now().UTC(),
	}
	if doc.VaultKey != "" && o.signer != nil {
		token, err := o.signer.Issue(sessionID, doc.VaultKey, vaultExpiry)
		if err != nil {
			// The analysis stands; only the privacy report loses access.
			logger.Error("issuing privacy token failed", "error", err)
		} else {
			results.PrivacyToken = token
		}
	}

	if err := o.store.CompleteWithResults(ctx, sessionID, results); err != nil {
		logger.Warn("results discarded", "error", err)
		return
	}
	logger.Info("session completed", "comparisons", len(comparisons),
		"pii_detected", doc.PIIDetected)
}

// enterStage records stage entry. A store error means the session was
// deleted or externally transitioned; the task stops without failing it.
func (o *Orchestrator) enterStage(ctx context.Context, logger *slog.Logger, sessionID, stage string) bool {
	err := o.store.UpdateProgress(ctx, sessionID, stage, stagePercent[stage], stageETASeconds[stage])
	if err != nil {
		logger.Warn("stage entry rejected, abandoning session", "stage", stage, "error", err)
		return false
	}
	logger.Info("stage entered", "stage", stage, "percent", stagePercent[stage])
	return true
}

// withRetry runs fn with bounded exponential backoff. Only errors that
// declare themselves retryable are retried; everything else is terminal.
func (o *Orchestrator) withRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	delay := o.retryBase
	var err error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var retryable interface{ Retryable() bool }
		if !errors.As(err, &retryable) || !retryable.Retryable() || attempt == o.maxAttempts {
			return err
		}
		logger.Warn("retrying collaborator call",
			"op", op, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// explain upgrades the top comparisons with model-written rationales.
// Failures keep the generated reasoning and never fail the session.
func (o *Orchestrator) explain(ctx context.Context, logger *slog.Logger, features *insight.PolicyFeatures, comparisons []score.ComparisonResult) {
	for i := range comparisons {
		if i >= explainLimit {
			return
		}
		reasoning, err := o.insight.Explain(ctx, features, comparisons[i].Name, comparisons[i].Score)
		if err != nil {
			logger.Warn("explanation degraded to generated reasoning",
				"policy_id", comparisons[i].PolicyID, "error", err)
			continue
		}
		comparisons[i].Reasoning = reasoning
	}
}

// fail lands the session in failed with a sanitized error detail. If the
// session is already gone the failure is logged and dropped.
func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, sessionID, stage string, cause error) {
	logger.Error("stage failed", "stage", stage, "error", cause)
	detail := &session.ErrorDetail{Stage: stage, Message: sanitizedMessage(cause)}
	if err := o.store.FailWith(ctx, sessionID, detail); err != nil {
		logger.Warn("failure not recorded", "error", err)
	}
}

// sanitizedMessage maps internal errors to caller-safe text. Raw error
// strings may quote document content and never leave the process.
func sanitizedMessage(cause error) string {
	var exErr *extract.Error
	if errors.As(cause, &exErr) {
		return fmt.Sprintf("document extraction failed (%s)", exErr.Kind)
	}
	var inErr *insight.Error
	if errors.As(cause, &inErr) {
		return fmt.Sprintf("policy analysis failed (%s)", inErr.Kind)
	}
	if errors.Is(cause, ErrUnsupportedJurisdiction) {
		return "no policy catalog for the requested jurisdiction"
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return "processing interrupted"
	}
	return "internal processing error"
}
