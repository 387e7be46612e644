package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"plant-diagnosis-pipeline/config"
	"plant-diagnosis-pipeline/llm"
	"plant-diagnosis-pipeline/metrics"
	"plant-diagnosis-pipeline/models"
	"plant-diagnosis-pipeline/parser"
	"plant-diagnosis-pipeline/store"
)

// Halt reasons reported in the run summary when a run stops early.
const (
	HaltDeadline    = "deadline"
	HaltRateLimited = "rate_limited"
)

type outcome string

const (
	outcomeSuccess      outcome = "success"
	outcomeParseFailure outcome = "parse_failure"
	outcomeModelFailure outcome = "model_failure"
	outcomeStoreFailure outcome = "store_failure"
	outcomeSkipped      outcome = "skipped"
	outcomeAbandoned    outcome = "abandoned"
)

// RunSummary aggregates the per-image outcomes of one pipeline run.
type RunSummary struct {
	RunID           string         `json:"run_id"`
	StartedAt       time.Time      `json:"started_at"`
	DurationSeconds float64        `json:"duration_seconds"`
	Counts          map[string]int `json:"counts"`
	Success         []string       `json:"success"`
	ParseFailure    []string       `json:"parse_failure"`
	ModelFailure    []string       `json:"model_failure"`
	StoreFailure    []string       `json:"store_failure"`
	// Pending lists images left for a future run: not attempted before the
	// deadline, abandoned in flight, or skipped after a rate limit.
	Pending    []string `json:"pending"`
	HaltReason string   `json:"halt_reason,omitempty"`
}

// Processed returns the number of images the run attempted.
func (s *RunSummary) Processed() int {
	return len(s.Success) + len(s.ParseFailure) + len(s.ModelFailure) + len(s.StoreFailure)
}

// Service runs the diagnosis loop: list pending images, and for each one
// fetch, diagnose, parse and write, strictly sequentially. One image buffer
// and one in-flight model call at a time.
type Service struct {
	cfg    *config.Config
	store  store.RecordStore
	client llm.Client

	mu          sync.Mutex
	lastSummary *RunSummary
}

// NewService creates the processing service.
func NewService(cfg *config.Config, st store.RecordStore, client llm.Client) *Service {
	return &Service{cfg: cfg, store: st, client: client}
}

// LastSummary returns the summary of the most recent run, or nil.
func (s *Service) LastSummary() *RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSummary
}

// TestConnection performs a single lightweight store connectivity check.
func (s *Service) TestConnection(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	if err := s.store.Ping(checkCtx); err != nil {
		log.Errorf("Store connectivity check failed: %v", err)
		metrics.StoreConnected.Set(0)
		return false
	}
	metrics.StoreConnected.Set(1)
	return true
}

// Run executes one bounded diagnosis run. Per-image failures never fail the
// run; only an inability to list pending work does.
func (s *Service) Run(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	deadline := summary.StartedAt.Add(s.cfg.RunDeadline)

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	listCtx, cancelList := context.WithTimeout(runCtx, s.cfg.CallTimeout)
	records, err := s.store.ListPending(listCtx, s.cfg.ListLimit)
	cancelList()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending images: %w", err)
	}

	log.WithField("run_id", summary.RunID).Infof("Starting diagnosis run with %d pending images", len(records))

	for i, rec := range records {
		// Stop starting items once the remaining time can no longer
		// cover one model call; the rest stays pending for a future run.
		if time.Until(deadline) < s.cfg.CallTimeout {
			summary.HaltReason = HaltDeadline
			s.leavePending(summary, records[i:])
			break
		}

		result, halt := s.processImage(runCtx, deadline, rec, summary)
		metrics.ProcessedTotal.WithLabelValues(string(result)).Inc()

		if halt != "" {
			summary.HaltReason = halt
			s.leavePending(summary, records[i+1:])
			break
		}
	}

	s.finalize(summary)
	return summary, nil
}

// processImage runs one image through fetch, diagnose, parse and write.
// It records the image in the matching summary bucket and returns a
// non-empty halt reason when the whole run must stop.
func (s *Service) processImage(ctx context.Context, deadline time.Time, rec models.ImageRecord, summary *RunSummary) (outcome, string) {
	logger := log.WithField("image", rec.ID)

	// Optimistic claim: if a concurrent invocation already owns or finished
	// this image, skip it without recording a failure.
	if err := s.store.Claim(ctx, rec.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			logger.Info("Image claimed by another run, skipping")
			return outcomeSkipped, ""
		}
		logger.Errorf("Failed to claim image: %v", err)
		summary.StoreFailure = append(summary.StoreFailure, rec.ID)
		return outcomeStoreFailure, ""
	}

	// A pending record that already has a diagnosis means a previous run
	// crashed between the result write and the status flip. Finalize it
	// without calling the model again.
	has, err := s.store.HasDiagnosis(ctx, rec.ID)
	if err != nil {
		return s.failStore(summary, rec, models.StatusPending, err), ""
	}
	if has {
		logger.Info("Diagnosis already exists, finalizing without re-diagnosis")
		if err := s.store.MarkStatus(ctx, rec.ID, models.StatusDone); err != nil {
			return s.failStore(summary, rec, models.StatusPending, err), ""
		}
		summary.Success = append(summary.Success, rec.ID)
		return outcomeSuccess, ""
	}

	fetchCtx, cancelFetch := context.WithTimeout(ctx, s.cfg.CallTimeout)
	image, err := s.store.FetchImageBytes(fetchCtx, rec.StoragePath)
	cancelFetch()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The object was deleted between listing and fetch; the record
			// will never become diagnosable.
			logger.Errorf("Image object missing, marking failed: %v", err)
			return s.failStore(summary, rec, models.StatusFailed, err), ""
		}
		logger.Errorf("Failed to fetch image, leaving pending: %v", err)
		return s.failStore(summary, rec, models.StatusPending, err), ""
	}

	// Abandon the item if the deadline expired while fetching; it has not
	// been diagnosed yet, so pending is still accurate.
	if time.Now().After(deadline) {
		logger.Warn("Deadline reached before diagnosis, leaving pending")
		s.revert(rec.ID)
		summary.Pending = append(summary.Pending, rec.ID)
		return outcomeAbandoned, HaltDeadline
	}

	diagCtx, cancelDiag := context.WithTimeout(ctx, s.cfg.CallTimeout)
	callStart := time.Now()
	response, err := s.client.Diagnose(diagCtx, image, config.DiagnosisPrompt)
	cancelDiag()
	metrics.ModelCallDurationSeconds.Observe(time.Since(callStart).Seconds())
	if err != nil {
		switch {
		case llm.IsRateLimited(err):
			// Further calls are likely to fail too; do not burn the
			// remaining deadline on them.
			logger.Errorf("Model rate limited, halting run: %v", err)
			s.revert(rec.ID)
			summary.ModelFailure = append(summary.ModelFailure, rec.ID)
			return outcomeModelFailure, HaltRateLimited
		case llm.IsInvalidImage(err):
			logger.Errorf("Model rejected image, marking failed: %v", err)
			s.markStatus(rec.ID, models.StatusFailed)
			summary.ModelFailure = append(summary.ModelFailure, rec.ID)
			return outcomeModelFailure, ""
		default:
			// Timeouts and unknown model failures are transient; the image
			// stays pending for a future run.
			logger.Errorf("Model call failed, leaving pending: %v", err)
			s.revert(rec.ID)
			summary.ModelFailure = append(summary.ModelFailure, rec.ID)
			return outcomeModelFailure, ""
		}
	}

	parsed, err := parser.Parse(response)
	if err != nil {
		logger.Errorf("Failed to parse model response, marking failed: %v", err)
		s.markStatus(rec.ID, models.StatusFailed)
		summary.ParseFailure = append(summary.ParseFailure, rec.ID)
		return outcomeParseFailure, ""
	}

	diag := &models.Diagnosis{
		ImageID:         rec.ID,
		PlantName:       parsed.PlantName,
		DiseaseName:     parsed.DiseaseName,
		Confidence:      parsed.Confidence,
		ConfidenceLabel: parsed.ConfidenceLabel,
		Treatment:       parsed.Treatment,
		RawModelOutput:  response,
		Source:          s.client.SourceName(),
		DiagnosedAt:     time.Now(),
	}

	// Result first, status second: a crash between the two is recovered by
	// the HasDiagnosis probe on the next run.
	if err := s.store.SaveDiagnosis(ctx, diag); err != nil && !errors.Is(err, store.ErrConflict) {
		return s.failStore(summary, rec, models.StatusPending, err), ""
	}
	if err := s.store.MarkStatus(ctx, rec.ID, models.StatusDone); err != nil {
		// The diagnosis row exists; reverting to pending lets the recovery
		// path finalize the record next run.
		return s.failStore(summary, rec, models.StatusPending, err), ""
	}

	logger.Infof("Diagnosed %s: %s (confidence %s)", parsed.PlantName, parsed.DiseaseName, parsed.ConfidenceLabel)
	summary.Success = append(summary.Success, rec.ID)
	return outcomeSuccess, ""
}

// failStore records a store failure for the image and moves it to the given
// status (best effort).
func (s *Service) failStore(summary *RunSummary, rec models.ImageRecord, status models.ImageStatus, err error) outcome {
	log.WithField("image", rec.ID).Errorf("Store failure: %v", err)
	s.markStatus(rec.ID, status)
	summary.StoreFailure = append(summary.StoreFailure, rec.ID)
	return outcomeStoreFailure
}

// revert returns a claimed image to pending, best effort.
func (s *Service) revert(imageID string) {
	s.markStatus(imageID, models.StatusPending)
}

// markStatus applies a status change on a fresh context so it still runs
// when the run context is past its deadline.
func (s *Service) markStatus(imageID string, status models.ImageStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()
	if err := s.store.MarkStatus(ctx, imageID, status); err != nil {
		log.WithField("image", imageID).Errorf("Failed to mark status %s: %v", status, err)
	}
}

func (s *Service) leavePending(summary *RunSummary, records []models.ImageRecord) {
	for _, rec := range records {
		summary.Pending = append(summary.Pending, rec.ID)
	}
}

func (s *Service) finalize(summary *RunSummary) {
	summary.DurationSeconds = time.Since(summary.StartedAt).Seconds()
	summary.Counts = map[string]int{
		"success":       len(summary.Success),
		"parse_failure": len(summary.ParseFailure),
		"model_failure": len(summary.ModelFailure),
		"store_failure": len(summary.StoreFailure),
		"pending":       len(summary.Pending),
	}

	metrics.RunDurationSeconds.Observe(summary.DurationSeconds)
	metrics.LastRunTimestampSeconds.Set(metrics.NowUnixSeconds())

	s.mu.Lock()
	s.lastSummary = summary
	s.mu.Unlock()

	log.WithField("run_id", summary.RunID).
		Infof("Run finished: %d success, %d parse failures, %d model failures, %d store failures, %d pending",
			len(summary.Success), len(summary.ParseFailure), len(summary.ModelFailure),
			len(summary.StoreFailure), len(summary.Pending))
}
