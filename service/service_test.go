package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"plant-diagnosis-pipeline/config"
	"plant-diagnosis-pipeline/llm"
	"plant-diagnosis-pipeline/models"
	"plant-diagnosis-pipeline/store"
)

const goodResponse = "Plant: Tomato\nDisease: Blight\nConfidence: high\nTreatment: remove affected leaves"

// fakeStore is an in-memory RecordStore. Image objects are keyed by the
// record's storage path and hold the record ID as bytes so fake clients can
// respond per image.
type fakeStore struct {
	mu        sync.Mutex
	records   []models.ImageRecord
	status    map[string]models.ImageStatus
	objects   map[string][]byte
	diagnoses map[string]*models.Diagnosis

	listErr    error
	pingErr    error
	claimErrs  map[string]error
	fetchDelay time.Duration
	markErr    func(imageID string, status models.ImageStatus) error
}

func newFakeStore(ids ...string) *fakeStore {
	fs := &fakeStore{
		status:    make(map[string]models.ImageStatus),
		objects:   make(map[string][]byte),
		diagnoses: make(map[string]*models.Diagnosis),
		claimErrs: make(map[string]error),
	}
	uploaded := time.Now().Add(-time.Hour)
	for i, id := range ids {
		path := "uploads/" + id + ".jpg"
		fs.records = append(fs.records, models.ImageRecord{
			ID:          id,
			StoragePath: path,
			UploadedAt:  uploaded.Add(time.Duration(i) * time.Minute),
			Status:      models.StatusPending,
		})
		fs.status[id] = models.StatusPending
		fs.objects[path] = []byte(id)
	}
	return fs
}

func (f *fakeStore) ListPending(ctx context.Context, limit int) ([]models.ImageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.ImageRecord
	for _, rec := range f.records {
		if f.status[rec.ID] != models.StatusPending {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) Claim(ctx context.Context, imageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.claimErrs[imageID]; err != nil {
		return err
	}
	if f.status[imageID] != models.StatusPending {
		return store.ErrConflict
	}
	f.status[imageID] = models.StatusProcessing
	return nil
}

func (f *fakeStore) FetchImageBytes(ctx context.Context, storagePath string) ([]byte, error) {
	if f.fetchDelay > 0 {
		time.Sleep(f.fetchDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[storagePath]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (f *fakeStore) HasDiagnosis(ctx context.Context, imageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.diagnoses[imageID]
	return ok, nil
}

func (f *fakeStore) SaveDiagnosis(ctx context.Context, diag *models.Diagnosis) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.diagnoses[diag.ImageID]; ok {
		return store.ErrConflict
	}
	f.diagnoses[diag.ImageID] = diag
	return nil
}

func (f *fakeStore) MarkStatus(ctx context.Context, imageID string, status models.ImageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		if err := f.markErr(imageID, status); err != nil {
			return err
		}
	}
	f.status[imageID] = status
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	return f.pingErr
}

func (f *fakeStore) statusOf(imageID string) models.ImageStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[imageID]
}

func (f *fakeStore) hasDiagnosis(imageID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.diagnoses[imageID]
	return ok
}

// fakeClient answers per image ID (the fake store serves the record ID as
// the object bytes).
type fakeClient struct {
	mu      sync.Mutex
	calls   int
	delay   time.Duration
	respond func(imageID string) (string, error)
}

func (c *fakeClient) Diagnose(ctx context.Context, image []byte, prompt string) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.respond != nil {
		return c.respond(string(image))
	}
	return goodResponse, nil
}

func (c *fakeClient) SourceName() string { return "FakeModel" }

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testConfig() *config.Config {
	return &config.Config{
		RunDeadline: time.Minute,
		ListLimit:   100,
		CallTimeout: 5 * time.Second,
	}
}

func TestRunProcessesAllPending(t *testing.T) {
	fs := newFakeStore("img-1", "img-2", "img-3")
	client := &fakeClient{}
	svc := NewService(testConfig(), fs, client)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	if len(summary.Success) != 3 {
		t.Fatalf("expected 3 successes, got %d (%v)", len(summary.Success), summary.Counts)
	}
	if summary.HaltReason != "" {
		t.Errorf("unexpected halt reason %q", summary.HaltReason)
	}
	for _, id := range []string{"img-1", "img-2", "img-3"} {
		if got := fs.statusOf(id); got != models.StatusDone {
			t.Errorf("image %s status = %s, want done", id, got)
		}
		if !fs.hasDiagnosis(id) {
			t.Errorf("image %s has no diagnosis", id)
		}
	}

	diag := fs.diagnoses["img-1"]
	if diag.PlantName != "Tomato" || diag.DiseaseName != "Blight" {
		t.Errorf("unexpected diagnosis fields: %+v", diag)
	}
	if diag.Source != "FakeModel" {
		t.Errorf("diagnosis source = %q, want FakeModel", diag.Source)
	}
	if diag.RawModelOutput != goodResponse {
		t.Errorf("raw model output not preserved")
	}

	if got := svc.LastSummary(); got == nil || got.RunID != summary.RunID {
		t.Errorf("LastSummary() did not return the finished run")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	fs := newFakeStore("img-1", "img-2")
	client := &fakeClient{}
	svc := NewService(testConfig(), fs, client)

	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("first Run() unexpected error: %v", err)
	}
	callsAfterFirst := client.callCount()

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() unexpected error: %v", err)
	}
	if summary.Processed() != 0 || len(summary.Pending) != 0 {
		t.Errorf("second run touched images: %v", summary.Counts)
	}
	if client.callCount() != callsAfterFirst {
		t.Errorf("second run called the model %d more times", client.callCount()-callsAfterFirst)
	}
}

func TestRunIsolatesInvalidImage(t *testing.T) {
	fs := newFakeStore("img-1", "img-2", "img-3")
	client := &fakeClient{respond: func(imageID string) (string, error) {
		if imageID == "img-2" {
			return "", &llm.ModelError{Kind: llm.KindInvalidImage, Provider: "fake", Err: errors.New("unsupported image")}
		}
		return goodResponse, nil
	}}
	svc := NewService(testConfig(), fs, client)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	if len(summary.Success) != 2 || len(summary.ModelFailure) != 1 {
		t.Fatalf("unexpected counts: %v", summary.Counts)
	}
	if fs.statusOf("img-2") != models.StatusFailed {
		t.Errorf("img-2 status = %s, want failed", fs.statusOf("img-2"))
	}
	if fs.hasDiagnosis("img-2") {
		t.Errorf("img-2 has a diagnosis despite rejection")
	}
	for _, id := range []string{"img-1", "img-3"} {
		if fs.statusOf(id) != models.StatusDone {
			t.Errorf("image %s status = %s, want done", id, fs.statusOf(id))
		}
	}
}

func TestRunTransientModelFailureStaysPending(t *testing.T) {
	fs := newFakeStore("img-1")
	client := &fakeClient{respond: func(string) (string, error) {
		return "", &llm.ModelError{Kind: llm.KindTimeout, Provider: "fake", Err: context.DeadlineExceeded}
	}}
	svc := NewService(testConfig(), fs, client)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	if len(summary.ModelFailure) != 1 {
		t.Fatalf("unexpected counts: %v", summary.Counts)
	}
	if fs.statusOf("img-1") != models.StatusPending {
		t.Errorf("img-1 status = %s, want pending", fs.statusOf("img-1"))
	}
}

func TestRunParseFailureMarksFailed(t *testing.T) {
	fs := newFakeStore("img-1")
	client := &fakeClient{respond: func(string) (string, error) {
		return "I cannot tell what this is.", nil
	}}
	svc := NewService(testConfig(), fs, client)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	if len(summary.ParseFailure) != 1 {
		t.Fatalf("unexpected counts: %v", summary.Counts)
	}
	if fs.statusOf("img-1") != models.StatusFailed {
		t.Errorf("img-1 status = %s, want failed", fs.statusOf("img-1"))
	}
	if fs.hasDiagnosis("img-1") {
		t.Errorf("img-1 has a diagnosis despite parse failure")
	}
}

func TestRunRateLimitHaltsRun(t *testing.T) {
	fs := newFakeStore("img-1", "img-2", "img-3", "img-4", "img-5")
	client := &fakeClient{respond: func(imageID string) (string, error) {
		if imageID == "img-2" {
			return "", &llm.ModelError{Kind: llm.KindRateLimited, Provider: "fake", Err: errors.New("quota exceeded")}
		}
		return goodResponse, nil
	}}
	svc := NewService(testConfig(), fs, client)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	if summary.HaltReason != HaltRateLimited {
		t.Errorf("halt reason = %q, want %q", summary.HaltReason, HaltRateLimited)
	}
	if len(summary.Success) != 1 || len(summary.ModelFailure) != 1 || len(summary.Pending) != 3 {
		t.Fatalf("unexpected counts: %v", summary.Counts)
	}
	if client.callCount() != 2 {
		t.Errorf("model called %d times, want 2", client.callCount())
	}
	for _, id := range []string{"img-2", "img-3", "img-4", "img-5"} {
		if fs.statusOf(id) != models.StatusPending {
			t.Errorf("image %s status = %s, want pending", id, fs.statusOf(id))
		}
	}
}

func TestRunStopsAtDeadline(t *testing.T) {
	fs := newFakeStore("img-1", "img-2", "img-3")
	client := &fakeClient{delay: 60 * time.Millisecond}
	cfg := &config.Config{
		RunDeadline: 100 * time.Millisecond,
		ListLimit:   100,
		CallTimeout: 90 * time.Millisecond,
	}
	svc := NewService(cfg, fs, client)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	if summary.HaltReason != HaltDeadline {
		t.Errorf("halt reason = %q, want %q", summary.HaltReason, HaltDeadline)
	}
	if len(summary.Success) != 1 {
		t.Fatalf("expected 1 success before the deadline, got counts %v", summary.Counts)
	}
	if len(summary.Pending) != 2 {
		t.Fatalf("expected 2 images left pending, got %d", len(summary.Pending))
	}
	if fs.statusOf("img-1") != models.StatusDone {
		t.Errorf("img-1 status = %s, want done", fs.statusOf("img-1"))
	}
	for _, id := range []string{"img-2", "img-3"} {
		if fs.statusOf(id) != models.StatusPending {
			t.Errorf("image %s status = %s, want pending", id, fs.statusOf(id))
		}
	}
}

func TestRunAbandonsItemWhenDeadlineExpiresMidFlight(t *testing.T) {
	fs := newFakeStore("img-1")
	fs.fetchDelay = 120 * time.Millisecond
	client := &fakeClient{}
	cfg := &config.Config{
		RunDeadline: 100 * time.Millisecond,
		ListLimit:   100,
		CallTimeout: 90 * time.Millisecond,
	}
	svc := NewService(cfg, fs, client)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	if summary.HaltReason != HaltDeadline {
		t.Errorf("halt reason = %q, want %q", summary.HaltReason, HaltDeadline)
	}
	if len(summary.Pending) != 1 {
		t.Fatalf("expected the in-flight image left pending, got counts %v", summary.Counts)
	}
	if client.callCount() != 0 {
		t.Errorf("model called %d times after the deadline", client.callCount())
	}
	if fs.statusOf("img-1") != models.StatusPending {
		t.Errorf("img-1 status = %s, want pending", fs.statusOf("img-1"))
	}
}

func TestRunFinalizesOrphanedDiagnosis(t *testing.T) {
	fs := newFakeStore("img-1")
	fs.diagnoses["img-1"] = &models.Diagnosis{ImageID: "img-1", PlantName: "Tomato"}
	client := &fakeClient{}
	svc := NewService(testConfig(), fs, client)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	if len(summary.Success) != 1 {
		t.Fatalf("unexpected counts: %v", summary.Counts)
	}
	if client.callCount() != 0 {
		t.Errorf("model called %d times for an already-diagnosed image", client.callCount())
	}
	if fs.statusOf("img-1") != models.StatusDone {
		t.Errorf("img-1 status = %s, want done", fs.statusOf("img-1"))
	}
}

func TestRunRecoversFromStatusFlipFailure(t *testing.T) {
	fs := newFakeStore("img-1")
	flipErr := errors.New("connection reset")
	fs.markErr = func(imageID string, status models.ImageStatus) error {
		if status == models.StatusDone {
			return flipErr
		}
		return nil
	}
	client := &fakeClient{}
	svc := NewService(testConfig(), fs, client)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if len(summary.StoreFailure) != 1 {
		t.Fatalf("unexpected counts: %v", summary.Counts)
	}
	if !fs.hasDiagnosis("img-1") {
		t.Fatalf("diagnosis was not written before the status flip")
	}
	if fs.statusOf("img-1") != models.StatusPending {
		t.Fatalf("img-1 status = %s, want pending for recovery", fs.statusOf("img-1"))
	}

	// Next run finalizes via the existing diagnosis, no model call.
	fs.markErr = nil
	callsBefore := client.callCount()
	summary, err = svc.Run(context.Background())
	if err != nil {
		t.Fatalf("recovery Run() unexpected error: %v", err)
	}
	if len(summary.Success) != 1 {
		t.Fatalf("recovery run counts: %v", summary.Counts)
	}
	if client.callCount() != callsBefore {
		t.Errorf("recovery run called the model")
	}
	if fs.statusOf("img-1") != models.StatusDone {
		t.Errorf("img-1 status = %s, want done", fs.statusOf("img-1"))
	}
}

func TestRunSkipsClaimConflict(t *testing.T) {
	fs := newFakeStore("img-1", "img-2")
	fs.claimErrs["img-1"] = store.ErrConflict
	client := &fakeClient{}
	svc := NewService(testConfig(), fs, client)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	if len(summary.Success) != 1 {
		t.Fatalf("unexpected counts: %v", summary.Counts)
	}
	if len(summary.StoreFailure) != 0 {
		t.Errorf("claim conflict recorded as store failure")
	}
	if fs.statusOf("img-2") != models.StatusDone {
		t.Errorf("img-2 status = %s, want done", fs.statusOf("img-2"))
	}
}

func TestRunMissingObjectMarksFailed(t *testing.T) {
	fs := newFakeStore("img-1")
	delete(fs.objects, "uploads/img-1.jpg")
	client := &fakeClient{}
	svc := NewService(testConfig(), fs, client)

	summary, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	if len(summary.StoreFailure) != 1 {
		t.Fatalf("unexpected counts: %v", summary.Counts)
	}
	if fs.statusOf("img-1") != models.StatusFailed {
		t.Errorf("img-1 status = %s, want failed", fs.statusOf("img-1"))
	}
	if client.callCount() != 0 {
		t.Errorf("model called for a missing object")
	}
}

func TestRunListFailure(t *testing.T) {
	fs := newFakeStore("img-1")
	fs.listErr = errors.New("connection refused")
	svc := NewService(testConfig(), fs, &fakeClient{})

	if _, err := svc.Run(context.Background()); err == nil {
		t.Fatal("Run() expected error when listing fails")
	}
}

func TestTestConnection(t *testing.T) {
	fs := newFakeStore()
	svc := NewService(testConfig(), fs, &fakeClient{})

	if !svc.TestConnection(context.Background()) {
		t.Error("TestConnection() = false with healthy store")
	}

	fs.pingErr = errors.New("dial tcp: connection refused")
	if svc.TestConnection(context.Background()) {
		t.Error("TestConnection() = true with failing store")
	}
}
