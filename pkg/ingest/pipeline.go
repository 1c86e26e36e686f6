// Package ingest implements the artifact ingestion pipeline (spec.md
// §4.3 / §4.3a): list -> bounded-concurrency download/extract/parse ->
// persist -> post-process -> cleanup, tying together C2 (ciprovider),
// C3 (junit), C4 (scoring), C5 (cluster), C6 (policy), and C1 (storage).
package ingest

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
	"github.com/thc1006/flakeguard-sub006/pkg/ciprovider"
	"github.com/thc1006/flakeguard-sub006/pkg/cluster"
	"github.com/thc1006/flakeguard-sub006/pkg/junit"
	"github.com/thc1006/flakeguard-sub006/pkg/metrics"
	"github.com/thc1006/flakeguard-sub006/pkg/model"
	"github.com/thc1006/flakeguard-sub006/pkg/policy"
	"github.com/thc1006/flakeguard-sub006/pkg/scoring"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/logging"
	"github.com/thc1006/flakeguard-sub006/pkg/signature"
	"github.com/thc1006/flakeguard-sub006/pkg/storage"
)

// Config tunes the pipeline's filtering, concurrency, and batching
// behavior (spec.md §4.3 defaults).
type Config struct {
	WorkerCount          int
	NamePatterns         []string
	MaxArtifactSizeBytes int64
	MinArtifactSizeBytes int64
	MaxXMLSizeBytes      int64
	OccurrenceBatchSize  int
	WindowN              int
}

// DefaultConfig returns the spec.md §4.3/§4.4 defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:          3,
		NamePatterns:         []string{"test", "junit", "results"},
		MaxArtifactSizeBytes: 100 * 1024 * 1024,
		MinArtifactSizeBytes: 1,
		MaxXMLSizeBytes:      50 * 1024 * 1024,
		OccurrenceBatchSize:  storage.MinBatchSize,
		WindowN:              scoring.DefaultWindowN,
	}
}

// Phase names a pipeline stage boundary for progress reporting.
type Phase string

const (
	PhaseListing        Phase = "listing"
	PhaseProcessing      Phase = "processing"
	PhasePostProcessing  Phase = "post_processing"
	PhaseCleanup         Phase = "cleanup"
)

// ProgressEvent is emitted at phase boundaries (spec.md §4.3: "Progress
// events {phase, processed, total, currentFileName}").
type ProgressEvent struct {
	Phase           Phase
	Processed       int
	Total           int
	CurrentFileName string
}

// Request is one artifact-ingestion invocation (spec.md §4.3: "Given
// {owner, repo, runId, installationId, repositoryId, expectedFormat?,
// config}").
type Request struct {
	Owner          string
	Repo           string
	RunID          int64
	InstallationID int64
	RepoID         uuid.UUID
	Dialect        junit.Dialect
	OnProgress     func(ProgressEvent)
}

func (r Request) emit(phase Phase, processed, total int, filename string) {
	if r.OnProgress != nil {
		r.OnProgress(ProgressEvent{Phase: phase, Processed: processed, Total: total, CurrentFileName: filename})
	}
}

// FileError is one artifact's processing failure (spec.md §4.3 step 5:
// "per-file errors").
type FileError struct {
	ArtifactName string
	Err          error
}

func (fe FileError) Error() string {
	return fmt.Sprintf("%s: %v", fe.ArtifactName, fe.Err)
}

// Result is the pipeline's output (spec.md §4.3 step 5).
type Result struct {
	ProcessedArtifacts int
	TotalTests         int
	TotalFailures      int
	TotalErrors        int
	ProcessingTimeMs    int64
	FileErrors          []FileError
	Warnings            []string
}

// Pipeline wires the storage layer and the upstream adapter into one
// ingest-and-score operation.
type Pipeline struct {
	adapter     *ciprovider.Adapter
	runs        *storage.RunStore
	testCases   *storage.TestCaseStore
	occurrences *storage.OccurrenceStore
	scores      *storage.ScoreStore
	clusters    *storage.ClusterStore
	quarantines *storage.QuarantineStore
	cfg         Config
	policyCfg   policy.Config
	logger      *logrus.Logger
	metrics     *metrics.Metrics
}

// New constructs a Pipeline from its storage and provider dependencies.
// m may be nil, in which case ingestion metrics are not recorded.
func New(
	adapter *ciprovider.Adapter,
	runs *storage.RunStore,
	testCases *storage.TestCaseStore,
	occurrences *storage.OccurrenceStore,
	scores *storage.ScoreStore,
	clusters *storage.ClusterStore,
	quarantines *storage.QuarantineStore,
	cfg Config,
	policyCfg policy.Config,
	logger *logrus.Logger,
	m *metrics.Metrics,
) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	return &Pipeline{
		adapter: adapter, runs: runs, testCases: testCases, occurrences: occurrences,
		scores: scores, clusters: clusters, quarantines: quarantines,
		cfg: cfg, policyCfg: policyCfg, logger: logger, metrics: m,
	}
}

// Process runs the full pipeline for one workflow run: list, filter,
// bounded-concurrency per-artifact download/extract/parse/persist, then
// post-process every touched TestCase, then clean up.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	fields := logging.NewFields().Component("ingest").Operation("process").
		Resource("workflow_run", fmt.Sprintf("%s/%s#%d", req.Owner, req.Repo, req.RunID))
	p.logger.WithFields(fields.ToLogrus()).Info("starting artifact ingestion")

	run, err := p.runs.Upsert(ctx, model.WorkflowRun{
		RepoID: req.RepoID, ExternalRunID: req.RunID, Status: model.RunStatusInProgress,
	})
	if err != nil {
		p.recordIngestionError(req.Repo)
		return nil, err
	}

	artifacts, err := p.adapter.ListRunArtifacts(ctx, req.Owner, req.Repo, req.RunID, req.InstallationID)
	if err != nil {
		p.recordIngestionError(req.Repo)
		return nil, err
	}
	filtered := filterArtifacts(artifacts, p.cfg)
	req.emit(PhaseListing, 0, len(filtered), "")

	tempDir, err := os.MkdirTemp("", "flakeguard-ingest-*")
	if err != nil {
		p.recordIngestionError(req.Repo)
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to create ingestion temp directory")
	}
	defer os.RemoveAll(tempDir) // cleanup on every exit path: success, error, or cancellation

	var (
		mu           sync.Mutex
		result       Result
		touchedTests = make(map[uuid.UUID]struct{})
	)

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.WorkerCount)
	for _, artifact := range filtered {
		artifact := artifact
		g.Go(func() error {
			fr := p.processArtifact(ctx, req, run.ID, artifact, tempDir)

			mu.Lock()
			result.ProcessedArtifacts++
			result.TotalTests += fr.tests
			result.TotalFailures += fr.failures
			result.TotalErrors += fr.errored
			for id := range fr.touchedTests {
				touchedTests[id] = struct{}{}
			}
			if fr.err != nil {
				result.FileErrors = append(result.FileErrors, FileError{ArtifactName: artifact.Name, Err: fr.err})
			}
			processed := result.ProcessedArtifacts
			mu.Unlock()

			p.recordArtifactProcessed(req.Repo, fr.err == nil)
			req.emit(PhaseProcessing, processed, len(filtered), artifact.Name)
			// A single artifact's failure never cancels the others: this
			// goroutine always returns nil so errgroup keeps dispatching.
			return nil
		})
	}
	_ = g.Wait()

	i := 0
	for testID := range touchedTests {
		i++
		req.emit(PhasePostProcessing, i, len(touchedTests), "")
		if err := p.postProcess(ctx, testID, req.RepoID); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("post-process %s: %v", testID, err))
		}
	}

	req.emit(PhaseCleanup, len(filtered), len(filtered), "")
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	if p.metrics != nil {
		p.metrics.IngestionDuration.WithLabelValues(req.Repo).Observe(time.Since(start).Seconds())
	}

	p.logger.WithFields(fields.Custom("processed", result.ProcessedArtifacts).
		Custom("total_tests", result.TotalTests).
		Custom("duration_ms", result.ProcessingTimeMs).ToLogrus()).Info("artifact ingestion complete")
	return &result, nil
}

func (p *Pipeline) recordIngestionError(repo string) {
	if p.metrics != nil {
		p.metrics.IngestionErrorsTotal.WithLabelValues(repo).Inc()
	}
}

func (p *Pipeline) recordArtifactProcessed(repo string, ok bool) {
	if p.metrics == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	p.metrics.ArtifactsProcessedTotal.WithLabelValues(repo, outcome).Inc()
}

type artifactResult struct {
	tests, failures, errored int
	touchedTests              map[uuid.UUID]struct{}
	err                       error
}

func (p *Pipeline) processArtifact(ctx context.Context, req Request, runDBID uuid.UUID, artifact ciprovider.Artifact, tempDir string) artifactResult {
	localPath, err := p.adapter.DownloadArtifactZip(ctx, req.Owner, req.Repo, artifact.ID, req.InstallationID, tempDir)
	if err != nil {
		return artifactResult{err: err}
	}

	xmlPaths, cleanup, err := extractXMLFiles(localPath, p.cfg.MaxXMLSizeBytes)
	defer cleanup()
	if err != nil {
		return artifactResult{err: err}
	}

	parser := junit.NewParser(req.Dialect)
	touched := make(map[uuid.UUID]struct{})
	var occs []model.Occurrence
	var parseErr error

	for _, xp := range xmlPaths {
		if ferr := func() error {
			f, err := os.Open(xp)
			if err != nil {
				return err
			}
			defer f.Close()

			ts, err := parser.Parse(f)
			if err != nil {
				return err
			}
			for _, suite := range ts.Suites {
				for _, c := range suite.Cases {
					var classPtr *string
					if c.ClassName != "" {
						classPtr = &c.ClassName
					}
					tc, err := p.testCases.GetOrCreate(ctx, model.TestCase{
						RepoID: req.RepoID, Suite: suite.Name, ClassName: classPtr, Name: c.Name,
					})
					if err != nil {
						return err
					}
					occs = append(occs, toOccurrence(tc.ID, runDBID, c))
					touched[tc.ID] = struct{}{}
				}
			}
			return nil
		}(); ferr != nil {
			parseErr = apperrors.Chain(parseErr, ferr)
			if p.metrics != nil {
				p.metrics.ParseFailuresTotal.WithLabelValues(req.Repo).Inc()
			}
		}
	}

	if len(occs) > 0 {
		if _, err := p.occurrences.BatchUpsert(ctx, occs, p.cfg.OccurrenceBatchSize); err != nil {
			return artifactResult{err: apperrors.Chain(parseErr, err), touchedTests: touched}
		}
	}

	var failures, errored int
	for _, o := range occs {
		switch o.Status {
		case model.StatusFailed:
			failures++
		case model.StatusError:
			errored++
		}
	}
	return artifactResult{tests: len(occs), failures: failures, errored: errored, touchedTests: touched, err: parseErr}
}

func toOccurrence(testID, runID uuid.UUID, c junit.Case) model.Occurrence {
	occ := model.Occurrence{TestID: testID, RunID: runID, Status: mapStatus(c.Status), Attempt: 1}
	if c.TimeSeconds > 0 {
		ms := int64(c.TimeSeconds * 1000)
		occ.DurationMs = &ms
	}
	raw := strings.TrimSpace(c.Message)
	if raw == "" {
		raw = strings.TrimSpace(c.StackText)
	}
	if occ.Status.IsFailure() && raw != "" {
		sig, _ := signature.Of(raw)
		occ.MessageSig = &sig
		occ.RawMessage = &raw
	}
	return occ
}

func mapStatus(s junit.Status) model.OccurrenceStatus {
	switch s {
	case junit.StatusFailed:
		return model.StatusFailed
	case junit.StatusError:
		return model.StatusError
	case junit.StatusSkipped:
		return model.StatusSkipped
	default:
		return model.StatusPassed
	}
}

// zipMagic is the local-file-header signature every zip archive starts
// with; GitHub's artifact-download endpoint always serves a zip even
// for a single-file artifact, but the pipeline still falls back to
// treating the download as a raw XML file for CI providers that don't
// (spec.md §4.3 step 3b: "If a single XML, use directly").
var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// extractXMLFiles opens path, and if it is a zip archive, streams it
// (never loading the whole archive into memory) and extracts every
// entry under maxXMLSize whose name ends in .xml into a sibling temp
// directory. If path is not a zip, it is returned as-is. The returned
// cleanup func removes any directory this call created.
func extractXMLFiles(path string, maxXMLSize int64) ([]string, func(), error) {
	noop := func() {}

	f, err := os.Open(path)
	if err != nil {
		return nil, noop, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to open downloaded artifact")
	}
	defer f.Close()

	header := make([]byte, 4)
	n, _ := io.ReadFull(f, header)
	if n < 4 || string(header) != string(zipMagic) {
		return []string{path}, noop, nil
	}

	info, err := f.Stat()
	if err != nil {
		return nil, noop, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to stat downloaded artifact")
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, noop, apperrors.Wrap(err, apperrors.ErrorTypeParse, "failed to open artifact as zip")
	}

	dir, err := os.MkdirTemp(filepath.Dir(path), "xml-*")
	if err != nil {
		return nil, noop, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to create extraction temp directory")
	}
	cleanup := func() { os.RemoveAll(dir) }

	var extracted []string
	for i, zf := range zr.File {
		if !strings.HasSuffix(strings.ToLower(zf.Name), ".xml") {
			continue
		}
		if int64(zf.UncompressedSize64) > maxXMLSize {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			cleanup()
			return nil, noop, apperrors.Wrap(err, apperrors.ErrorTypeParse, "failed to open zip entry")
		}
		outPath := filepath.Join(dir, fmt.Sprintf("entry-%d.xml", i))
		out, err := os.Create(outPath)
		if err != nil {
			rc.Close()
			cleanup()
			return nil, noop, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to create extracted file")
		}
		_, copyErr := io.Copy(out, io.LimitReader(rc, maxXMLSize))
		out.Close()
		rc.Close()
		if copyErr != nil {
			cleanup()
			return nil, noop, apperrors.Wrap(copyErr, apperrors.ErrorTypeInternal, "failed to extract zip entry")
		}
		extracted = append(extracted, outPath)
	}
	return extracted, cleanup, nil
}

// filterArtifacts applies spec.md §4.3 step 1's filter: not expired,
// name matches a configured pattern or has a recognized extension, and
// size within [min, max].
func filterArtifacts(artifacts []ciprovider.Artifact, cfg Config) []ciprovider.Artifact {
	out := make([]ciprovider.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if a.Expired {
			continue
		}
		if a.SizeBytes < cfg.MinArtifactSizeBytes || a.SizeBytes > cfg.MaxArtifactSizeBytes {
			continue
		}
		if !nameMatches(a.Name, cfg.NamePatterns) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func nameMatches(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".xml") || strings.HasSuffix(lower, ".zip") {
		return true
	}
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// postProcess recomputes the flakiness score, refreshes failure-cluster
// membership, and re-evaluates quarantine policy for one touched
// TestCase (spec.md §4.3 step 3e).
func (p *Pipeline) postProcess(ctx context.Context, testID, repoID uuid.UUID) error {
	occs, err := p.occurrences.History(ctx, testID, p.cfg.WindowN)
	if err != nil {
		return err
	}

	clusters := cluster.Clusters(occs)
	density := cluster.FailureClustering(clusters)
	scored := scoring.Score(occs, scoring.Options{
		MinRunsForQuarantine: p.policyCfg.MinRunsForQuarantine,
		WarnThreshold:        p.policyCfg.WarnThreshold,
		QuarantineThreshold:  p.policyCfg.QuarantineThreshold,
		FailureClustering:    &density,
	})
	flakeScore := model.FlakeScore{
		TestID: testID, Score: scored.Score, Confidence: scored.Confidence,
		WindowN: len(occs), Features: scored.Features, Recommendation: scored.Recommendation,
	}
	if err := p.scores.Upsert(ctx, flakeScore); err != nil {
		return err
	}

	if err := p.updateClusterMembership(ctx, repoID, testID, occs); err != nil {
		return err
	}

	tc, err := p.testCases.Get(ctx, testID)
	if err != nil {
		return err
	}
	decision := policy.Evaluate(flakeScore, tc.Identifier(), p.policyCfg, nil)
	return p.applyQuarantineDecision(ctx, testID, decision)
}

// updateClusterMembership groups testID's failed occurrences by
// normalized signature and merges testID into each signature's
// FailureCluster membership, preserving whatever other tests already
// share that signature.
func (p *Pipeline) updateClusterMembership(ctx context.Context, repoID, testID uuid.UUID, occs []model.Occurrence) error {
	type agg struct {
		count   int
		example string
	}
	bySig := make(map[string]*agg)
	for _, o := range occs {
		if !o.Status.IsFailure() || o.MessageSig == nil {
			continue
		}
		a, ok := bySig[*o.MessageSig]
		if !ok {
			a = &agg{}
			bySig[*o.MessageSig] = a
		}
		a.count++
		if a.example == "" && o.RawMessage != nil {
			a.example = *o.RawMessage
		}
	}

	for sig, a := range bySig {
		existing, err := p.clusters.GetBySignature(ctx, repoID, sig)
		testIDs := []uuid.UUID{testID}
		occurrenceCount := a.count
		example := a.example
		if err == nil && existing != nil {
			testIDs = mergeTestID(existing.TestIDs, testID)
			occurrenceCount += existing.OccurrenceCount
			if existing.ExampleMessage != "" {
				example = existing.ExampleMessage
			}
		} else if err != nil && !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return err
		}
		if _, err := p.clusters.Upsert(ctx, model.FailureCluster{
			RepoID: repoID, FailureMsgSignature: sig, ExampleMessage: example,
			OccurrenceCount: occurrenceCount, TestIDs: testIDs,
		}); err != nil {
			return err
		}
	}
	return nil
}

func mergeTestID(existing []uuid.UUID, testID uuid.UUID) []uuid.UUID {
	for _, id := range existing {
		if id == testID {
			return existing
		}
	}
	return append(existing, testID)
}

// applyQuarantineDecision records a new quarantine-state row only on an
// actual transition, never on every post-process call, so the
// append-only history in storage.QuarantineStore reflects state
// changes rather than one row per ingestion run.
func (p *Pipeline) applyQuarantineDecision(ctx context.Context, testID uuid.UUID, decision policy.Decision) error {
	current, err := p.quarantines.Current(ctx, testID)
	if err != nil {
		if !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return err
		}
		current = nil
	}

	isActive := current != nil && current.State == model.QuarantineActive
	switch {
	case decision.Action == policy.ActionQuarantine && !isActive:
		_, err = p.quarantines.Record(ctx, model.QuarantineDecision{
			TestID: testID, State: model.QuarantineActive, Rationale: decision.Rationale,
		})
	case decision.Action != policy.ActionQuarantine && isActive:
		_, err = p.quarantines.Record(ctx, model.QuarantineDecision{
			TestID: testID, State: model.QuarantineNone,
			Rationale: "no longer meets quarantine criteria: " + decision.Rationale,
		})
	}
	return err
}
