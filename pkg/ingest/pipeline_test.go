package ingest

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/thc1006/flakeguard-sub006/pkg/ciprovider"
	"github.com/thc1006/flakeguard-sub006/pkg/junit"
	"github.com/thc1006/flakeguard-sub006/pkg/model"
)

func TestFilterArtifactsExcludesExpiredOversizedAndUnmatchedNames(t *testing.T) {
	cfg := DefaultConfig()
	artifacts := []ciprovider.Artifact{
		{Name: "junit-results.zip", SizeBytes: 1024, Expired: false},
		{Name: "junit-results.zip", SizeBytes: 1024, Expired: true},
		{Name: "junit-results.zip", SizeBytes: cfg.MaxArtifactSizeBytes + 1, Expired: false},
		{Name: "coverage-report.html", SizeBytes: 1024, Expired: false},
		{Name: "surefire-reports.xml", SizeBytes: 1024, Expired: false},
	}

	got := filterArtifacts(artifacts, cfg)
	if len(got) != 2 {
		t.Fatalf("expected 2 surviving artifacts, got %d", len(got))
	}
	if got[0].Name != "junit-results.zip" || got[1].Name != "surefire-reports.xml" {
		t.Fatalf("unexpected surviving artifacts: %+v", got)
	}
}

func TestNameMatchesRecognizesExtensionsAndPatterns(t *testing.T) {
	patterns := []string{"test", "junit", "results"}
	cases := map[string]bool{
		"junit-results.zip":    true,
		"report.xml":           true,
		"test-output.tar.gz":   true,
		"coverage.html":        false,
		"build-log.txt":        false,
	}
	for name, want := range cases {
		if got := nameMatches(name, patterns); got != want {
			t.Fatalf("nameMatches(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestExtractXMLFilesReturnsRawPathForNonZip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "result.xml")
	if err := os.WriteFile(path, []byte(`<testsuites></testsuites>`), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	got, cleanup, err := extractXMLFiles(path, DefaultConfig().MaxXMLSizeBytes)
	defer cleanup()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != path {
		t.Fatalf("expected the raw path to be returned unchanged, got %v", got)
	}
}

func TestExtractXMLFilesEnumeratesZipEntriesAndSkipsNonXML(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "artifact.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	writeZipEntry(t, zw, "results/TEST-foo.xml", `<testsuites></testsuites>`)
	writeZipEntry(t, zw, "results/coverage.html", `<html></html>`)
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to finalize zip: %v", err)
	}
	if err := os.WriteFile(zipPath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("failed to write zip fixture: %v", err)
	}

	got, cleanup, err := extractXMLFiles(zipPath, DefaultConfig().MaxXMLSizeBytes)
	defer cleanup()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 extracted XML file, got %d: %v", len(got), got)
	}
	content, err := os.ReadFile(got[0])
	if err != nil {
		t.Fatalf("failed to read extracted file: %v", err)
	}
	if string(content) != `<testsuites></testsuites>` {
		t.Fatalf("unexpected extracted content: %q", content)
	}
}

func writeZipEntry(t *testing.T, zw *zip.Writer, name, content string) {
	t.Helper()
	w, err := zw.Create(name)
	if err != nil {
		t.Fatalf("failed to create zip entry %s: %v", name, err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		t.Fatalf("failed to write zip entry %s: %v", name, err)
	}
}

func TestMapStatusDerivesFromJUnitStatus(t *testing.T) {
	cases := map[junit.Status]model.OccurrenceStatus{
		junit.StatusFailed:  model.StatusFailed,
		junit.StatusError:   model.StatusError,
		junit.StatusSkipped: model.StatusSkipped,
		junit.StatusPassed:  model.StatusPassed,
	}
	for in, want := range cases {
		if got := mapStatus(in); got != want {
			t.Fatalf("mapStatus(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestToOccurrenceComputesSignatureOnlyForFailures(t *testing.T) {
	testID, runID := uuid.New(), uuid.New()

	passed := toOccurrence(testID, runID, junit.Case{Status: junit.StatusPassed, TimeSeconds: 1.5})
	if passed.MessageSig != nil {
		t.Fatalf("expected no signature for a passing case")
	}
	if passed.DurationMs == nil || *passed.DurationMs != 1500 {
		t.Fatalf("expected a 1500ms duration, got %+v", passed.DurationMs)
	}

	failed := toOccurrence(testID, runID, junit.Case{Status: junit.StatusFailed, Message: "connection refused on 10.0.0.5:5432"})
	if failed.MessageSig == nil || *failed.MessageSig == "" {
		t.Fatalf("expected a computed signature for a failing case")
	}
}

func TestMergeTestIDDeduplicates(t *testing.T) {
	id := uuid.New()
	existing := []uuid.UUID{id, uuid.New()}

	got := mergeTestID(existing, id)
	if len(got) != len(existing) {
		t.Fatalf("expected no duplicate insertion, got %v", got)
	}

	other := uuid.New()
	got = mergeTestID(existing, other)
	if len(got) != len(existing)+1 {
		t.Fatalf("expected the new ID to be appended, got %v", got)
	}
}
