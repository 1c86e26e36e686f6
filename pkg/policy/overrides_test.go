package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOverrideStoreLoad(t *testing.T) {
	dir := t.TempDir()
	content := []byte("flaky_threshold: 0.45\nmin_occurrences: 3\nexclude_paths:\n  - pkg/generated/\n")
	if err := os.WriteFile(filepath.Join(dir, "acme_widgets.yaml"), content, 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	store := NewOverrideStore(dir)
	if err := store.Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	o := store.Get("acme_widgets")
	if o == nil {
		t.Fatalf("expected an override to be loaded")
	}
	if o.FlakyThreshold == nil || *o.FlakyThreshold != 0.45 {
		t.Fatalf("unexpected flaky_threshold: %+v", o.FlakyThreshold)
	}
	if len(o.ExcludePaths) != 1 || o.ExcludePaths[0] != "pkg/generated/" {
		t.Fatalf("unexpected exclude_paths: %+v", o.ExcludePaths)
	}
}

func TestOverrideStoreLoadMissingDirIsNotError(t *testing.T) {
	store := NewOverrideStore(filepath.Join(t.TempDir(), "does-not-exist"))
	if err := store.Load(); err != nil {
		t.Fatalf("expected no error for a missing overrides directory, got %v", err)
	}
	if store.Get("anything") != nil {
		t.Fatalf("expected no override for an empty store")
	}
}

func TestOverrideStoreSkipsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("not: [valid"), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	store := NewOverrideStore(dir)
	if err := store.Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Get("broken") != nil {
		t.Fatalf("expected malformed file to be skipped, not loaded")
	}
}

func TestExcludeByJQ(t *testing.T) {
	meta := map[string]any{"team": "legacy", "file": "pkg/generated/client.go"}
	if !ExcludeByJQ(`.team == "legacy"`, meta) {
		t.Fatalf("expected jq expression to match")
	}
	if ExcludeByJQ(`.team == "platform"`, meta) {
		t.Fatalf("expected jq expression not to match")
	}
	if ExcludeByJQ("", meta) {
		t.Fatalf("expected empty query to mean not excluded")
	}
	if ExcludeByJQ(`.nonexistent | invalidsyntax(`, meta) {
		t.Fatalf("expected malformed query to mean not excluded")
	}
}

func TestRegoExtensionOverridesDecision(t *testing.T) {
	module := `package flakeguard

decision := "none" if {
	input.team == "oncall-freeze"
}
`
	ctx := context.Background()
	ext, err := NewRegoExtension(ctx, module)
	if err != nil {
		t.Fatalf("failed to compile module: %v", err)
	}

	action, err := ext.Apply(ctx, map[string]any{"team": "oncall-freeze"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionNone {
		t.Fatalf("expected override to force none, got %q", action)
	}

	action, err = ext.Apply(ctx, map[string]any{"team": "platform"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != "" {
		t.Fatalf("expected no override when the condition doesn't match, got %q", action)
	}
}
