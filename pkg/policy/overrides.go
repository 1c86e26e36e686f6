package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/itchyny/gojq"
	opaRego "github.com/open-policy-agent/opa/v1/rego"
	"sigs.k8s.io/yaml"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
)

// OverrideStore holds one Override per <dir>/<key>.yaml file, keyed by
// the file's basename without the extension, and hot-reloads them on
// write/create/remove via fsnotify (spec.md §4.6: "optional repo-level
// YAML overrides").
type OverrideStore struct {
	mu        sync.RWMutex
	dir       string
	overrides map[string]*Override
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
}

// NewOverrideStore constructs a store rooted at dir. Load must be called
// once before Start to populate the initial snapshot.
func NewOverrideStore(dir string) *OverrideStore {
	return &OverrideStore{
		dir:       dir,
		overrides: map[string]*Override{},
		stopCh:    make(chan struct{}),
	}
}

// Get returns the override for repoFullName, or nil if none is loaded.
func (s *OverrideStore) Get(repoFullName string) *Override {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overrides[repoFullName]
}

// Load reads the *.yaml files directly inside dir (subdirectories are
// skipped) and (re)populates the in-memory snapshot. Each file's basename
// minus extension is used as its key unchanged (acme_widgets.yaml is
// keyed "acme_widgets"); a malformed individual file is skipped rather
// than failing the whole load.
func (s *OverrideStore) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to read policy overrides directory")
	}

	loaded := map[string]*Override{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var o Override
		if err := yaml.Unmarshal(data, &o); err != nil {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".yaml")
		loaded[key] = &o
	}

	s.mu.Lock()
	s.overrides = loaded
	s.mu.Unlock()
	return nil
}

// Start begins watching dir for changes and reloads the whole snapshot on
// any create/write/remove/rename event. Start is a no-op if dir does not
// exist yet.
func (s *OverrideStore) Start(ctx context.Context) error {
	if _, err := os.Stat(s.dir); os.IsNotExist(err) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to create policy overrides watcher")
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to watch policy overrides directory")
	}
	s.watcher = watcher

	go s.processEvents(ctx)
	return nil
}

// Stop releases the watcher.
func (s *OverrideStore) Stop() {
	close(s.stopCh)
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *OverrideStore) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				_ = s.Load()
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// ExcludeByJQ evaluates a jq boolean expression against a test's metadata
// document to decide path exclusion beyond the literal exclude_paths
// prefix match Evaluate performs on its own — e.g. `.team == "legacy"` or
// `.file | test("generated/")`. A query that errors or yields a
// non-boolean is treated as "not excluded" rather than failing the
// decision.
func ExcludeByJQ(query string, metadata map[string]any) bool {
	if query == "" {
		return false
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return false
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return false
	}
	iter := code.Run(metadata)
	v, ok := iter.Next()
	if !ok {
		return false
	}
	if err, isErr := v.(error); isErr {
		_ = err
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// RegoExtension is an optional, operator-authored Rego policy that can
// veto or force a decision beyond the deterministic table in Evaluate —
// e.g. "never quarantine tests owned by the on-call rotation during a
// freeze". It is evaluated as a single `data.flakeguard.decision` query
// returning one of "none", "warn", "quarantine"; an empty result leaves
// Evaluate's decision untouched.
type RegoExtension struct {
	query opaRego.PreparedEvalQuery
}

// NewRegoExtension compiles policyModule (a Rego module defining
// `package flakeguard` with a `decision` rule) for repeated evaluation.
func NewRegoExtension(ctx context.Context, policyModule string) (*RegoExtension, error) {
	pq, err := opaRego.New(
		opaRego.Query("data.flakeguard.decision"),
		opaRego.Module("overrides.rego", policyModule),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to compile policy override module")
	}
	return &RegoExtension{query: pq}, nil
}

// Apply evaluates the module against input and returns a non-empty Action
// if the module produced one, overriding Evaluate's table-driven result.
func (r *RegoExtension) Apply(ctx context.Context, input map[string]any) (Action, error) {
	results, err := r.query.Eval(ctx, opaRego.EvalInput(input))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "policy override evaluation failed")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", nil
	}
	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", nil
	}
	switch Action(s) {
	case ActionNone, ActionWarn, ActionQuarantine:
		return Action(s), nil
	default:
		return "", fmt.Errorf("policy override module returned unrecognized decision %q", s)
	}
}
