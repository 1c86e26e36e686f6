package ciprovider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/retry"
)

// DownloadArtifactZip re-resolves the artifact's short-lived download URL
// on every attempt and streams the response body to a fresh file under
// destDir (the caller's per-job temp directory), returning the local
// path (spec.md §6.1). The URL is never cached across retries because it
// expires.
func (a *Adapter) DownloadArtifactZip(ctx context.Context, owner, repo string, artifactID, installationID int64, destDir string) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/artifacts/%d/zip", owner, repo, artifactID)

	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		localPath, err := a.downloadOnce(ctx, installationID, path, destDir, artifactID)
		if err == nil {
			return localPath, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == a.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retry.Backoff(attempt)):
		}
	}
	return "", apperrors.Wrap(lastErr, apperrors.ErrorTypeNetwork, "artifact download failed")
}

func (a *Adapter) downloadOnce(ctx context.Context, installationID int64, path, destDir string, artifactID int64) (string, error) {
	if err := a.checkRateLimit(); err != nil {
		a.recordCall("download_artifact", "rate_limited")
		return "", err
	}

	// http.Client follows the redirect to the short-lived signed URL
	// transparently, so a successful attempt always surfaces as 200.
	result, err := a.breakers.Execute(ctx, fmt.Sprintf("ci-provider:%d", installationID), func() (any, error) {
		return a.attempt(ctx, installationID, http.MethodGet, path, nil, http.StatusOK)
	})
	if err != nil {
		a.recordCall("download_artifact", "error")
		return "", err
	}
	a.recordCall("download_artifact", "success")
	resp := result.(*http.Response)
	defer resp.Body.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to create artifact temp directory")
	}
	localPath := filepath.Join(destDir, fmt.Sprintf("artifact-%d.zip", artifactID))

	f, err := os.Create(localPath)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to create artifact temp file")
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(localPath)
		return "", apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to stream artifact download")
	}
	return localPath, nil
}
