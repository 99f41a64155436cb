package steps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/openfroyo/stevedore/pkg/execenv"
	"github.com/openfroyo/stevedore/pkg/workflow"
)

// materialize places name from the artifact into the work dir and returns
// the local path. A file already in the work dir is used when the
// artifact does not carry it.
func materialize(ictx *workflow.InstallContext, name string) (string, error) {
	if ictx.WorkDir == "" {
		return "", fmt.Errorf("install context has no work dir")
	}
	if err := os.MkdirAll(ictx.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}

	if ictx.Artifact != nil && ictx.Artifact.Exists(name) {
		p, err := ictx.Artifact.Extract(name, ictx.WorkDir)
		if err != nil {
			return "", fmt.Errorf("failed to extract %s: %w", name, err)
		}
		return p, nil
	}

	local := filepath.Join(ictx.WorkDir, filepath.Clean(name))
	if info, err := os.Stat(local); err == nil && !info.IsDir() {
		return local, nil
	}
	return "", fmt.Errorf("%s not found in artifact or work dir", name)
}

// stage makes a local file reachable by env. Local environments use the
// path as is. Other environments get a copy at remotePath; when the
// environment cannot accept files (a container API drives the local
// docker CLI) the local path is used.
func stage(ctx context.Context, env execenv.Environment, localPath, remotePath string) (string, error) {
	if env.Type() == execenv.TypeLocal {
		return localPath, nil
	}
	err := env.UploadFile(ctx, localPath, remotePath)
	switch {
	case err == nil:
		return remotePath, nil
	case errors.Is(err, execenv.ErrUnsupportedOperation):
		return localPath, nil
	default:
		return "", err
	}
}

// remoteTempPath builds a unique path under /tmp for an uploaded file.
func remoteTempPath(prefix, name string, now time.Time) string {
	return path.Join("/tmp", fmt.Sprintf("%s-%d-%s", prefix, now.UnixMilli(), path.Base(filepath.ToSlash(name))))
}
