package artifact

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Loader caches the bundle behind a path (usually the manager's current link) and
// reloads it when the link points somewhere new or the model file is rewritten.
type Loader struct {
	path string
	log  *zap.Logger

	mu      sync.Mutex
	bundle  *Bundle
	dir     string
	modTime time.Time
}

// NewLoader returns a loader for path.
func NewLoader(path string) *Loader {
	return &Loader{
		path: path,
		log:  zap.L().With(zap.String("component", "artifact.loader")),
	}
}

// Get returns the cached bundle, reloading it if the resolved directory or the model
// file's modification time changed since the last call.
func (l *Loader) Get() (*Bundle, error) {
	dir, err := filepath.EvalSymlinks(l.path)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: resolve %s", l.path)
	}
	fi, err := os.Stat(filepath.Join(dir, ModelFile))
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidBundle, "stat model in %s: %v", dir, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.bundle != nil && dir == l.dir && !fi.ModTime().After(l.modTime) {
		return l.bundle, nil
	}

	b, err := Load(dir)
	if err != nil {
		return nil, err
	}
	if l.bundle != nil {
		l.log.Info("model reloaded",
			zap.String("dir", dir),
			zap.String("version_tag", b.Metadata.VersionTag),
		)
	}
	l.bundle, l.dir, l.modTime = b, dir, fi.ModTime()
	return b, nil
}

// Dir returns the directory of the cached bundle.
func (l *Loader) Dir() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dir
}
