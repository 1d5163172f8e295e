package artifact

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/clock"
)

// Directory layout under the manager root.
const (
	CurrentLink   = "current"
	ReleasesDir   = "releases"
	ArchiveDir    = "archive"
	ArchivePrefix = "catboost_model_"
	archiveStamp  = "20060102_150405"
)

// ErrNoArchive is returned by Rollback when no archived bundle differs from current.
var ErrNoArchive = eris.New("artifact: no archived bundle to roll back to")

// Entry is one row of List.
type Entry struct {
	VersionTag   string    `json:"version_tag"`
	CreatedAt    time.Time `json:"created_at"`
	ModelType    string    `json:"model_type"`
	FeatureCount int       `json:"feature_count"`
	F1           float64   `json:"f1"`
	Path         string    `json:"path"`
	BundleTag    string    `json:"bundle_tag"`
}

// DeployResult describes a completed deploy.
type DeployResult struct {
	Release  string
	Archived string
}

// Manager owns a model root laid out as:
//
//	current            -> releases/<id>   (symlink, swapped atomically)
//	releases/<id>/     one directory per deploy
//	archive/catboost_model_<YYYYMMDD_HHMMSS>/
//
// Readers resolve current once and read all three files from the resolved directory.
// Deploy never deletes a release; Cleanup prunes releases other than the current and
// the previous one.
type Manager struct {
	root string
	clk  clock.Clock
	log  *zap.Logger
}

// NewManager returns a manager rooted at root.
func NewManager(root string, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	return &Manager{
		root: root,
		clk:  clk,
		log:  zap.L().With(zap.String("component", "artifact.manager")),
	}
}

// Root returns the manager's root directory.
func (m *Manager) Root() string { return m.root }

func (m *Manager) currentPath() string  { return filepath.Join(m.root, CurrentLink) }
func (m *Manager) releasesPath() string { return filepath.Join(m.root, ReleasesDir) }
func (m *Manager) archivePath() string  { return filepath.Join(m.root, ArchiveDir) }

// CurrentDir resolves the current bundle directory. It returns fs.ErrNotExist (wrapped)
// when nothing is deployed.
func (m *Manager) CurrentDir() (string, error) {
	dir, err := filepath.EvalSymlinks(m.currentPath())
	if err != nil {
		return "", eris.Wrap(err, "artifact: resolve current")
	}
	return dir, nil
}

// Current loads the current bundle.
func (m *Manager) Current() (*Bundle, error) {
	dir, err := m.CurrentDir()
	if err != nil {
		return nil, err
	}
	return Load(dir)
}

// Deploy validates src and makes it the current bundle. The present current bundle is
// archived first. Any failure before the final link swap leaves current untouched.
func (m *Manager) Deploy(src string) (DeployResult, error) {
	var res DeployResult

	if _, err := Load(src); err != nil {
		return res, eris.Wrapf(err, "artifact: deploy %s", src)
	}
	for _, d := range []string{m.releasesPath(), m.archivePath()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return res, eris.Wrapf(err, "artifact: create %s", d)
		}
	}
	if err := m.migrateLegacyCurrent(); err != nil {
		return res, err
	}

	if curDir, err := m.CurrentDir(); err == nil {
		archived, err := m.archive(curDir)
		if err != nil {
			return res, err
		}
		res.Archived = archived
	} else if !errors.Is(err, fs.ErrNotExist) {
		return res, err
	}

	release := "release_" + m.clk.Now().UTC().Format(archiveStamp) + "_" + uuid.NewString()[:8]
	if err := copyBundle(src, filepath.Join(m.releasesPath(), release)); err != nil {
		return res, err
	}
	if err := m.swapCurrent(release); err != nil {
		return res, err
	}
	res.Release = release

	m.log.Info("model deployed",
		zap.String("source", src),
		zap.String("release", release),
		zap.String("archived", res.Archived),
	)
	return res, nil
}

// Rollback redeploys the newest archived bundle whose created_at differs from the
// current bundle's. The current bundle is archived as part of the deploy.
func (m *Manager) Rollback() (DeployResult, error) {
	var curCreated time.Time
	if dir, err := m.CurrentDir(); err == nil {
		if md, err := ReadMetadata(dir); err == nil {
			curCreated = md.CreatedAt
		}
	}

	archives, err := m.archives()
	if err != nil {
		return DeployResult{}, err
	}
	for _, a := range archives {
		if a.CreatedAt.Equal(curCreated) {
			continue
		}
		m.log.Info("rolling back", zap.String("archive", a.VersionTag))
		return m.Deploy(a.Path)
	}
	return DeployResult{}, ErrNoArchive
}

// List returns the current bundle and every valid archive, newest first.
func (m *Manager) List() ([]Entry, error) {
	var out []Entry
	if dir, err := m.CurrentDir(); err == nil {
		md, err := ReadMetadata(dir)
		if err != nil {
			return nil, err
		}
		out = append(out, entryFor(CurrentLink, dir, md))
	}

	archives, err := m.archives()
	if err != nil {
		return nil, err
	}
	out = append(out, archives...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Cleanup deletes all but the newest keep archives, plus stale staging directories and
// releases other than the current and previous ones. It returns the removed archive names.
func (m *Manager) Cleanup(keep int) ([]string, error) {
	if keep < 0 {
		return nil, eris.Errorf("artifact: cleanup: keep must be >= 0, got %d", keep)
	}
	archives, err := m.archives()
	if err != nil {
		return nil, err
	}

	var removed []string
	if len(archives) > keep {
		for _, a := range archives[keep:] {
			if err := os.RemoveAll(a.Path); err != nil {
				return removed, eris.Wrapf(err, "artifact: remove archive %s", a.VersionTag)
			}
			removed = append(removed, a.VersionTag)
		}
	}

	m.removeStaging(m.archivePath())
	if err := m.pruneReleases(); err != nil {
		return removed, err
	}

	m.log.Info("archive cleanup complete",
		zap.Int("kept", min(keep, len(archives))),
		zap.Int("removed", len(removed)),
	)
	return removed, nil
}

// archives returns the valid archived bundles sorted by created_at descending. Invalid
// and half-written directories are skipped.
func (m *Manager) archives() ([]Entry, error) {
	dirents, err := os.ReadDir(m.archivePath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "artifact: read archive dir")
	}

	var out []Entry
	for _, d := range dirents {
		if !d.IsDir() || !strings.HasPrefix(d.Name(), ArchivePrefix) {
			continue
		}
		path := filepath.Join(m.archivePath(), d.Name())
		md, _, err := validate(path)
		if err != nil {
			m.log.Warn("skipping invalid archive", zap.String("path", path), zap.Error(err))
			continue
		}
		out = append(out, entryFor(d.Name(), path, md))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].VersionTag > out[j].VersionTag
	})
	return out, nil
}

func entryFor(tag, path string, md Metadata) Entry {
	return Entry{
		VersionTag:   tag,
		CreatedAt:    md.CreatedAt,
		ModelType:    md.ModelType,
		FeatureCount: md.FeatureCount,
		F1:           md.Metrics.F1,
		Path:         path,
		BundleTag:    md.VersionTag,
	}
}

// archive copies dir into archive/ under its created_at stamp. Archiving a bundle that is
// already archived is a no-op.
func (m *Manager) archive(dir string) (string, error) {
	md, err := ReadMetadata(dir)
	if err != nil {
		return "", eris.Wrap(err, "artifact: archive current")
	}

	base := ArchivePrefix + md.CreatedAt.UTC().Format(archiveStamp)
	name := base
	for n := 1; ; n++ {
		existing, err := ReadMetadata(filepath.Join(m.archivePath(), name))
		if err != nil {
			if _, statErr := os.Stat(filepath.Join(m.archivePath(), name)); errors.Is(statErr, fs.ErrNotExist) {
				break
			}
		} else if existing.VersionTag == md.VersionTag {
			return name, nil
		}
		name = base + "_" + strconv.Itoa(n)
	}

	if err := copyBundle(dir, filepath.Join(m.archivePath(), name)); err != nil {
		return "", eris.Wrap(err, "artifact: archive current")
	}
	return name, nil
}

// swapCurrent atomically points current at releases/<release>.
func (m *Manager) swapCurrent(release string) error {
	tmp := filepath.Join(m.root, "."+CurrentLink+".tmp-"+uuid.NewString()[:8])
	if err := os.Symlink(filepath.Join(ReleasesDir, release), tmp); err != nil {
		return eris.Wrap(err, "artifact: create current link")
	}
	if err := os.Rename(tmp, m.currentPath()); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return eris.Wrap(err, "artifact: swap current link")
	}
	return nil
}

// migrateLegacyCurrent converts a plain current/ directory into a release so it can be
// swapped by link from now on.
func (m *Manager) migrateLegacyCurrent() error {
	fi, err := os.Lstat(m.currentPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "artifact: stat current")
	}
	if fi.Mode()&os.ModeSymlink != 0 || !fi.IsDir() {
		return nil
	}

	release := "legacy_" + m.clk.Now().UTC().Format(archiveStamp)
	if err := os.Rename(m.currentPath(), filepath.Join(m.releasesPath(), release)); err != nil {
		return eris.Wrap(err, "artifact: migrate legacy current")
	}
	m.log.Info("migrated legacy current directory", zap.String("release", release))
	return m.swapCurrent(release)
}

// pruneReleases removes every release except the one current points at and the most
// recent other one, which in-flight readers may still hold.
func (m *Manager) pruneReleases() error {
	m.removeStaging(m.releasesPath())

	dirents, err := os.ReadDir(m.releasesPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "artifact: read releases dir")
	}

	current := ""
	if dir, err := m.CurrentDir(); err == nil {
		current = filepath.Base(dir)
	}

	type rel struct {
		name string
		mod  time.Time
	}
	var others []rel
	for _, d := range dirents {
		if !d.IsDir() || d.Name() == current || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		others = append(others, rel{name: d.Name(), mod: info.ModTime()})
	}
	sort.Slice(others, func(i, j int) bool { return others[i].mod.After(others[j].mod) })

	for i, r := range others {
		if i == 0 {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.releasesPath(), r.name)); err != nil {
			return eris.Wrapf(err, "artifact: remove release %s", r.name)
		}
	}
	return nil
}

func (m *Manager) removeStaging(dir string) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), ".") && strings.Contains(d.Name(), ".tmp-") {
			if err := os.RemoveAll(filepath.Join(dir, d.Name())); err != nil {
				m.log.Warn("failed to remove staging dir", zap.String("name", d.Name()), zap.Error(err))
			}
		}
	}
}

// copyBundle copies the three bundle files from src into dst via a staging directory.
func copyBundle(src, dst string) error {
	staging := stagingName(dst)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return eris.Wrapf(err, "artifact: create staging dir %s", staging)
	}
	for _, f := range bundleFiles {
		if err := copyFile(filepath.Join(src, f), filepath.Join(staging, f)); err != nil {
			os.RemoveAll(staging) //nolint:errcheck
			return err
		}
	}
	if err := os.Rename(staging, dst); err != nil {
		os.RemoveAll(staging) //nolint:errcheck
		return eris.Wrapf(err, "artifact: publish %s", dst)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "artifact: open %s", src)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return eris.Wrapf(err, "artifact: create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return eris.Wrapf(err, "artifact: copy %s", src)
	}
	if err := out.Sync(); err != nil {
		out.Close() //nolint:errcheck
		return eris.Wrapf(err, "artifact: sync %s", dst)
	}
	return eris.Wrapf(out.Close(), "artifact: close %s", dst)
}
