// Package images keeps pinned container images current and removes stale tags.
package images

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/everydev1618/mcpcage/container"
)

// ErrFloatingTag is returned for a reference without a pinned tag.
var ErrFloatingTag = errors.New("image reference must use a pinned tag")

// Ref is a pinned image reference.
type Ref struct {
	Repository string
	Tag        string
}

// ParseRef splits "repository:tag". The tag separator is the last colon after
// the final slash, so registry ports are kept in the repository.
func ParseRef(s string) (Ref, error) {
	if strings.Contains(s, "@") {
		return Ref{}, fmt.Errorf("image %q: digest references are not supported, use a pinned tag", s)
	}
	slash := strings.LastIndex(s, "/")
	colon := strings.LastIndex(s, ":")
	if colon <= slash {
		return Ref{}, fmt.Errorf("%w: %q has no tag", ErrFloatingTag, s)
	}
	ref := Ref{Repository: s[:colon], Tag: s[colon+1:]}
	if err := ref.Validate(); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// Validate rejects empty and floating tags.
func (r Ref) Validate() error {
	if r.Repository == "" {
		return fmt.Errorf("image reference has no repository")
	}
	if r.Tag == "" || r.Tag == "latest" {
		return fmt.Errorf("%w: %q", ErrFloatingTag, r.String())
	}
	return nil
}

func (r Ref) String() string {
	return r.Repository + ":" + r.Tag
}

// Tracked maps each tracked repository to its current pinned reference.
type Tracked map[string]Ref

// NewTracked builds a Tracked set from refs, rejecting two current refs for
// the same repository.
func NewTracked(refs ...Ref) (Tracked, error) {
	t := make(Tracked, len(refs))
	for _, r := range refs {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if prev, ok := t[r.Repository]; ok && prev != r {
			return nil, fmt.Errorf("repository %s has two current references: %s and %s", r.Repository, prev, r)
		}
		t[r.Repository] = r
	}
	return t, nil
}

// CleanupReport summarises a cleanup pass.
type CleanupReport struct {
	Removed []string
	Failed  map[string]error
}

// Manager ensures image currency and removes stale tags.
type Manager struct {
	engine         container.Engine
	logger         *slog.Logger
	inspectTimeout time.Duration
	pullTimeout    time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithTimeouts sets the per-operation timeouts for inspection and pulls.
func WithTimeouts(inspect, pull time.Duration) Option {
	return func(m *Manager) {
		if inspect > 0 {
			m.inspectTimeout = inspect
		}
		if pull > 0 {
			m.pullTimeout = pull
		}
	}
}

// NewManager creates an image manager.
func NewManager(engine container.Engine, opts ...Option) *Manager {
	m := &Manager{
		engine:         engine,
		logger:         slog.Default(),
		inspectTimeout: 30 * time.Second,
		pullTimeout:    10 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Exists reports whether ref is present locally. Inspection failures are
// indistinguishable from absence.
func (m *Manager) Exists(ctx context.Context, ref Ref) bool {
	ctx, cancel := context.WithTimeout(ctx, m.inspectTimeout)
	defer cancel()
	return m.engine.ImageExists(ctx, ref.String())
}

// Pull fetches ref within the pull timeout.
func (m *Manager) Pull(ctx context.Context, ref Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.pullTimeout)
	defer cancel()

	m.logger.Info("pulling image", "image", ref.String())
	start := time.Now()
	if err := m.engine.PullImage(ctx, ref.String()); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	m.logger.Info("pulled image", "image", ref.String(), "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// Ensure pulls ref unless it is already present.
func (m *Manager) Ensure(ctx context.Context, ref Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if m.Exists(ctx, ref) {
		m.logger.Debug("image present", "image", ref.String())
		return nil
	}
	return m.Pull(ctx, ref)
}

// Cleanup removes every local tag of a tracked repository other than its
// current reference, then prunes dangling layers. Removal is always by tag
// string. Failures are logged and recorded in the report, never returned.
func (m *Manager) Cleanup(ctx context.Context, tracked Tracked) CleanupReport {
	report := CleanupReport{Failed: make(map[string]error)}

	repos := make([]string, 0, len(tracked))
	for repo := range tracked {
		repos = append(repos, repo)
	}
	sort.Strings(repos)

	for _, repo := range repos {
		current := tracked[repo].String()

		listCtx, cancel := context.WithTimeout(ctx, m.inspectTimeout)
		tags, err := m.engine.ImageTags(listCtx, repo)
		cancel()
		if err != nil {
			m.logger.Warn("image cleanup: listing tags failed", "repository", repo, "error", err)
			report.Failed[repo] = err
			continue
		}

		for _, tag := range tags {
			if tag == current {
				continue
			}
			rmCtx, cancel := context.WithTimeout(ctx, m.inspectTimeout)
			err := m.engine.RemoveImage(rmCtx, tag)
			cancel()
			if err != nil {
				m.logger.Warn("image cleanup: remove failed", "image", tag, "error", err)
				report.Failed[tag] = err
				continue
			}
			m.logger.Info("removed stale image", "image", tag, "current", current)
			report.Removed = append(report.Removed, tag)
		}
	}

	pruneCtx, cancel := context.WithTimeout(ctx, m.inspectTimeout)
	defer cancel()
	if err := m.engine.PruneImages(pruneCtx); err != nil {
		m.logger.Warn("image cleanup: prune failed", "error", err)
		report.Failed["<dangling>"] = err
	}

	return report
}
