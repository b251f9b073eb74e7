package container

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
)

// Fake is an in-memory Engine for tests. Every call is appended to Calls as
// "Method arg" so tests can assert ordering.
type Fake struct {
	mu sync.Mutex

	Calls      []string
	Images     map[string]bool // "repo:tag" -> present
	Containers map[string]State
	Networks   map[string]bool
	Started    []RunParams

	// ProbeResults are consumed in order by ExecProbe; once exhausted the
	// last value is repeated. Empty means always 0.
	ProbeResults []int

	// Errors injects a failure for a method name, e.g. "PullImage".
	Errors map[string]error

	// CommandFunc builds the process returned by Command. Defaults to "true".
	CommandFunc func(p RunParams) *exec.Cmd

	probeCalls int
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		Images:     make(map[string]bool),
		Containers: make(map[string]State),
		Networks:   make(map[string]bool),
		Errors:     make(map[string]error),
	}
}

func (f *Fake) record(method, arg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, method+" "+arg)
	return f.Errors[method]
}

// CallsTo returns the recorded calls for one method.
func (f *Fake) CallsTo(method string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.Calls {
		if strings.HasPrefix(c, method+" ") {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) ImageExists(ctx context.Context, ref string) bool {
	if err := f.record("ImageExists", ref); err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Images[ref]
}

func (f *Fake) PullImage(ctx context.Context, ref string) error {
	if err := f.record("PullImage", ref); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Images[ref] = true
	return nil
}

func (f *Fake) BuildImage(ctx context.Context, opts BuildOptions) error {
	if err := f.record("BuildImage", opts.Tag); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Images[opts.Tag] = true
	return nil
}

func (f *Fake) ImageTags(ctx context.Context, repository string) ([]string, error) {
	if err := f.record("ImageTags", repository); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var tags []string
	for ref := range f.Images {
		if strings.HasPrefix(ref, repository+":") {
			tags = append(tags, ref)
		}
	}
	sort.Strings(tags)
	return tags, nil
}

func (f *Fake) RemoveImage(ctx context.Context, tag string) error {
	if err := f.record("RemoveImage", tag); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Images[tag] {
		return fmt.Errorf("no such image: %s", tag)
	}
	delete(f.Images, tag)
	return nil
}

func (f *Fake) PruneImages(ctx context.Context) error {
	return f.record("PruneImages", "")
}

func (f *Fake) InspectContainer(ctx context.Context, name string) (State, error) {
	if err := f.record("InspectContainer", name); err != nil {
		return State{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Containers[name], nil
}

func (f *Fake) RemoveContainer(ctx context.Context, name string) error {
	if err := f.record("RemoveContainer", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Containers, name)
	return nil
}

func (f *Fake) EnsureNetwork(ctx context.Context, name string) error {
	if err := f.record("EnsureNetwork", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Networks[name] = true
	return nil
}

func (f *Fake) StartContainer(ctx context.Context, p RunParams) error {
	if err := f.record("StartContainer", p.Name); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Started = append(f.Started, p)
	f.Containers[p.Name] = State{Exists: true, Running: true, Image: p.Image}
	return nil
}

func (f *Fake) ExecProbe(ctx context.Context, name string, cmd []string) (int, error) {
	if err := f.record("ExecProbe", name); err != nil {
		return -1, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ProbeResults) == 0 {
		return 0, nil
	}
	i := f.probeCalls
	if i >= len(f.ProbeResults) {
		i = len(f.ProbeResults) - 1
	}
	f.probeCalls++
	return f.ProbeResults[i], nil
}

func (f *Fake) Command(p RunParams) (*exec.Cmd, error) {
	if err := f.record("Command", p.Name); err != nil {
		return nil, err
	}
	if _, err := p.Args(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Started = append(f.Started, p)
	if f.CommandFunc != nil {
		return f.CommandFunc(p), nil
	}
	return exec.Command("true"), nil
}

var _ Engine = (*Fake)(nil)
var _ Engine = (*Docker)(nil)
