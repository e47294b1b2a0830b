// Package manager holds the process-wide name->runtime registry (spec
// §4.3): create/get/start/stop/remove/list, glob-based matching, group
// membership, and an ordered graceful shutdown of every managed runtime.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/HiImSmiley/socketleyd/internal/glob"
	"github.com/HiImSmiley/socketleyd/internal/logx"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
	"github.com/HiImSmiley/socketleyd/internal/xerr"
)

// Instance is the subset of a concrete runtime (rtserver.Server,
// rtclient.Client, rtproxy.Proxy, rtcache.Cache) the manager needs to
// drive the lifecycle and report state, without importing any of those
// packages (they import manager's sibling runtime.Header, not the other
// way around — this interface is the seam that avoids an import cycle).
type Instance interface {
	Header() *runtime.Header
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager is the single process-wide registry. One Manager is
// constructed at daemon startup (spec §9 "a single root object").
type Manager struct {
	mu   sync.RWMutex
	byID map[string]Instance
}

func New() *Manager {
	return &Manager{
		byID: make(map[string]Instance),
	}
}

// Register adds a freshly constructed runtime under its configured name.
// It is an error to register two runtimes under the same name (spec §6
// "create" rejects a duplicate name).
func (m *Manager) Register(inst Instance) error {
	name := inst.Header().Config.Name

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[name]; exists {
		return xerr.New(xerr.CodeBadInput, fmt.Sprintf("runtime %q already exists", name))
	}
	m.byID[name] = inst
	return nil
}

func (m *Manager) Get(name string) (Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.byID[name]
	return inst, ok
}

// Remove deletes a runtime from the registry. Refuses while running
// (spec §4.2 removal rule), delegating the state check to Header.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.byID[name]
	if !ok {
		return xerr.New(xerr.CodeBadInput, fmt.Sprintf("runtime %q not found", name))
	}
	if !inst.Header().CanRemove() {
		return xerr.New(xerr.CodeBadInput, fmt.Sprintf("runtime %q is running, stop it first", name))
	}

	delete(m.byID, name)
	return nil
}

func (m *Manager) Start(ctx context.Context, name string) error {
	inst, ok := m.Get(name)
	if !ok {
		return xerr.New(xerr.CodeBadInput, fmt.Sprintf("runtime %q not found", name))
	}
	return inst.Start(ctx)
}

func (m *Manager) Stop(ctx context.Context, name string) error {
	inst, ok := m.Get(name)
	if !ok {
		return xerr.New(xerr.CodeBadInput, fmt.Sprintf("runtime %q not found", name))
	}
	return inst.Stop(ctx)
}

// List returns every registered runtime's name in sorted order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.byID))
	for n := range m.byID {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Match returns names matching a shell-style glob pattern (spec §6
// `list <pattern>`), e.g. "web-*".
func (m *Manager) Match(pattern string) []string {
	all := m.List()
	if pattern == "" || pattern == "*" {
		return all
	}

	out := make([]string, 0, len(all))
	for _, n := range all {
		if glob.Match(pattern, n) {
			out = append(out, n)
		}
	}
	return out
}

// ListGroup returns every runtime tagged with the given group, sorted by
// name (spec §6 `list_group`).
func (m *Manager) ListGroup(group string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0)
	for n, inst := range m.byID {
		if inst.Header().Config.Group == group {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns every registered Instance, sorted by name — used by
// StopAll and by the control plane's `ps`.
func (m *Manager) Snapshot() []Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.byID))
	for n := range m.byID {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]Instance, 0, len(names))
	for _, n := range names {
		out = append(out, m.byID[n])
	}
	return out
}

// StopAll gracefully stops every running instance, in name order for
// deterministic logs, aggregating every failure instead of bailing on
// the first (spec §4.2 "daemon shutdown stops every running runtime").
func (m *Manager) StopAll(ctx context.Context) error {
	var result *multierror.Error

	for _, inst := range m.Snapshot() {
		if inst.Header().State() != runtime.StateRunning {
			continue
		}
		name := inst.Header().Config.Name
		if err := inst.Stop(ctx); err != nil {
			logx.New(logx.ErrorLevel, "stop failed during shutdown").
				Field("runtime", name).ErrorAdd(true, err).Check(logx.ErrorLevel)
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
	}

	if result == nil {
		return nil
	}
	return result.ErrorOrNil()
}
