package loader

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"corthex/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Specialist is one narrowly scoped agent inside a department.
type Specialist struct {
	ID    string   `mapstructure:"id" yaml:"id" validate:"required"`
	Name  string   `mapstructure:"name" yaml:"name,omitempty"`
	Model string   `mapstructure:"model" yaml:"model" validate:"required"`
	Role  string   `mapstructure:"role" yaml:"role,omitempty"`
	Tools []string `mapstructure:"tools" yaml:"tools,omitempty"`
}

// Department is a head agent plus the specialists it delegates to.
type Department struct {
	ID          string       `mapstructure:"-" yaml:"-"`
	Name        string       `mapstructure:"name" yaml:"name"`
	Head        string       `mapstructure:"head" yaml:"head" validate:"required"`
	HeadModel   string       `mapstructure:"head_model" yaml:"head_model,omitempty"`
	Keywords    []string     `mapstructure:"keywords" yaml:"keywords,omitempty"`
	Specialists []Specialist `mapstructure:"specialists" yaml:"specialists,omitempty" validate:"dive"`
}

// ToolsOf returns the declared tools of a specialist, nil if unknown.
func (d Department) ToolsOf(agentID string) []string {
	for _, s := range d.Specialists {
		if s.ID == agentID {
			return append([]string(nil), s.Tools...)
		}
	}
	return nil
}

type RosterFile struct {
	Departments map[string]Department `mapstructure:"departments" yaml:"departments"`
}

// RosterSnapshot is a read-only view of the department roster.
type RosterSnapshot struct {
	Version     int64
	LoadedAt    time.Time
	DefaultID   string
	departments map[string]Department
}

// Department looks up a department by id.
func (s RosterSnapshot) Department(id string) (Department, bool) {
	d, ok := s.departments[strings.ToLower(strings.TrimSpace(id))]
	return d, ok
}

// Default returns the fallback department. When the roster does not define
// it, a head-only department is synthesized so chains can always complete.
func (s RosterSnapshot) Default() Department {
	if d, ok := s.departments[s.DefaultID]; ok {
		return d
	}
	return Department{ID: s.DefaultID, Name: s.DefaultID, Head: s.DefaultID + "_head"}
}

// Departments returns every department sorted by id.
func (s RosterSnapshot) Departments() []Department {
	out := make([]Department, 0, len(s.departments))
	for _, d := range s.departments {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MatchKeywords picks the department whose keywords occur most often in the
// command. Ties resolve to the lexically smaller id.
func (s RosterSnapshot) MatchKeywords(command string) (Department, bool) {
	text := strings.ToLower(command)
	var (
		best  Department
		score int
	)
	for _, d := range s.Departments() {
		hits := 0
		for _, kw := range d.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(text, kw) {
				hits++
			}
		}
		if hits > score {
			best, score = d, hits
		}
	}
	return best, score > 0
}

// Export renders the roster back to YAML.
func (s RosterSnapshot) Export() ([]byte, error) {
	file := RosterFile{Departments: make(map[string]Department, len(s.departments))}
	for id, d := range s.departments {
		file.Departments[id] = d
	}
	return yaml.Marshal(file)
}

// NewStaticRoster builds a snapshot without a backing file.
func NewStaticRoster(defaultID string, departments ...Department) RosterSnapshot {
	snap := RosterSnapshot{
		Version:     1,
		LoadedAt:    time.Now(),
		DefaultID:   strings.ToLower(strings.TrimSpace(defaultID)),
		departments: make(map[string]Department, len(departments)),
	}
	for _, d := range departments {
		d = normalizeDepartment(d.ID, d)
		snap.departments[d.ID] = d
	}
	return snap
}

type RosterListener func(RosterSnapshot)

// RosterLoader loads departments.yaml and hot-reloads it on change.
type RosterLoader struct {
	path      string
	defaultID string
	v         *viper.Viper
	validate  *validator.Validate

	mu        sync.RWMutex
	snapshot  RosterSnapshot
	listeners []RosterListener
}

func NewRosterLoader(path, defaultID string) (*RosterLoader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("roster loader requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read roster failed: %w", err)
	}
	l := &RosterLoader{
		path:      path,
		defaultID: strings.ToLower(strings.TrimSpace(defaultID)),
		v:         v,
		validate:  validator.New(),
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := l.reload(); err != nil {
			logger.Errorf("roster reload failed (%s): %v", evt.Name, err)
			return
		}
		l.notify()
	})
	v.WatchConfig()
	return l, nil
}

func (l *RosterLoader) Snapshot() RosterSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// Subscribe registers fn and immediately delivers the current snapshot.
func (l *RosterLoader) Subscribe(fn RosterListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	snap := l.snapshot
	l.mu.Unlock()
	go safeNotify(fn, snap)
}

func (l *RosterLoader) notify() {
	l.mu.RLock()
	snap := l.snapshot
	listeners := append([]RosterListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		go safeNotify(fn, snap)
	}
}

func safeNotify(fn RosterListener, snap RosterSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("roster listener panic: %v", r)
		}
	}()
	fn(snap)
}

func (l *RosterLoader) reload() error {
	var file RosterFile
	if err := l.v.Unmarshal(&file); err != nil {
		return fmt.Errorf("parse roster failed: %w", err)
	}
	depts := make(map[string]Department, len(file.Departments))
	for id, d := range file.Departments {
		d = normalizeDepartment(id, d)
		if err := l.validate.Struct(d); err != nil {
			return fmt.Errorf("department %s invalid: %w", d.ID, err)
		}
		depts[d.ID] = d
	}
	if err := checkAgentIDs(depts); err != nil {
		return err
	}
	l.mu.Lock()
	// snapshots are shared by value; the map is never mutated after publish
	l.snapshot = RosterSnapshot{
		Version:     l.snapshot.Version + 1,
		LoadedAt:    time.Now(),
		DefaultID:   l.defaultID,
		departments: depts,
	}
	l.mu.Unlock()
	logger.Infof("Roster loader reloaded %d departments from %s", len(depts), filepath.Base(l.path))
	return nil
}

// checkAgentIDs rejects an agent id used by more than one department.
// Chain results are keyed by agent id within a stage, so a shared id would
// make one department's output shadow the other's.
func checkAgentIDs(depts map[string]Department) error {
	ids := make([]string, 0, len(depts))
	for id := range depts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	heads := make(map[string]string, len(depts))
	specs := make(map[string]string)
	for _, id := range ids {
		d := depts[id]
		if other, dup := heads[d.Head]; dup {
			return fmt.Errorf("head %s is shared by departments %s and %s", d.Head, other, id)
		}
		heads[d.Head] = id
		for _, s := range d.Specialists {
			if other, dup := specs[s.ID]; dup {
				return fmt.Errorf("specialist %s is shared by departments %s and %s", s.ID, other, id)
			}
			specs[s.ID] = id
		}
	}
	return nil
}

func normalizeDepartment(id string, d Department) Department {
	d.ID = strings.ToLower(strings.TrimSpace(id))
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		d.Name = d.ID
	}
	d.Head = strings.TrimSpace(d.Head)
	d.HeadModel = strings.TrimSpace(d.HeadModel)
	d.Keywords = normalizeKeywords(d.Keywords)
	specs := make([]Specialist, 0, len(d.Specialists))
	seen := make(map[string]struct{}, len(d.Specialists))
	for _, s := range d.Specialists {
		s.ID = strings.TrimSpace(s.ID)
		s.Model = strings.TrimSpace(s.Model)
		if _, dup := seen[s.ID]; dup && s.ID != "" {
			continue
		}
		seen[s.ID] = struct{}{}
		s.Tools = normalizeKeywords(s.Tools)
		specs = append(specs, s)
	}
	d.Specialists = specs
	return d
}

func normalizeKeywords(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}
