package template

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/user/opspanel/configs"
	"gopkg.in/yaml.v3"
)

var templateIDPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

var (
	ErrInvalidTemplate  = errors.New("invalid template")
	ErrTemplateStorage  = errors.New("template storage error")
	ErrTemplateNotFound = errors.New("template not found")
)

var validKinds = map[string]struct{}{
	KindPlaybook:   {},
	KindImageBuild: {},
	KindEnvBuild:   {},
}

// Registry keeps the template documents of one panel instance, one YAML
// file per template under dir.
type Registry struct {
	dir       string
	templates map[string]*Template
	mu        sync.RWMutex
}

func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("templates dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}
	if err := ensureDefaults(dir); err != nil {
		return nil, err
	}

	r := &Registry{dir: dir, templates: make(map[string]*Template)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Get(id string) *Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tpl, ok := r.templates[id]
	if !ok {
		return nil
	}
	return clone(tpl)
}

func (r *Registry) List() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Template, 0, len(r.templates))
	for _, tpl := range r.templates {
		result = append(result, clone(tpl))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name == result[j].Name {
			return result[i].ID < result[j].ID
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// ListByKind returns the templates launchable as the given job kind.
func (r *Registry) ListByKind(kind string) []*Template {
	all := r.List()
	result := make([]*Template, 0, len(all))
	for _, tpl := range all {
		if tpl.Kind == kind {
			result = append(result, tpl)
		}
	}
	return result
}

func (r *Registry) Reload() error {
	loaded, err := loadDir(r.dir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.templates = loaded
	r.mu.Unlock()
	return nil
}

func (r *Registry) Save(tpl *Template) error {
	if tpl == nil {
		return fmt.Errorf("%w: template is required", ErrInvalidTemplate)
	}
	clean := clone(tpl)
	if err := normalizeAndValidate(clean); err != nil {
		return err
	}

	data, err := yaml.Marshal(clean)
	if err != nil {
		return fmt.Errorf("%w: marshal template: %v", ErrTemplateStorage, err)
	}
	path := filepath.Join(r.dir, clean.ID+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write template %q: %v", ErrTemplateStorage, path, err)
	}

	r.mu.Lock()
	r.templates[clean.ID] = clean
	r.mu.Unlock()
	return nil
}

func (r *Registry) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	deleted := false
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(r.dir, id+ext)
		err := os.Remove(path)
		if err == nil {
			deleted = true
			continue
		}
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		return fmt.Errorf("%w: delete template %q: %v", ErrTemplateStorage, path, err)
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}

	r.mu.Lock()
	delete(r.templates, id)
	r.mu.Unlock()
	return nil
}

var defaultTemplateFiles = []string{
	"base-setup.yaml",
	"service-image.yaml",
}

func ensureDefaults(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read templates dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			return nil
		}
	}

	for _, file := range defaultTemplateFiles {
		content, err := configs.TemplateDefaults.ReadFile(filepath.Join("templates", file))
		if err != nil {
			return fmt.Errorf("read embedded default %q: %w", file, err)
		}
		path := filepath.Join(dir, file)
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return fmt.Errorf("write default %q: %w", path, err)
		}
	}
	return nil
}

func loadDir(dir string) (map[string]*Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates dir: %w", err)
	}

	loaded := make(map[string]*Template)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		tpl, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if tpl.ID == "" {
			tpl.ID = strings.TrimSuffix(strings.TrimSuffix(strings.ToLower(entry.Name()), ".yaml"), ".yml")
		}
		if _, exists := loaded[tpl.ID]; exists {
			return nil, fmt.Errorf("duplicate template id %q", tpl.ID)
		}
		if err := normalizeAndValidate(tpl); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		loaded[tpl.ID] = tpl
	}
	return loaded, nil
}

func loadFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %q: %w", path, err)
	}
	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parse template %q: %w", path, err)
	}
	return &tpl, nil
}

func normalizeAndValidate(tpl *Template) error {
	if tpl == nil {
		return fmt.Errorf("%w: template is required", ErrInvalidTemplate)
	}
	tpl.ID = strings.TrimSpace(strings.ToLower(tpl.ID))
	if err := validateID(tpl.ID); err != nil {
		return err
	}
	tpl.Name = strings.TrimSpace(tpl.Name)
	if tpl.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTemplate)
	}
	tpl.Description = strings.TrimSpace(tpl.Description)

	tpl.Kind = strings.ToLower(strings.TrimSpace(tpl.Kind))
	if _, ok := validKinds[tpl.Kind]; !ok {
		return fmt.Errorf("%w: kind must be one of: playbook, image_build, env_build", ErrInvalidTemplate)
	}

	tpl.Target = strings.TrimSpace(tpl.Target)
	if tpl.Target == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidTemplate)
	}

	if tpl.Steps == nil {
		tpl.Steps = []Step{}
	}
	for i := range tpl.Steps {
		tpl.Steps[i].Name = strings.TrimSpace(tpl.Steps[i].Name)
		tpl.Steps[i].Action = strings.TrimSpace(tpl.Steps[i].Action)
		tpl.Steps[i].Description = strings.TrimSpace(tpl.Steps[i].Description)
		if tpl.Steps[i].Name == "" {
			return fmt.Errorf("%w: step[%d].name is required", ErrInvalidTemplate, i)
		}
		if tpl.Steps[i].Action == "" {
			return fmt.Errorf("%w: step[%d].action is required", ErrInvalidTemplate, i)
		}
	}

	return nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTemplate)
	}
	if !templateIDPattern.MatchString(id) {
		return fmt.Errorf("%w: id must be lowercase alphanumeric with hyphens", ErrInvalidTemplate)
	}
	return nil
}

func clone(tpl *Template) *Template {
	if tpl == nil {
		return nil
	}
	out := *tpl
	if tpl.Vars != nil {
		out.Vars = make(map[string]string, len(tpl.Vars))
		for k, v := range tpl.Vars {
			out.Vars[k] = v
		}
	}
	out.Steps = append([]Step(nil), tpl.Steps...)
	return &out
}
