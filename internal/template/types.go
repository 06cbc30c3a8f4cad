package template

// Template describes one launchable remote operation: a configuration
// playbook, a container image build or a virtual-environment build.
type Template struct {
	ID          string            `yaml:"id,omitempty" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	Kind        string            `yaml:"kind" json:"kind"`
	Target      string            `yaml:"target" json:"target"`
	Vars        map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
	Steps       []Step            `yaml:"steps" json:"steps"`
}

// Step is one documented stage of a template, shown in the panel editor.
type Step struct {
	Name        string `yaml:"name" json:"name"`
	Action      string `yaml:"action" json:"action"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Kinds a template may declare, matching the job kinds the backend runs.
const (
	KindPlaybook   = "playbook"
	KindImageBuild = "image_build"
	KindEnvBuild   = "env_build"
)
