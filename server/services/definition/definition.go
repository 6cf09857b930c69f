package definition

import (
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/jobserv/jobserv/common/gerror"
)

// ProjectDefinition is the parsed, validated declarative description of a
// project: a set of named scripts and a list of triggers, each of which
// materializes a list of runs when fired.
type ProjectDefinition struct {
	Timeout     int                       `yaml:"timeout" json:"timeout"`
	Params      ParamMap                  `yaml:"params,omitempty" json:"params,omitempty"`
	Email       *EmailConfig              `yaml:"email,omitempty" json:"email,omitempty"`
	Webhooks    []*WebhookConfig          `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
	Scripts     map[string]string         `yaml:"scripts,omitempty" json:"scripts,omitempty"`
	ScriptRepos map[string]*ScriptRepoDef `yaml:"script-repos,omitempty" json:"script-repos,omitempty"`
	Triggers    []*TriggerDef             `yaml:"triggers" json:"triggers"`
}

// TriggerDef is one trigger entry in a project definition.
type TriggerDef struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
	// Params are merged into every run's env, below project params.
	Params ParamMap `yaml:"params,omitempty" json:"params,omitempty"`
	Email  *EmailConfig `yaml:"email,omitempty" json:"email,omitempty"`
	Runs   []*RunEntry  `yaml:"runs" json:"runs"`
	// Triggers fire when the whole build completes successfully.
	Triggers []*TriggerRef `yaml:"triggers,omitempty" json:"triggers,omitempty"`
}

// RunEntry is one run template under a trigger.
type RunEntry struct {
	Name                string          `yaml:"name" json:"name"`
	Container           string          `yaml:"container" json:"container"`
	ContainerAuth       string          `yaml:"container-auth,omitempty" json:"container-auth,omitempty"`
	ContainerUser       string          `yaml:"container-user,omitempty" json:"container-user,omitempty"`
	ContainerEntrypoint string          `yaml:"container-entrypoint,omitempty" json:"container-entrypoint,omitempty"`
	Privileged          bool            `yaml:"privileged,omitempty" json:"privileged,omitempty"`
	HostTag             string          `yaml:"host-tag,omitempty" json:"host-tag,omitempty"`
	Script              string          `yaml:"script,omitempty" json:"script,omitempty"`
	ScriptRepo          *RunScriptRepo  `yaml:"script-repo,omitempty" json:"script-repo,omitempty"`
	Params              ParamMap        `yaml:"params,omitempty" json:"params,omitempty"`
	LoopOn              []*LoopOn       `yaml:"loop-on,omitempty" json:"loop-on,omitempty"`
	MaxMemBytes         int64           `yaml:"max-mem-bytes,omitempty" json:"max-mem-bytes,omitempty"`
	TestGrepping        *TestGrepping   `yaml:"test-grepping,omitempty" json:"test-grepping,omitempty"`
	PersistentVolumes   map[string]string `yaml:"persistent-volumes,omitempty" json:"persistent-volumes,omitempty"`
	SharedVolumes       map[string]string `yaml:"shared-volumes,omitempty" json:"shared-volumes,omitempty"`
	ConsoleProgress     *ConsoleProgress  `yaml:"console-progress,omitempty" json:"console-progress,omitempty"`
	// Triggers fire when this run completes successfully.
	Triggers []*TriggerRef `yaml:"triggers,omitempty" json:"triggers,omitempty"`
}

// RunScriptRepo points a run at a named script repo plus a path within it.
type RunScriptRepo struct {
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`
}

// ScriptRepoDef names an external repository holding run scripts.
type ScriptRepoDef struct {
	CloneURL string `yaml:"clone-url" json:"clone-url"`
	GitRef   string `yaml:"git-ref,omitempty" json:"git-ref,omitempty"`
	// Token optionally names one or more secrets (colon separated) that must
	// be present in the run's secret map for the clone to succeed.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`
}

// TriggerRef names a follow-on trigger fired when the owning run or build
// passes.
type TriggerRef struct {
	Name     string   `yaml:"name" json:"name"`
	Type     string   `yaml:"type,omitempty" json:"type,omitempty"`
	RunNames string   `yaml:"run-names,omitempty" json:"run-names,omitempty"`
	Params   ParamMap `yaml:"params,omitempty" json:"params,omitempty"`
}

// LoopOn declares a parameter axis a run template is expanded over.
type LoopOn struct {
	Param  string   `yaml:"param" json:"param"`
	Values []string `yaml:"values" json:"values"`
}

// TestGrepping configures console-output scraping for test results.
type TestGrepping struct {
	ResultPattern  string `yaml:"result-pattern,omitempty" json:"result-pattern,omitempty"`
	TestPattern    string `yaml:"test-pattern,omitempty" json:"test-pattern,omitempty"`
	ContextPattern string `yaml:"context-pattern,omitempty" json:"context-pattern,omitempty"`
	FixupsPass     string `yaml:"fixupspass,omitempty" json:"fixupspass,omitempty"`
	FixupsFail     string `yaml:"fixupsfail,omitempty" json:"fixupsfail,omitempty"`
}

// ConsoleProgress configures progress reporting parsed from console output.
type ConsoleProgress struct {
	ProgressPattern string `yaml:"progress-pattern" json:"progress-pattern"`
}

// EmailConfig configures build-completion email notifications.
type EmailConfig struct {
	Users        string `yaml:"users" json:"users"`
	OnlyFailures bool   `yaml:"only_failures,omitempty" json:"only_failures,omitempty"`
}

// WebhookConfig configures a build-completion webhook POST.
type WebhookConfig struct {
	URL          string `yaml:"url" json:"url"`
	OnlyFailures bool   `yaml:"only_failures,omitempty" json:"only_failures,omitempty"`
	// SecretName names the secret used to sign the webhook payload.
	SecretName string `yaml:"secret_name,omitempty" json:"secret_name,omitempty"`
}

// ParamMap is a string-to-string parameter map that tolerates YAML scalar
// values of any type by stringifying them, the way callers expect env values
// to behave.
type ParamMap map[string]string

func (p *ParamMap) UnmarshalYAML(unmarshal func(interface{}) error) error {
	raw := map[string]interface{}{}
	err := unmarshal(&raw)
	if err != nil {
		return err
	}
	out := make(ParamMap, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	*p = out
	return nil
}

// Parse unmarshals, validates and expands a raw project definition.
func Parse(raw []byte) (*ProjectDefinition, error) {
	def := &ProjectDefinition{}
	err := yaml.Unmarshal(raw, def)
	if err != nil {
		return nil, gerror.NewErrValidationFailed(fmt.Sprintf("Invalid project definition: %s", err)).Wrap(err)
	}
	err = def.Validate()
	if err != nil {
		return nil, err
	}
	err = def.expandRunLoops()
	if err != nil {
		return nil, err
	}
	return def, nil
}

// GetTrigger returns the trigger entry with the given name, or nil.
func (d *ProjectDefinition) GetTrigger(name string) *TriggerDef {
	for _, trigger := range d.Triggers {
		if trigger.Name == name {
			return trigger
		}
	}
	return nil
}

// ToYAML serializes the (expanded) definition back to YAML, as stored
// alongside each build.
func (d *ProjectDefinition) ToYAML() ([]byte, error) {
	out, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("error marshalling project definition: %w", err)
	}
	return out, nil
}
