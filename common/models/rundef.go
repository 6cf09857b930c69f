package models

// RunDef is the fully resolved execution descriptor served to a worker when a
// run is dispatched. The JSON key spelling is part of the worker protocol.
type RunDef struct {
	Project     string `json:"project"`
	Timeout     int    `json:"timeout"`
	APIKey      string `json:"api_key"`
	RunURL      string `json:"run_url"`
	RunnerURL   string `json:"runner_url"`
	FrontendURL string `json:"frontend_url,omitempty"`
	TriggerType string `json:"trigger_type"`
	HostTag     string `json:"host-tag"`

	Container           string `json:"container"`
	ContainerAuth       string `json:"container-auth,omitempty"`
	ContainerUser       string `json:"container-user,omitempty"`
	ContainerEntrypoint string `json:"container-entrypoint,omitempty"`
	Privileged          bool   `json:"privileged,omitempty"`
	MaxMemBytes         int64  `json:"max-mem-bytes,omitempty"`

	Env     map[string]string `json:"env"`
	Secrets map[string]string `json:"secrets,omitempty"`

	// Exactly one of Script or ScriptRepo is set.
	Script     string      `json:"script,omitempty"`
	ScriptRepo *ScriptRepo `json:"script-repo,omitempty"`

	TestGrepping      *TestGrepping     `json:"test-grepping,omitempty"`
	PersistentVolumes map[string]string `json:"persistent-volumes,omitempty"`
	SharedVolumes     map[string]string `json:"shared-volumes,omitempty"`
	ConsoleProgress   *ConsoleProgress  `json:"console-progress,omitempty"`

	// Triggers lists follow-on triggers to fire when this run passes.
	Triggers []ChainedTrigger `json:"triggers,omitempty"`
}

// ScriptRepo points the executor at a repository to clone instead of an
// inline script body.
type ScriptRepo struct {
	CloneURL string `json:"clone-url"`
	GitRef   string `json:"git-ref,omitempty"`
	Path     string `json:"path"`
	Token    string `json:"token,omitempty"`
}

// TestGrepping configures console-output scraping for test results.
type TestGrepping struct {
	ResultPattern  string `json:"result-pattern,omitempty"`
	TestPattern    string `json:"test-pattern,omitempty"`
	ContextPattern string `json:"context-pattern,omitempty"`
	FixupsPass     string `json:"fixupspass,omitempty"`
	FixupsFail     string `json:"fixupsfail,omitempty"`
}

// ConsoleProgress configures progress reporting parsed from console output.
type ConsoleProgress struct {
	ProgressPattern string `json:"progress-pattern"`
}

// ChainedTrigger names a trigger to fire when the owning run or build
// completes successfully.
type ChainedTrigger struct {
	Name     string            `json:"name"`
	RunNames string            `json:"run-names,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}
