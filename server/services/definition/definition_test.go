package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobserv/jobserv/common/gerror"
)

const simpleDef = `
timeout: 5
params:
  GLOBAL: project
scripts:
  compile: |
    #!/bin/sh
    make all
triggers:
  - name: merge
    type: simple
    params:
      GLOBAL: trigger
      TRIG: "42"
    runs:
      - name: run0
        container: alpine
        host-tag: AMD64
        script: compile
        params:
          RUN: set
`

func TestParse_SimpleDefinition(t *testing.T) {
	def, err := Parse([]byte(simpleDef))
	require.NoError(t, err)
	require.Len(t, def.Triggers, 1)

	trigger := def.GetTrigger("merge")
	require.NotNil(t, trigger)
	require.Nil(t, def.GetTrigger("nope"))
	require.Len(t, trigger.Runs, 1)

	rundef, err := def.GetRunDefinition(RunContext{
		ProjectName: "p1",
		BuildNumber: 7,
		RunName:     "run0",
		APIKey:      "sekrit",
		RunURL:      "https://api/projects/p1/builds/7/runs/run0/",
		RunnerURL:   "https://api/runner",
	}, trigger.Runs[0], trigger, map[string]string{"CALLER": "yes", "GLOBAL": "caller"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "amd64", rundef.HostTag, "host tags are lowercased")
	assert.Equal(t, "p1", rundef.Project)
	assert.Equal(t, 5, rundef.Timeout)
	assert.Equal(t, "sekrit", rundef.APIKey)
	assert.Equal(t, "simple", rundef.TriggerType)
	assert.Contains(t, rundef.Script, "make all")

	// caller params win over run, trigger and project params
	assert.Equal(t, "caller", rundef.Env["GLOBAL"])
	assert.Equal(t, "42", rundef.Env["TRIG"])
	assert.Equal(t, "set", rundef.Env["RUN"])
	assert.Equal(t, "yes", rundef.Env["CALLER"])
	assert.Equal(t, "p1", rundef.Env["H_PROJECT"])
	assert.Equal(t, "7", rundef.Env["H_BUILD"])
	assert.Equal(t, "run0", rundef.Env["H_RUN"])
}

func TestParse_LoopOnExpansion(t *testing.T) {
	def, err := Parse([]byte(`
timeout: 10
scripts:
  unit: "#!/bin/sh"
triggers:
  - name: merge
    type: simple
    runs:
      - name: test-{loop}
        container: alpine
        script: unit
        loop-on:
          - param: host-tag
            values: [amd64, arm64]
          - param: variant
            values: [debug, release]
`))
	require.NoError(t, err)

	runs := def.Triggers[0].Runs
	require.Len(t, runs, 4)
	assert.Equal(t, "test-amd64-debug", runs[0].Name)
	assert.Equal(t, "amd64", runs[0].HostTag)
	assert.Equal(t, "debug", runs[0].Params["variant"])
	assert.Equal(t, "test-arm64-release", runs[3].Name)
	assert.Equal(t, "arm64", runs[3].HostTag)
	assert.Equal(t, "release", runs[3].Params["variant"])
	// the host-tag axis lands on the run, not in params
	assert.NotContains(t, runs[0].Params, "host-tag")
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		msg  string
	}{
		{
			name: "unknown trigger type",
			yaml: `
timeout: 5
scripts: {s: x}
triggers: [{name: t, type: bogus, runs: [{name: r, container: c, host-tag: h, script: s}]}]`,
			msg: "No such runner",
		},
		{
			name: "script and script-repo both set",
			yaml: `
timeout: 5
scripts: {s: x}
script-repos: {r: {clone-url: u}}
triggers: [{name: t, type: simple, runs: [{name: r, container: c, host-tag: h, script: s, script-repo: {name: r, path: p}}]}]`,
			msg: "mutually exclusive",
		},
		{
			name: "missing script",
			yaml: `
timeout: 5
scripts: {s: x}
triggers: [{name: t, type: simple, runs: [{name: r, container: c, host-tag: h, script: nope}]}]`,
			msg: "Script does not exist",
		},
		{
			name: "missing host tag",
			yaml: `
timeout: 5
scripts: {s: x}
triggers: [{name: t, type: simple, runs: [{name: r, container: c, script: s}]}]`,
			msg: "host-tag",
		},
		{
			name: "duplicate run names",
			yaml: `
timeout: 5
scripts: {s: x}
triggers: [{name: t, type: simple, runs: [{name: r, container: c, host-tag: h, script: s}, {name: r, container: c, host-tag: h, script: s}]}]`,
			msg: "Duplicate run name",
		},
		{
			name: "trigger recursion",
			yaml: `
timeout: 5
scripts: {s: x}
triggers:
  - name: a
    type: simple
    runs: [{name: r, container: c, host-tag: h, script: s, triggers: [{name: a}]}]`,
			msg: "recursion depth",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.True(t, gerror.IsValidationFailed(err), "expected a validation error, got %v", err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestGetRunDefinition_ScriptRepoTokens(t *testing.T) {
	def, err := Parse([]byte(`
timeout: 5
script-repos:
  tools: {clone-url: "https://example.com/tools.git", git-ref: main, token: githubtok}
triggers:
  - name: merge
    type: simple
    runs:
      - name: r
        container: alpine
        host-tag: amd64
        script-repo: {name: tools, path: build.sh}
`))
	require.NoError(t, err)
	trigger := def.Triggers[0]
	rc := RunContext{ProjectName: "p", BuildNumber: 1, RunName: "r"}

	_, err = def.GetRunDefinition(rc, trigger.Runs[0], trigger, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a token(githubtok)")

	rundef, err := def.GetRunDefinition(rc, trigger.Runs[0], trigger, nil, map[string]string{"githubtok": "x"})
	require.NoError(t, err)
	require.NotNil(t, rundef.ScriptRepo)
	assert.Equal(t, "https://example.com/tools.git", rundef.ScriptRepo.CloneURL)
	assert.Equal(t, "build.sh", rundef.ScriptRepo.Path)
}

func TestParse_RunNameTooLong(t *testing.T) {
	long := make([]byte, 0, 90)
	for i := 0; i < 85; i++ {
		long = append(long, 'x')
	}
	_, err := Parse([]byte(`
timeout: 5
scripts: {s: x}
triggers: [{name: t, type: simple, runs: [{name: ` + string(long) + `, container: c, host-tag: h, script: s}]}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "less than 80 characters")
}
