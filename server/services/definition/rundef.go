package definition

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/models"
)

// RunContext carries the identity and callback URLs of the concrete run a
// definition entry is being resolved for.
type RunContext struct {
	ProjectName string
	BuildNumber int
	RunName     string
	APIKey      string
	// RunURL is the authoritative update endpoint for this run.
	RunURL string
	// FrontendURL is the public-facing URL shown to humans, if configured.
	FrontendURL string
	// RunnerURL is where the worker downloads the executor from.
	RunnerURL string
}

// GetRunDefinition fully resolves a run entry into the execution descriptor
// served to a worker. The env map is layered in increasing precedence:
// project params, trigger params, run params, then caller params, and finally
// the H_PROJECT/H_BUILD/H_RUN identity variables. The host tag is lowercased.
func (d *ProjectDefinition) GetRunDefinition(
	rc RunContext,
	entry *RunEntry,
	trigger *TriggerDef,
	params map[string]string,
	secrets map[string]string,
) (*models.RunDef, error) {
	rundef := &models.RunDef{
		Project:             rc.ProjectName,
		Timeout:             d.Timeout,
		APIKey:              rc.APIKey,
		RunURL:              rc.RunURL,
		FrontendURL:         rc.FrontendURL,
		RunnerURL:           rc.RunnerURL,
		TriggerType:         trigger.Type,
		HostTag:             strings.ToLower(entry.HostTag),
		Container:           entry.Container,
		ContainerAuth:       entry.ContainerAuth,
		ContainerUser:       entry.ContainerUser,
		ContainerEntrypoint: entry.ContainerEntrypoint,
		Privileged:          entry.Privileged,
		MaxMemBytes:         entry.MaxMemBytes,
		Env:                 map[string]string{},
		Secrets:             secrets,
		PersistentVolumes:   entry.PersistentVolumes,
		SharedVolumes:       entry.SharedVolumes,
	}
	if entry.TestGrepping != nil {
		rundef.TestGrepping = &models.TestGrepping{
			ResultPattern:  entry.TestGrepping.ResultPattern,
			TestPattern:    entry.TestGrepping.TestPattern,
			ContextPattern: entry.TestGrepping.ContextPattern,
			FixupsPass:     entry.TestGrepping.FixupsPass,
			FixupsFail:     entry.TestGrepping.FixupsFail,
		}
	}
	if entry.ConsoleProgress != nil {
		rundef.ConsoleProgress = &models.ConsoleProgress{
			ProgressPattern: entry.ConsoleProgress.ProgressPattern,
		}
	}
	for _, ref := range entry.Triggers {
		rundef.Triggers = append(rundef.Triggers, models.ChainedTrigger{
			Name:     ref.Name,
			RunNames: ref.RunNames,
			Params:   ref.Params,
		})
	}

	if entry.Script != "" {
		rundef.Script = d.Scripts[entry.Script]
	} else {
		repo := d.ScriptRepos[entry.ScriptRepo.Name]
		rundef.ScriptRepo = &models.ScriptRepo{
			CloneURL: repo.CloneURL,
			GitRef:   repo.GitRef,
			Path:     entry.ScriptRepo.Path,
			Token:    repo.Token,
		}
		for _, token := range strings.Split(repo.Token, ":") {
			if token != "" && secrets[token] == "" {
				msg := fmt.Sprintf(
					"The script-repo requires a token(%s) not defined in the run's secrets.\nSecret keys sent to build: %v",
					token, secretKeys(secrets))
				return nil, gerror.NewErrValidationFailed(msg)
			}
		}
	}
	if rundef.ContainerAuth != "" {
		if _, ok := secrets[rundef.ContainerAuth]; !ok {
			msg := fmt.Sprintf(
				`"container-auth" requires a secret(%s) not defined in the run's secrets.`+"\nSecret keys sent to build: %v",
				rundef.ContainerAuth, secretKeys(secrets))
			return nil, gerror.NewErrValidationFailed(msg)
		}
	}

	for k, v := range d.Params {
		rundef.Env[k] = v
	}
	for k, v := range trigger.Params {
		rundef.Env[k] = v
	}
	for k, v := range entry.Params {
		rundef.Env[k] = v
	}
	for k, v := range params {
		rundef.Env[k] = v
	}
	rundef.Env["H_PROJECT"] = rc.ProjectName
	rundef.Env["H_BUILD"] = strconv.Itoa(rc.BuildNumber)
	rundef.Env["H_RUN"] = rc.RunName

	return rundef, nil
}

func secretKeys(secrets map[string]string) []string {
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
