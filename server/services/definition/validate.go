package definition

import (
	"fmt"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/models"
)

const (
	maxRunNameLength    = 80
	maxTriggerRecursion = 2
)

func invalid(path, format string, args ...interface{}) error {
	return gerror.NewErrValidationFailed(fmt.Sprintf(format, args...)).IDetail("path", path)
}

// Validate enforces the structural rules a definition must satisfy before any
// build can be materialized from it: known trigger types, script xor
// script-repo (and the named entry must exist), a host tag on every run
// (directly or through a loop-on axis), unique run names within a trigger and
// bounded chained-trigger recursion.
func (d *ProjectDefinition) Validate() error {
	if d.Timeout <= 0 {
		return invalid("timeout", "A positive timeout is required")
	}
	if len(d.Triggers) == 0 {
		return invalid("triggers", "At least one trigger is required")
	}
	for _, trigger := range d.Triggers {
		path := "triggers/" + trigger.Name
		if trigger.Name == "" {
			return invalid("triggers", "Every trigger requires a name")
		}
		if _, err := models.ParseTriggerType(trigger.Type); err != nil {
			return invalid(path, "No such runner: %s", trigger.Type)
		}
		if len(trigger.Runs) == 0 {
			return invalid(path, "At least one run is required")
		}
		seen := make(map[string]bool, len(trigger.Runs))
		for _, run := range trigger.Runs {
			runPath := path + "/runs/" + run.Name
			if run.Name == "" {
				return invalid(path, "Every run requires a name")
			}
			if seen[run.Name] {
				return invalid(runPath, "Duplicate run name: %s", run.Name)
			}
			seen[run.Name] = true
			if run.Container == "" {
				return invalid(runPath, `"container" is required`)
			}
			err := d.validateScript(runPath, run)
			if err != nil {
				return err
			}
			err = validateHostTag(runPath, run)
			if err != nil {
				return err
			}
		}
	}
	return d.validateTriggerRecursion()
}

func (d *ProjectDefinition) validateScript(path string, run *RunEntry) error {
	script := run.Script
	var repo string
	if run.ScriptRepo != nil {
		repo = run.ScriptRepo.Name
	}
	switch {
	case script != "" && repo != "":
		return invalid(path, `"script" and "script-repo" are mutually exclusive`)
	case script != "":
		if _, ok := d.Scripts[script]; !ok {
			return invalid(path, "Script does not exist: %s", script)
		}
	case repo != "":
		if _, ok := d.ScriptRepos[repo]; !ok {
			return invalid(path, "Script repo does not exist: %s", repo)
		}
	default:
		return invalid(path, `"script" or "script-repo" is required`)
	}
	return nil
}

func validateHostTag(path string, run *RunEntry) error {
	if run.HostTag != "" {
		return nil
	}
	for _, loop := range run.LoopOn {
		if loop.Param == "host-tag" {
			return nil
		}
	}
	return invalid(path, `"host-tag" or loop-on host-tag parameter required`)
}

// validateTriggerRecursion bounds how deep chained triggers may nest.
func (d *ProjectDefinition) validateTriggerRecursion() error {
	for _, parent := range d.Triggers {
		for _, run := range parent.Runs {
			for _, ref := range run.Triggers {
				err := d.checkTriggerDepth(ref, maxTriggerRecursion)
				if err != nil {
					return err
				}
			}
		}
		for _, ref := range parent.Triggers {
			err := d.checkTriggerDepth(ref, maxTriggerRecursion)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *ProjectDefinition) checkTriggerDepth(ref *TriggerRef, depth int) error {
	if depth == 0 {
		return invalid("triggers/"+ref.Name, "Trigger recursion depth exceeded")
	}
	trigger := d.GetTrigger(ref.Name)
	if trigger == nil {
		return invalid("triggers/"+ref.Name, "Chained trigger does not exist: %s", ref.Name)
	}
	for _, run := range trigger.Runs {
		for _, child := range run.Triggers {
			err := d.checkTriggerDepth(child, depth-1)
			if err != nil {
				return err
			}
		}
	}
	for _, child := range trigger.Triggers {
		err := d.checkTriggerDepth(child, depth-1)
		if err != nil {
			return err
		}
	}
	return nil
}
