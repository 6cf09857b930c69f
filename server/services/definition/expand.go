package definition

import (
	"strings"
	"unicode/utf8"
)

// expandRunLoops replaces every run template carrying loop-on axes with the
// cartesian product of its parameter values. Each generated run's name is the
// template name with "{loop}" substituted by the dash-joined combination, and
// each axis value lands in the run's params (or, for the special "host-tag"
// axis, in the run's host tag). Chained trigger names and run-names formats
// get the same substitution.
func (d *ProjectDefinition) expandRunLoops() error {
	for _, trigger := range d.Triggers {
		var runs []*RunEntry
		for _, run := range trigger.Runs {
			if len(run.LoopOn) == 0 {
				runs = append(runs, run)
				continue
			}
			for _, combo := range cartesian(run.LoopOn) {
				loopName := strings.Join(combo, "-")
				expanded := run.clone()
				expanded.Name = strings.ReplaceAll(run.Name, "{loop}", loopName)
				expanded.LoopOn = nil
				if expanded.Params == nil {
					expanded.Params = ParamMap{}
				}
				for i, value := range combo {
					if run.LoopOn[i].Param == "host-tag" {
						expanded.HostTag = value
					} else {
						expanded.Params[run.LoopOn[i].Param] = value
					}
				}
				for _, ref := range expanded.Triggers {
					ref.Name = strings.ReplaceAll(ref.Name, "{loop}", loopName)
					if ref.RunNames != "" {
						ref.RunNames = strings.ReplaceAll(ref.RunNames, "{loop}", loopName)
					}
				}
				runs = append(runs, expanded)
			}
		}
		trigger.Runs = runs

		path := "triggers/" + trigger.Name
		for _, run := range trigger.Runs {
			if utf8.RuneCountInString(run.Name) >= maxRunNameLength {
				return invalid(path+"/runs/"+run.Name, "Name of run must be less than 80 characters")
			}
		}
	}
	return nil
}

// cartesian enumerates every combination of the loop axes' values, varying
// the last axis fastest.
func cartesian(axes []*LoopOn) [][]string {
	combos := [][]string{{}}
	for _, axis := range axes {
		var next [][]string
		for _, combo := range combos {
			for _, value := range axis.Values {
				extended := make([]string, len(combo), len(combo)+1)
				copy(extended, combo)
				next = append(next, append(extended, value))
			}
		}
		combos = next
	}
	return combos
}

func (r *RunEntry) clone() *RunEntry {
	out := *r
	out.Params = make(ParamMap, len(r.Params))
	for k, v := range r.Params {
		out.Params[k] = v
	}
	if r.PersistentVolumes != nil {
		out.PersistentVolumes = make(map[string]string, len(r.PersistentVolumes))
		for k, v := range r.PersistentVolumes {
			out.PersistentVolumes[k] = v
		}
	}
	if r.SharedVolumes != nil {
		out.SharedVolumes = make(map[string]string, len(r.SharedVolumes))
		for k, v := range r.SharedVolumes {
			out.SharedVolumes[k] = v
		}
	}
	if r.ScriptRepo != nil {
		repo := *r.ScriptRepo
		out.ScriptRepo = &repo
	}
	if r.TestGrepping != nil {
		grep := *r.TestGrepping
		out.TestGrepping = &grep
	}
	if r.ConsoleProgress != nil {
		progress := *r.ConsoleProgress
		out.ConsoleProgress = &progress
	}
	if r.Triggers != nil {
		out.Triggers = make([]*TriggerRef, len(r.Triggers))
		for i, ref := range r.Triggers {
			refCopy := *ref
			if ref.Params != nil {
				refCopy.Params = make(ParamMap, len(ref.Params))
				for k, v := range ref.Params {
					refCopy.Params[k] = v
				}
			}
			out.Triggers[i] = &refCopy
		}
	}
	return &out
}
