package models

import (
	"database/sql/driver"
	"fmt"
)

// TriggerType is the closed set of sources that can start a build. The
// numeric codes are part of the stored data and the external API; do not
// renumber.
type TriggerType int

const (
	TriggerTypeGitPoller TriggerType = 1
	TriggerTypeGitHubPR  TriggerType = 2
	TriggerTypeSimple    TriggerType = 3
	TriggerTypeGitLabMR  TriggerType = 6
)

var triggerTypeNames = map[TriggerType]string{
	TriggerTypeGitPoller: "git_poller",
	TriggerTypeGitHubPR:  "github_pr",
	TriggerTypeSimple:    "simple",
	TriggerTypeGitLabMR:  "gitlab_mr",
}

func (t TriggerType) String() string {
	name, ok := triggerTypeNames[t]
	if !ok {
		return fmt.Sprintf("unknown(%d)", int(t))
	}
	return name
}

func (t TriggerType) Valid() bool {
	_, ok := triggerTypeNames[t]
	return ok
}

func ParseTriggerType(name string) (TriggerType, error) {
	for t, n := range triggerTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("error unknown trigger type: %q", name)
}

func (t *TriggerType) Scan(src interface{}) error {
	if src == nil {
		*t = 0
		return nil
	}
	i, ok := src.(int64)
	if !ok {
		return fmt.Errorf("error expected int64: %#v", src)
	}
	*t = TriggerType(i)
	return nil
}

func (t TriggerType) Value() (driver.Value, error) {
	return int64(t), nil
}
