package urls

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jobserv/jobserv/common/models"
)

// Builder renders the callback and human-facing URLs that get baked into run
// definitions and notifications. Frontend formats use {project}, {build} and
// {run} placeholders; an empty format renders no URL.
type Builder struct {
	apiBase     string
	buildURLFmt string
	runURLFmt   string
}

func NewBuilder(apiBase string, buildURLFmt string, runURLFmt string) *Builder {
	return &Builder{
		apiBase:     strings.TrimSuffix(apiBase, "/"),
		buildURLFmt: buildURLFmt,
		runURLFmt:   runURLFmt,
	}
}

// Build returns the API URL of a build. The trailing slash is part of the
// worker protocol.
func (b *Builder) Build(project models.ResourceName, buildNumber int) string {
	return fmt.Sprintf("%s/projects/%s/builds/%d/", b.apiBase, project, buildNumber)
}

// Run returns the authoritative update endpoint of a run.
func (b *Builder) Run(project models.ResourceName, buildNumber int, run models.ResourceName) string {
	return fmt.Sprintf("%s/projects/%s/builds/%d/runs/%s/", b.apiBase, project, buildNumber, run)
}

// RunConsole returns the URL of a run's console log artifact.
func (b *Builder) RunConsole(project models.ResourceName, buildNumber int, run models.ResourceName) string {
	return b.Run(project, buildNumber, run) + "console.log"
}

// Runner returns the URL workers download the executor from.
func (b *Builder) Runner() string {
	return b.apiBase + "/runner"
}

// BuildFrontend returns the human-facing URL of a build, or "" when no
// frontend format is configured.
func (b *Builder) BuildFrontend(project models.ResourceName, buildNumber int) string {
	if b.buildURLFmt == "" {
		return ""
	}
	return expand(b.buildURLFmt, project, buildNumber, "")
}

// RunFrontend returns the human-facing URL of a run, or "" when no frontend
// format is configured.
func (b *Builder) RunFrontend(project models.ResourceName, buildNumber int, run models.ResourceName) string {
	if b.runURLFmt == "" {
		return ""
	}
	return expand(b.runURLFmt, project, buildNumber, run)
}

func expand(format string, project models.ResourceName, buildNumber int, run models.ResourceName) string {
	replacer := strings.NewReplacer(
		"{project}", project.String(),
		"{build}", strconv.Itoa(buildNumber),
		"{run}", run.String(),
	)
	return replacer.Replace(format)
}
