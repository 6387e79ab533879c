package publish

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sector-refresh/internal/command"
)

// BuildRequest describes one image build.
type BuildRequest struct {
	Dockerfile string
	Context    string
	Tag        string // fully qualified reference
	Labels     map[string]string
}

// Builder logs in to the registry, builds an image and pushes one reference.
type Builder interface {
	Login(ctx context.Context, registry, username, token string) error
	Build(ctx context.Context, req BuildRequest) error
	Push(ctx context.Context, ref string) error
}

// DockerBuilder drives the docker CLI.
type DockerBuilder struct {
	Path   string
	Runner command.Runner
}

// NewDockerBuilder returns a Builder that runs the docker binary at path.
func NewDockerBuilder(path string, runner command.Runner) *DockerBuilder {
	if path == "" {
		path = "docker"
	}
	if runner == nil {
		runner = command.NewExecRunner()
	}
	return &DockerBuilder{Path: path, Runner: runner}
}

// Login runs "docker login" with the token on stdin.
func (d *DockerBuilder) Login(ctx context.Context, registry, username, token string) error {
	_, err := d.Runner.Run(ctx, command.Spec{
		Name:  d.Path,
		Args:  []string{"login", registry, "--username", username, "--password-stdin"},
		Stdin: strings.NewReader(token),
	})
	if err != nil {
		return eris.Wrapf(err, "publish: docker login %s", registry)
	}
	return nil
}

// Build runs "docker build" for req.
func (d *DockerBuilder) Build(ctx context.Context, req BuildRequest) error {
	args := []string{"build", "--tag", req.Tag}
	if req.Dockerfile != "" {
		args = append(args, "--file", req.Dockerfile)
	}
	keys := make([]string, 0, len(req.Labels))
	for k := range req.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+req.Labels[k])
	}
	contextDir := req.Context
	if contextDir == "" {
		contextDir = "."
	}
	args = append(args, contextDir)

	if _, err := d.Runner.Run(ctx, command.Spec{Name: d.Path, Args: args}); err != nil {
		return eris.Wrapf(err, "publish: docker build %s", req.Tag)
	}
	return nil
}

// Push runs "docker push" for ref.
func (d *DockerBuilder) Push(ctx context.Context, ref string) error {
	if _, err := d.Runner.Run(ctx, command.Spec{Name: d.Path, Args: []string{"push", ref}}); err != nil {
		return eris.Wrapf(err, "publish: docker push %s", ref)
	}
	return nil
}
