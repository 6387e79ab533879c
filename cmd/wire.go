package main

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/sells-group/sector-refresh/internal/command"
	"github.com/sells-group/sector-refresh/internal/config"
	"github.com/sells-group/sector-refresh/internal/gitrepo"
	"github.com/sells-group/sector-refresh/internal/monitoring"
	"github.com/sells-group/sector-refresh/internal/pipeline"
	"github.com/sells-group/sector-refresh/internal/publish"
	"github.com/sells-group/sector-refresh/internal/sector"
	"github.com/sells-group/sector-refresh/internal/store"
	"github.com/sells-group/sector-refresh/pkg/yahoo"
)

// pipelineEnv holds the store, alerter and orchestrator needed by the
// run/daemon/serve/worker commands.
type pipelineEnv struct {
	Store        store.Store
	Alerter      *monitoring.Alerter
	Orchestrator *pipeline.Orchestrator
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens the store and assembles the
// four stages. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	stages, err := buildStages(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	alerter := monitoring.NewAlerter(cfg.Monitoring)
	orch := pipeline.New(st, stages,
		pipeline.WithLockTTL(time.Duration(cfg.Pipeline.LockTTLMins)*time.Minute),
		pipeline.WithNotifier(alerter),
	)

	return &pipelineEnv{Store: st, Alerter: alerter, Orchestrator: orch}, nil
}

func buildStages(c *config.Config) ([]pipeline.Stage, error) {
	runner := command.NewExecRunner()

	committer, err := gitrepo.Open(gitrepo.Options{
		RepoDir:  c.Pipeline.RepoDir,
		Artifact: c.Pipeline.Artifact,
		Remote:   c.Git.Remote,
		Branch:   c.Git.Branch,
		Author:   gitrepo.Identity{Name: c.Git.AuthorName, Email: c.Git.AuthorEmail},
		Username: c.Git.Username,
		Token:    c.Git.Token,
	})
	if err != nil {
		return nil, err
	}

	publisher, err := publish.New(publishOptions(c), publish.NewDockerBuilder(c.Registry.DockerPath, runner))
	if err != nil {
		return nil, err
	}

	return []pipeline.Stage{
		&pipeline.FetchStage{Job: fetchJob(c, runner)},
		&pipeline.GenerateStage{Job: generateJob(c, runner), Artifact: artifactPath(c)},
		&pipeline.CommitStage{Committer: committer},
		&pipeline.PublishStage{Publisher: publisher},
	}, nil
}

func publishOptions(c *config.Config) publish.Options {
	opts := publish.Options{
		Image:      c.Registry.ImageName(),
		Username:   c.Registry.Username,
		Token:      c.Registry.Token,
		Context:    repoPath(c, c.Registry.Context),
		Insecure:   c.Registry.Insecure,
	}
	// Both resolve against the repository, not the process working directory.
	if c.Registry.Dockerfile != "" {
		opts.Dockerfile = repoPath(c, c.Registry.Dockerfile)
	}
	if c.Registry.Repository != "" {
		opts.SourceURL = "https://github.com/" + c.Registry.Repository
	}
	return opts
}

// fetchJob returns the configured external fetch command, or the built-in
// sector collector.
func fetchJob(c *config.Config, runner command.Runner) pipeline.Job {
	if len(c.Pipeline.Fetch.Command) > 0 {
		return commandJob(c.Pipeline.Fetch, c.Pipeline.RepoDir, runner)
	}
	client := yahoo.NewClient(c.Sector.UserAgent,
		yahoo.WithBaseURL(c.Sector.BaseURL),
		yahoo.WithCookieURL(c.Sector.CookieURL),
		yahoo.WithRequestInterval(time.Duration(c.Sector.RequestIntervalMs)*time.Millisecond),
	)
	return &sector.Collector{
		Client:        client,
		Sectors:       c.Sector.Sectors,
		MaxConcurrent: c.Sector.MaxConcurrent,
		SectorDelay:   time.Duration(c.Sector.SectorDelayMs) * time.Millisecond,
		DatasetPath:   repoPath(c, c.Pipeline.Dataset),
	}
}

// generateJob returns the configured external generate command, or the
// built-in sector analyzer.
func generateJob(c *config.Config, runner command.Runner) pipeline.Job {
	if len(c.Pipeline.Generate.Command) > 0 {
		return commandJob(c.Pipeline.Generate, c.Pipeline.RepoDir, runner)
	}
	return &sector.Generator{
		DatasetPath:  repoPath(c, c.Pipeline.Dataset),
		ArtifactPath: artifactPath(c),
		Threshold:    c.Sector.OutlierThreshold,
	}
}

func commandJob(sc config.StageConfig, dir string, runner command.Runner) *pipeline.CommandJob {
	return &pipeline.CommandJob{
		Runner: runner,
		Spec: command.Spec{
			Name: sc.Command[0],
			Args: sc.Command[1:],
			Dir:  dir,
			Env:  parseEnv(sc.Env),
		},
		Timeout: time.Duration(sc.TimeoutSecs) * time.Second,
	}
}

// parseEnv turns KEY=VALUE entries into a map. Entries without '=' are
// dropped.
func parseEnv(entries []string) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}

func artifactPath(c *config.Config) string {
	return repoPath(c, c.Pipeline.Artifact)
}

func repoPath(c *config.Config, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Pipeline.RepoDir, p)
}
