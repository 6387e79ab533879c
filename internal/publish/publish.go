// Package publish builds the container image from the repository and
// publishes it under the SHA, branch and latest tags, all pointing at one
// manifest digest.
package publish

import (
	"context"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var (
	// ErrAuth means the registry rejected the credentials or push permission.
	ErrAuth = eris.New("publish: registry authentication failed")
	// ErrBuild means the image build failed.
	ErrBuild = eris.New("publish: image build failed")
	// ErrPublish means pushing or tagging the image failed.
	ErrPublish = eris.New("publish: image publish failed")
)

// Options configures a Publisher.
type Options struct {
	Image      string // <host>/<owner>/<repo>, lowercase
	Username   string
	Token      string
	Dockerfile string
	Context    string
	SourceURL  string
	Insecure   bool
	Transport  http.RoundTripper
}

// Request identifies the commit being published.
type Request struct {
	SHA    string
	Branch string
}

// Result describes a successful publish.
type Result struct {
	Image  string   `json:"image"`
	Digest string   `json:"digest"`
	Tags   []string `json:"tags"`
}

// Publisher authenticates, builds, pushes and tags the image.
type Publisher struct {
	opts     Options
	repo     name.Repository
	builder  Builder
	keychain authn.Keychain
	log      *zap.Logger
}

// New validates opts and returns a Publisher using builder for the docker
// side of the work.
func New(opts Options, builder Builder) (*Publisher, error) {
	if opts.Image == "" {
		return nil, eris.New("publish: image name is required")
	}
	if builder == nil {
		return nil, eris.New("publish: builder is required")
	}
	if opts.Transport == nil {
		opts.Transport = remote.DefaultTransport
	}

	var nameOpts []name.Option
	if opts.Insecure {
		nameOpts = append(nameOpts, name.Insecure)
	}
	repo, err := name.NewRepository(opts.Image, nameOpts...)
	if err != nil {
		return nil, eris.Wrapf(err, "publish: parse image %q", opts.Image)
	}

	return &Publisher{
		opts:     opts,
		repo:     repo,
		builder:  builder,
		keychain: staticKeychain{auth: opts.authenticator()},
		log:      zap.L().With(zap.String("component", "publish"), zap.String("image", repo.Name())),
	}, nil
}

// Image returns the fully qualified repository name.
func (p *Publisher) Image() string { return p.repo.Name() }

// Publish runs authenticate, build and publish for req. Failures are
// classified as ErrAuth, ErrBuild or ErrPublish; nothing is built when
// authentication fails.
func (p *Publisher) Publish(ctx context.Context, req Request) (*Result, error) {
	tags, err := Tags(req.SHA, req.Branch)
	if err != nil {
		return nil, eris.Wrap(ErrPublish, err.Error())
	}
	refs := make([]name.Tag, len(tags))
	for i, t := range tags {
		refs[i] = p.repo.Tag(t)
	}
	primary := refs[0]

	if err := p.authenticate(ctx, primary); err != nil {
		return nil, err
	}

	labels := map[string]string{"org.opencontainers.image.revision": req.SHA}
	if p.opts.SourceURL != "" {
		labels["org.opencontainers.image.source"] = p.opts.SourceURL
	}
	p.log.Info("building image", zap.String("tag", primary.String()))
	if err := p.builder.Build(ctx, BuildRequest{
		Dockerfile: p.opts.Dockerfile,
		Context:    p.opts.Context,
		Tag:        primary.String(),
		Labels:     labels,
	}); err != nil {
		return nil, eris.Wrapf(ErrBuild, "%v", err)
	}

	if err := p.builder.Push(ctx, primary.String()); err != nil {
		return nil, eris.Wrapf(ErrPublish, "%v", err)
	}

	digest, err := p.tagAll(ctx, primary, refs[1:])
	if err != nil {
		return nil, err
	}

	p.log.Info("image published", zap.String("digest", digest), zap.Strings("tags", tags))
	return &Result{Image: p.repo.Name(), Digest: digest, Tags: tags}, nil
}

func (p *Publisher) authenticate(ctx context.Context, primary name.Tag) error {
	if err := remote.CheckPushPermission(primary, p.keychain, p.opts.Transport); err != nil {
		return eris.Wrapf(ErrAuth, "push permission for %s: %v", p.repo.Name(), err)
	}
	if p.opts.Token == "" {
		p.log.Debug("no registry token, skipping docker login")
		return nil
	}
	if err := p.builder.Login(ctx, p.repo.RegistryStr(), p.opts.Username, p.opts.Token); err != nil {
		return eris.Wrapf(ErrAuth, "%v", err)
	}
	return nil
}

// tagAll points every extra tag at the primary tag's manifest and verifies
// the full set resolves to one digest.
func (p *Publisher) tagAll(ctx context.Context, primary name.Tag, extra []name.Tag) (string, error) {
	opts := p.remoteOptions(ctx)

	desc, err := remote.Get(primary, opts...)
	if err != nil {
		return "", eris.Wrapf(ErrPublish, "resolve %s: %v", primary, err)
	}
	for _, t := range extra {
		if err := remote.Tag(t, desc, opts...); err != nil {
			return "", eris.Wrapf(ErrPublish, "tag %s: %v", t, err)
		}
	}

	want := desc.Digest.String()
	for _, t := range append([]name.Tag{primary}, extra...) {
		head, err := remote.Head(t, opts...)
		if err != nil {
			return "", eris.Wrapf(ErrPublish, "verify %s: %v", t, err)
		}
		if got := head.Digest.String(); got != want {
			return "", eris.Wrapf(ErrPublish, "tag %s resolves to %s, want %s", t, got, want)
		}
	}
	return want, nil
}

func (p *Publisher) remoteOptions(ctx context.Context) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(p.opts.authenticator()),
		remote.WithTransport(p.opts.Transport),
	}
}

func (o Options) authenticator() authn.Authenticator {
	if o.Token == "" {
		return authn.Anonymous
	}
	return &authn.Basic{Username: o.Username, Password: o.Token}
}

type staticKeychain struct {
	auth authn.Authenticator
}

func (k staticKeychain) Resolve(authn.Resource) (authn.Authenticator, error) {
	return k.auth, nil
}
