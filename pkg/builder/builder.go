package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/opendg-project/buildci/pkg/buildcache"
	"github.com/opendg-project/buildci/pkg/lockfile"
	"github.com/opendg-project/buildci/pkg/logging"
)

// BuildAPIClient is the slice of the Docker API the builder needs
type BuildAPIClient interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
}

// Builder produces container images from a build context, a lockfile and a
// project manifest. Dependency installation is split into two sequential sync
// stages inside the Dockerfile; the lockfile digest is passed as a build arg
// so unchanged dependency sets reuse the dependency layer.
type Builder struct {
	cli   BuildAPIClient
	cache *buildcache.Cache
	log   *logging.Logger
}

// Source locates the code to build: either a prepared local context
// directory or a repository to clone.
type Source struct {
	ContextDir string
	RepoURL    string
	Branch     string
	CommitSHA  string
}

// Request describes one image build
type Request struct {
	Workflow   string
	Source     Source
	Dockerfile string
	Tag        string
	Lockfile   string // path relative to the context, empty disables verification
	Manifest   string // path relative to the context
	Args       map[string]string
}

// Result reports a completed build
type Result struct {
	ImageTag       string
	LockfileDigest string
	CacheHit       bool
	Output         string
}

// New creates a builder on top of an existing Docker API client
func New(cli BuildAPIClient, cache *buildcache.Cache, log *logging.Logger) *Builder {
	return &Builder{cli: cli, cache: cache, log: log}
}

// NewWithDocker creates a builder with a Docker client from the environment
func NewWithDocker(cache *buildcache.Cache, log *logging.Logger) (*Builder, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return New(cli, cache, log), nil
}

// Build runs the full build pipeline: resolve source, verify the lockfile
// against the manifest (fail-closed), consult the build cache, then build and
// tag the image. Any step error aborts the build.
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	dir, cleanup, err := b.resolveSource(ctx, req.Source)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	result := &Result{ImageTag: req.Tag}

	if req.Lockfile != "" {
		lf, err := b.verifyLockfile(dir, req.Lockfile, req.Manifest)
		if err != nil {
			return nil, err
		}
		result.LockfileDigest = lf.Digest

		if entry, ok := b.cache.Lookup(lf.Digest); ok {
			result.CacheHit = true
			b.log.Info("dependency cache hit", map[string]interface{}{
				"workflow": req.Workflow,
				"key":      lf.Digest[:12],
				"cached":   entry.CreatedAt,
			})
		}
	}

	output, err := b.buildImage(ctx, dir, req, result.LockfileDigest)
	if err != nil {
		return nil, err
	}
	result.Output = output

	if result.LockfileDigest != "" && !result.CacheHit {
		if err := b.cache.Commit(buildcache.Entry{
			Key:      result.LockfileDigest,
			ImageTag: req.Tag,
			Workflow: req.Workflow,
		}); err != nil {
			b.log.Warn("failed to record cache entry", map[string]interface{}{"error": err.Error()})
		}
	}

	return result, nil
}

// resolveSource returns the directory holding the build context, cloning the
// repository first when one is configured.
func (b *Builder) resolveSource(ctx context.Context, src Source) (string, func(), error) {
	if src.RepoURL == "" {
		if src.ContextDir == "" {
			return "", nil, fmt.Errorf("build source requires a context directory or repository URL")
		}
		return src.ContextDir, func() {}, nil
	}

	tmpDir, err := os.MkdirTemp("", "buildci-src-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(tmpDir) }

	opts := &git.CloneOptions{
		URL:   src.RepoURL,
		Depth: 1, // shallow clone for speed
	}
	if src.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(src.Branch)
		opts.SingleBranch = true
	}

	b.log.Info("cloning source", map[string]interface{}{"url": src.RepoURL, "branch": src.Branch})
	if _, err := git.PlainCloneContext(ctx, tmpDir, false, opts); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to clone repo: %w", err)
	}

	return tmpDir, cleanup, nil
}

// verifyLockfile parses the lockfile and manifest out of the context and
// checks that the lockfile satisfies the manifest. A mismatch aborts the
// build before any sync step runs; dependencies are never implicitly upgraded.
func (b *Builder) verifyLockfile(dir, lockPath, manifestPath string) (*lockfile.Lockfile, error) {
	lf, err := lockfile.ParseFile(filepath.Join(dir, lockPath))
	if err != nil {
		return nil, err
	}

	if manifestPath != "" {
		manifest, err := lockfile.ParseManifestFile(filepath.Join(dir, manifestPath))
		if err != nil {
			return nil, err
		}
		if err := lockfile.Verify(lf, manifest); err != nil {
			return nil, err
		}
	}

	return lf, nil
}

func (b *Builder) buildImage(ctx context.Context, dir string, req Request, lockDigest string) (string, error) {
	tar, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to create build context: %w", err)
	}
	defer tar.Close()

	buildArgs := make(map[string]*string, len(req.Args)+1)
	for k, v := range req.Args {
		val := v
		buildArgs[k] = &val
	}
	if lockDigest != "" {
		// Keys the dependency-sync layer: same lockfile, same layer
		buildArgs["LOCKFILE_DIGEST"] = &lockDigest
	}

	dockerfile := req.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	b.log.Info("building image", map[string]interface{}{"tag": req.Tag, "dockerfile": dockerfile})
	resp, err := b.cli.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Tags:       []string{req.Tag},
		Dockerfile: dockerfile,
		Remove:     true,
		BuildArgs:  buildArgs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	return drainBuildStream(resp.Body)
}

// buildMessage is one JSON message from the daemon's build stream
type buildMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// drainBuildStream consumes the build output, collecting it and surfacing
// the first daemon-reported error as the build failure.
func drainBuildStream(r io.Reader) (string, error) {
	var out strings.Builder
	dec := json.NewDecoder(r)
	for {
		var msg buildMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return out.String(), fmt.Errorf("failed to read build output: %w", err)
		}
		if msg.Stream != "" {
			out.WriteString(msg.Stream)
		}
		if msg.Error != "" {
			detail := msg.ErrorDetail.Message
			if detail == "" {
				detail = msg.Error
			}
			return out.String(), fmt.Errorf("build failed: %s", detail)
		}
	}
	return out.String(), nil
}
