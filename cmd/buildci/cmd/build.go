package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"github.com/opendg-project/buildci/pkg/buildcache"
	"github.com/opendg-project/buildci/pkg/builder"
	"github.com/opendg-project/buildci/pkg/logging"
	"github.com/opendg-project/buildci/pkg/runner"
)

var (
	buildContextDir string
	buildDockerfile string
	buildTag        string
	buildLockfile   string
	buildManifest   string
	buildVerifyCmd  []string
	buildPattern    string
	buildEnv        []string
	buildCacheDir   string
	buildTimeout    time.Duration
)

// buildCmd represents the build command
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build and smoke-test an image locally",
	Long: `Run the build-and-verify pipeline once against the local Docker daemon,
without an orchestrator: verify the lockfile, build the image (consulting the
local build cache) and, when a verify command is given, run it in a disposable
container.`,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringVar(&buildContextDir, "context", ".", "build context directory")
	buildCmd.Flags().StringVar(&buildDockerfile, "dockerfile", "Dockerfile", "Dockerfile path relative to the context")
	buildCmd.Flags().StringVar(&buildTag, "tag", "", "image tag (required)")
	buildCmd.Flags().StringVar(&buildLockfile, "lockfile", "", "lockfile path relative to the context (empty disables verification)")
	buildCmd.Flags().StringVar(&buildManifest, "manifest", "", "manifest path relative to the context")
	buildCmd.Flags().StringSliceVar(&buildVerifyCmd, "cmd", nil, "smoke-test command to run in the built image")
	buildCmd.Flags().StringVar(&buildPattern, "pattern", "", "regexp the smoke-test output must match")
	buildCmd.Flags().StringSliceVar(&buildEnv, "env", nil, "environment variables for the smoke-test container (KEY=VALUE)")
	buildCmd.Flags().StringVar(&buildCacheDir, "cache-dir", "", "build cache directory (default from BUILDCI_CACHE_DIR)")
	buildCmd.Flags().DurationVar(&buildTimeout, "timeout", 30*time.Minute, "overall pipeline timeout")
	buildCmd.MarkFlagRequired("tag")
}

func runBuild(cmd *cobra.Command, args []string) error {
	log := logging.NewLogger(logging.INFO, false)

	dir := buildCacheDir
	if dir == "" {
		dir = buildcache.Dir()
	}
	cache, err := buildcache.New(dir)
	if err != nil {
		return err
	}

	dockerCli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), buildTimeout)
	defer cancel()

	b := builder.New(dockerCli, cache, log.WithField("component", "builder"))
	result, err := b.Build(ctx, builder.Request{
		Workflow:   "local",
		Source:     builder.Source{ContextDir: buildContextDir},
		Dockerfile: buildDockerfile,
		Tag:        buildTag,
		Lockfile:   buildLockfile,
		Manifest:   buildManifest,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Built %s (cache hit: %v)\n", result.ImageTag, result.CacheHit)
	if len(buildVerifyCmd) == 0 {
		return nil
	}

	r := runner.New(dockerCli, log.WithField("component", "runner"))
	smoke, err := r.Run(ctx, result.ImageTag, buildVerifyCmd, buildEnv)
	if err != nil {
		return err
	}

	if out := strings.TrimSpace(smoke.Output); out != "" {
		fmt.Println(out)
	}
	if !smoke.Passed(buildPattern) {
		return fmt.Errorf("smoke test failed (exit code %d)", smoke.ExitCode)
	}
	fmt.Println("Smoke test passed")
	return nil
}
