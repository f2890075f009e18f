// Package builder implements the Image Builder (spec.md §4.3): wraps the
// external devcontainer build tool and registry push as subprocesses.
package builder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/streamspace/vscode-devcontainer-manager/internal/logger"
)

// ErrBuildToolUnavailable is returned when the build-tool runtime cannot
// be reached at all (spec.md §4.3 step 2).
type ErrBuildToolUnavailable struct {
	Cause error
}

func (e *ErrBuildToolUnavailable) Error() string {
	return fmt.Sprintf("build tool runtime unavailable: %v", e.Cause)
}

func (e *ErrBuildToolUnavailable) Unwrap() error { return e.Cause }

// ErrBuildFailed is returned when the build subprocess exits non-zero.
type ErrBuildFailed struct {
	ExitCode int
}

func (e *ErrBuildFailed) Error() string {
	return fmt.Sprintf("devcontainer build failed with exit code %d", e.ExitCode)
}

// Result carries the outcome of a successful build.
type Result struct {
	// PullImageRef is the image reference pod specs should use.
	PullImageRef string
	// Logs is the combined build (and push) subprocess output.
	Logs string
}

// Builder wraps the devcontainer/docker CLIs as subprocesses. Command
// construction is factored out as a field so tests can substitute a
// fake runner without actually invoking docker.
type Builder struct {
	DockerHost  string
	PushAddress string
	PullAddress string
	runner      commandRunner
}

// commandRunner abstracts subprocess execution so tests can fake it.
type commandRunner interface {
	run(ctx context.Context, env []string, dir string, name string, args ...string) (exitCode int, output string, err error)
}

// New builds a Builder that shells out to the real devcontainer/docker CLIs.
func New(dockerHost, pushAddress, pullAddress string) *Builder {
	return &Builder{DockerHost: dockerHost, PushAddress: pushAddress, PullAddress: pullAddress, runner: execRunner{}}
}

// Build runs the devcontainer build + registry push pipeline for one
// instance, per spec.md §4.3's algorithm.
func (b *Builder) Build(ctx context.Context, instanceID, workspaceDir string, devcontainerOverride map[string]interface{}) (Result, error) {
	log := logger.Builder().With().Str("instance", instanceID).Logger()

	if devcontainerOverride != nil {
		if err := writeDevcontainerJSON(workspaceDir, devcontainerOverride); err != nil {
			return Result{}, fmt.Errorf("builder: materializing devcontainer.json: %w", err)
		}
	}

	env := append(os.Environ(), "DOCKER_HOST="+b.DockerHost)

	if exitCode, _, err := b.runner.run(ctx, env, "", "docker", "version"); err != nil || exitCode != 0 {
		return Result{}, &ErrBuildToolUnavailable{Cause: err}
	}
	log.Debug().Msg("build tool runtime reachable")

	pushImage := fmt.Sprintf("%s/vscode-devcontainer-%s:latest", b.PushAddress, instanceID)
	pullImage := fmt.Sprintf("%s/vscode-devcontainer-%s:latest", b.PullAddress, instanceID)

	exitCode, buildOutput, _ := b.runner.run(ctx, env, workspaceDir, "devcontainer", "build",
		"--workspace-folder", workspaceDir,
		"--image-name", pushImage,
		"--no-cache",
	)
	logs := []string{buildOutput}
	if exitCode != 0 {
		return Result{Logs: strings.Join(logs, "\n")}, &ErrBuildFailed{ExitCode: exitCode}
	}
	log.Info().Str("image", pushImage).Msg("build succeeded")

	pushLogs := b.push(ctx, env, pushImage)
	logs = append(logs, pushLogs)

	return Result{PullImageRef: pullImage, Logs: strings.Join(logs, "\n")}, nil
}

// push attempts a direct push, falling back to a retag-and-retry against
// PushAddress if the direct push fails and the tag differs from it. A
// total push failure is downgraded to a warning line, never fatal, per
// spec.md §4.3 step 5.
func (b *Builder) push(ctx context.Context, env []string, image string) string {
	var lines []string

	exitCode, out, _ := b.runner.run(ctx, env, "", "docker", "push", image)
	lines = append(lines, out)
	if exitCode == 0 {
		return strings.Join(lines, "\n")
	}
	lines = append(lines, fmt.Sprintf("direct push of %s failed with exit code %d", image, exitCode))

	if strings.Contains(image, "localhost") {
		retagged := strings.Replace(image, strings.SplitN(image, "/", 2)[0], b.PushAddress, 1)
		if retagged != image {
			if tagExit, tagOut, _ := b.runner.run(ctx, env, "", "docker", "tag", image, retagged); tagExit == 0 {
				lines = append(lines, tagOut)
				if pushExit, pushOut, _ := b.runner.run(ctx, env, "", "docker", "push", retagged); pushExit == 0 {
					lines = append(lines, pushOut)
					return strings.Join(lines, "\n")
				}
				lines = append(lines, fmt.Sprintf("retagged push of %s also failed", retagged))
			}
		}
	}

	logger.Builder().Warn().Str("image", image).Msg("failed to push image to registry, pod will use the local image")
	lines = append(lines, fmt.Sprintf("WARNING: failed to push %s to registry, using local image", image))
	return strings.Join(lines, "\n")
}

func writeDevcontainerJSON(workspaceDir string, devcontainer map[string]interface{}) error {
	dir := filepath.Join(workspaceDir, ".devcontainer")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(devcontainer, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "devcontainer.json"), data, 0o644)
}

// execRunner is the production commandRunner, actually spawning subprocesses.
type execRunner struct{}

func (execRunner) run(ctx context.Context, env []string, dir, name string, args ...string) (int, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	cmd.Dir = dir

	pipeReader, pipeWriter := io.Pipe()
	cmd.Stdout = pipeWriter
	cmd.Stderr = pipeWriter

	if err := cmd.Start(); err != nil {
		pipeWriter.Close()
		return -1, "", err
	}

	var lines []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pipeReader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
	}()

	waitErr := cmd.Wait()
	pipeWriter.Close()
	<-done

	output := strings.Join(lines, "\n")
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return exitErr.ExitCode(), output, nil
		}
		return -1, output, waitErr
	}
	return 0, output, nil
}
