package pipeline

import (
	"context"
	"os/exec"
	"strings"
)

// isDockerAvailable returns true if the Docker daemon is reachable.
func isDockerAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}")
	return cmd.Run() == nil
}

// dockerRun builds an exec.Cmd that runs the analyzer inside a Docker
// container. srcDir is mounted read-only at /src; outDir is mounted
// writable at /out so the analyzer can emit its result files.
func dockerRun(ctx context.Context, image, srcDir, outDir string, args []string) *exec.Cmd {
	dockerArgs := []string{
		"run", "--rm",
		"--network", "host",
		"-v", srcDir + ":/src:ro",
		"-v", outDir + ":/out",
	}
	dockerArgs = append(dockerArgs, image)
	dockerArgs = append(dockerArgs, args...)
	return exec.CommandContext(ctx, "docker", dockerArgs...)
}

// isBinaryAvailable checks if name is executable in PATH or binDir.
func isBinaryAvailable(ctx context.Context, name, binDir string) bool {
	if binDir != "" {
		candidate := binDir + "/" + name
		cmd := exec.CommandContext(ctx, candidate, "--version")
		if cmd.Run() == nil {
			return true
		}
	}
	_, err := exec.LookPath(name)
	if err != nil {
		return false
	}
	cmd := exec.CommandContext(ctx, name, "--version")
	return cmd.Run() == nil
}

// resolveBinary returns the full path of name from binDir or PATH.
func resolveBinary(name, binDir string) string {
	if binDir != "" {
		candidate := binDir + "/" + name
		if p, err := exec.LookPath(candidate); err == nil {
			return p
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	// Return name and let the OS fail with a clean error.
	if binDir != "" && !strings.Contains(name, "/") {
		return binDir + "/" + name
	}
	return name
}

// isExitError is a typed errors.As helper for *exec.ExitError.
func isExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
