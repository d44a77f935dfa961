package deploy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mailtriage/email-agent/pkg/logging"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the local machine.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, lastLine(out.String()))
	}
	return out.Bytes(), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ImageRef names a container image.
type ImageRef struct {
	Repository string
	Tag        string
}

func (r ImageRef) String() string {
	return r.Repository + ":" + r.Tag
}

// ImageBuilder builds and pushes the service image with a docker-compatible
// CLI.
type ImageBuilder struct {
	Engine     string
	Dockerfile string
	Context    string
	Runner     Runner
	Logger     *logging.Logger
}

// NewImageBuilder returns a builder for the image section of deploy.yaml.
func NewImageBuilder(c ImageConfig, logger *logging.Logger) *ImageBuilder {
	if logger == nil {
		logger = logging.Nop()
	}
	engine := c.Engine
	if engine == "" {
		engine = "docker"
	}
	return &ImageBuilder{
		Engine:     engine,
		Dockerfile: c.Dockerfile,
		Context:    c.Context,
		Runner:     ExecRunner{},
		Logger:     logger.Named("image"),
	}
}

// Build runs `<engine> build -f <dockerfile> -t <ref> <context>`.
func (b *ImageBuilder) Build(ctx context.Context, ref ImageRef) error {
	start := time.Now()
	b.Logger.Info("image.build_started", map[string]interface{}{"image": ref.String()})
	if _, err := b.Runner.Run(ctx, "", b.Engine, "build", "-f", b.Dockerfile, "-t", ref.String(), b.Context); err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	b.Logger.Info("image.build_finished", map[string]interface{}{
		"image":       ref.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// Push uploads ref to its registry.
func (b *ImageBuilder) Push(ctx context.Context, ref ImageRef) error {
	if _, err := b.Runner.Run(ctx, "", b.Engine, "push", ref.String()); err != nil {
		return fmt.Errorf("push image: %w", err)
	}
	b.Logger.Info("image.pushed", map[string]interface{}{"image": ref.String()})
	return nil
}

// GitTag is the short revision of the checkout at dir, used as the default
// image tag.
func GitTag(ctx context.Context, r Runner, dir string) (string, error) {
	out, err := r.Run(ctx, dir, "git", "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve git revision: %w", err)
	}
	tag := strings.TrimSpace(string(out))
	if tag == "" {
		return "", fmt.Errorf("resolve git revision: empty output")
	}
	return tag, nil
}
