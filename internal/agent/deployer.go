package agent

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/agency/internal/orchestrator"
	"go.uber.org/zap"
)

// CommandRunner executes an external command in dir and returns its
// combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// DeployConfig configures the Deployer.
type DeployConfig struct {
	Tool         string // docker or podman
	Image        string
	Port         int
	RunContainer bool
	Timeout      time.Duration
}

// Deployer packages the project into a container image.
type Deployer struct {
	cfg    DeployConfig
	runner CommandRunner
	logger *zap.Logger
}

// NewDeployer creates a deployer. A nil runner uses ExecRunner.
func NewDeployer(cfg DeployConfig, runner CommandRunner, logger *zap.Logger) *Deployer {
	if cfg.Tool == "" {
		cfg.Tool = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = "agency-app"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Deployer{cfg: cfg, runner: runner, logger: logger}
}

// Deploy implements orchestrator.Deployer.
func (d *Deployer) Deploy(ctx context.Context, rc *orchestrator.RunContext, paths []string) (*orchestrator.DeployOutcome, error) {
	out := &orchestrator.DeployOutcome{Dockerfile: "Dockerfile", Image: d.cfg.Image}

	existing, err := readFile(rc.WorkDir, "Dockerfile")
	switch {
	case err == nil && strings.Contains(strings.ToUpper(existing), "FROM "):
		d.logger.Info("using generated Dockerfile", zap.String("run", rc.RunID))
	default:
		content, err := Dockerfile(paths, d.cfg.Port)
		if err != nil {
			return out, err
		}
		if err := writeFile(rc.WorkDir, "Dockerfile", content); err != nil {
			return out, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	abs, err := filepath.Abs(rc.WorkDir)
	if err != nil {
		return out, err
	}
	build, err := d.runner.Run(ctx, abs, d.cfg.Tool, "build", "-t", d.cfg.Image, ".")
	out.Output = truncate(build, maxOutput)
	if err != nil {
		return out, fmt.Errorf("%s build: %w", d.cfg.Tool, err)
	}
	out.Built = true
	rc.Checkpoint(ctx, "deploy::image", d.cfg.Image)

	if d.cfg.RunContainer {
		port := fmt.Sprintf("%d:%d", d.cfg.Port, d.cfg.Port)
		started, err := d.runner.Run(ctx, abs, d.cfg.Tool, "run", "-d", "--rm", "-p", port, d.cfg.Image)
		out.Output = truncate(out.Output+"\n"+started, maxOutput)
		if err != nil {
			return out, fmt.Errorf("%s run: %w", d.cfg.Tool, err)
		}
		out.Running = true
	}
	d.logger.Info("deployed", zap.String("image", d.cfg.Image), zap.Bool("running", out.Running))
	return out, nil
}

// Dockerfile picks a base image from the generated files.
func Dockerfile(paths []string, port int) (string, error) {
	has := make(map[string]bool, len(paths))
	var py, js, goFiles, html []string
	for _, p := range paths {
		has[p] = true
		switch strings.ToLower(filepath.Ext(p)) {
		case ".py":
			py = append(py, p)
		case ".js":
			js = append(js, p)
		case ".go":
			goFiles = append(goFiles, p)
		case ".html", ".htm":
			html = append(html, p)
		}
	}
	sort.Strings(py)
	sort.Strings(js)

	var b strings.Builder
	switch {
	case len(py) > 0:
		entry := py[0]
		for _, candidate := range []string{"main.py", "app.py", "train.py", "pipeline.py"} {
			if has[candidate] {
				entry = candidate
				break
			}
		}
		b.WriteString("FROM python:3.10-slim\nWORKDIR /app\nCOPY . /app\n")
		if has["requirements.txt"] {
			b.WriteString("RUN pip install --no-cache-dir -r requirements.txt || true\n")
		}
		fmt.Fprintf(&b, "EXPOSE %d\nCMD [\"python\", %q]\n", port, entry)
	case len(goFiles) > 0:
		fmt.Fprintf(&b, "FROM golang:1.22-alpine\nWORKDIR /app\nCOPY . /app\nRUN go build -o /bin/app .\nEXPOSE %d\nCMD [\"/bin/app\"]\n", port)
	case has["package.json"] || (len(js) > 0 && len(html) == 0):
		entry := "index.js"
		if !has[entry] && len(js) > 0 {
			entry = js[0]
		}
		b.WriteString("FROM node:20-alpine\nWORKDIR /app\nCOPY . /app\n")
		if has["package.json"] {
			b.WriteString("RUN npm install --omit=dev || true\n")
		}
		fmt.Fprintf(&b, "EXPOSE %d\nCMD [\"node\", %q]\n", port, entry)
	case len(html) > 0:
		b.WriteString("FROM nginx:alpine\nCOPY . /usr/share/nginx/html\nEXPOSE 80\n")
	default:
		return "", fmt.Errorf("no deployable entry point among %d file(s)", len(paths))
	}
	return b.String(), nil
}

// Available reports whether the container tool can be invoked.
func (d *Deployer) Available() bool {
	if _, ok := d.runner.(ExecRunner); !ok {
		return true
	}
	_, err := exec.LookPath(d.cfg.Tool)
	return err == nil
}
