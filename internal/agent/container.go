package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/linkerlin/tgclaw/internal/types"
)

// Markers bracketing the worker's JSON result on stdout.
const (
	OutputStartMarker = "---TGCLAW_OUTPUT_START---"
	OutputEndMarker   = "---TGCLAW_OUTPUT_END---"
)

// ContainerConfig configures the container worker backend.
type ContainerConfig struct {
	Image     string
	Timeout   time.Duration
	MemoryMB  int64
	Network   string
	GroupsDir string
	IPCDir    string
	// InputDir holds the per-invocation input files mounted into containers.
	InputDir string
	Logger   zerolog.Logger
}

// ContainerRunner runs each invocation in a fresh docker container with the
// group's folder and IPC namespace mounted.
type ContainerRunner struct {
	cfg    ContainerConfig
	client *client.Client
	log    zerolog.Logger
}

func NewContainerRunner(cfg ContainerConfig) (*ContainerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 1024
	}
	if cfg.Network == "" {
		cfg.Network = "bridge"
	}
	return &ContainerRunner{
		cfg:    cfg,
		client: cli,
		log:    cfg.Logger.With().Str("component", "container").Logger(),
	}, nil
}

// Run implements Runner.
func (r *ContainerRunner) Run(ctx context.Context, in Input) (Output, error) {
	image := r.cfg.Image
	timeout := r.cfg.Timeout
	var env []string
	if cc := in.Container; cc != nil {
		if cc.Image != "" {
			image = cc.Image
		}
		if cc.TimeoutSeconds > 0 {
			timeout = time.Duration(cc.TimeoutSeconds) * time.Second
		}
		for k, v := range cc.Env {
			env = append(env, k+"="+v)
		}
	}

	inputPath, err := r.writeInput(in)
	if err != nil {
		return Output{}, err
	}
	defer os.Remove(inputPath)

	binds, err := r.binds(in, inputPath)
	if err != nil {
		return Output{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := "tgclaw-" + in.GroupFolder + "-" + uuid.NewString()[:8]
	resp, err := r.client.ContainerCreate(runCtx, &container.Config{
		Image:      image,
		Env:        env,
		WorkingDir: "/workspace/group",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: r.cfg.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(r.cfg.Network),
		Binds:       binds,
	}, nil, nil, name)
	if err != nil {
		return Output{}, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer rmCancel()
		if err := r.client.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			r.log.Warn().Err(err).Str("container", name).Msg("remove container")
		}
	}()

	if err := r.client.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return Output{}, fmt.Errorf("start container: %w", err)
	}

	var exitCode int64
	statusCh, errCh := r.client.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			r.kill(id)
			return failed(fmt.Sprintf("container timed out after %s", timeout)), nil
		}
		return Output{}, fmt.Errorf("wait container: %w", err)
	case st := <-statusCh:
		exitCode = st.StatusCode
	case <-runCtx.Done():
		r.kill(id)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return failed(fmt.Sprintf("container timed out after %s", timeout)), nil
		}
		return Output{}, runCtx.Err()
	}

	logCtx, logCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer logCancel()
	logs, err := r.client.ContainerLogs(logCtx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Output{}, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, logs)

	if exitCode != 0 {
		r.log.Warn().Int64("exit_code", exitCode).Str("group", in.GroupFolder).
			Str("stderr", tail(stderr.String(), 500)).Msg("container exited with error")
		return failed(fmt.Sprintf("container exited with code %d: %s", exitCode, tail(stderr.String(), 200))), nil
	}
	return ParseOutput(stdout.String())
}

func (r *ContainerRunner) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.client.ContainerKill(ctx, id, "SIGKILL")
}

// Close closes the docker client.
func (r *ContainerRunner) Close() error {
	return r.client.Close()
}

func (r *ContainerRunner) writeInput(in Input) (string, error) {
	if err := os.MkdirAll(r.cfg.InputDir, 0o755); err != nil {
		return "", fmt.Errorf("create input dir: %w", err)
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}
	path := filepath.Join(r.cfg.InputDir, in.GroupFolder+"-"+uuid.NewString()+".json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("write input: %w", err)
	}
	return path, nil
}

func (r *ContainerRunner) binds(in Input, inputPath string) ([]string, error) {
	groupDir, err := filepath.Abs(filepath.Join(r.cfg.GroupsDir, in.GroupFolder))
	if err != nil {
		return nil, err
	}
	ipcDir, err := filepath.Abs(filepath.Join(r.cfg.IPCDir, in.GroupFolder))
	if err != nil {
		return nil, err
	}
	for _, d := range []string{groupDir, filepath.Join(ipcDir, "messages"), filepath.Join(ipcDir, "tasks")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	absInput, err := filepath.Abs(inputPath)
	if err != nil {
		return nil, err
	}

	binds := []string{
		groupDir + ":/workspace/group",
		ipcDir + ":/workspace/ipc",
		absInput + ":/workspace/input.json:ro",
	}
	if in.IsMain {
		groupsRoot, err := filepath.Abs(r.cfg.GroupsDir)
		if err != nil {
			return nil, err
		}
		binds = append(binds, groupsRoot+":/workspace/groups:ro")
	}
	if in.Container != nil {
		for _, m := range in.Container.ExtraMounts {
			b, err := extraBind(m)
			if err != nil {
				return nil, err
			}
			binds = append(binds, b)
		}
	}
	return binds, nil
}

func extraBind(m types.Mount) (string, error) {
	if !filepath.IsAbs(m.HostPath) || !filepath.IsAbs(m.ContainerPath) {
		return "", fmt.Errorf("mount %q -> %q: paths must be absolute", m.HostPath, m.ContainerPath)
	}
	if m.ContainerPath == "/workspace" || strings.HasPrefix(m.ContainerPath, "/workspace/") {
		return "", fmt.Errorf("mount %q: /workspace is reserved", m.ContainerPath)
	}
	b := filepath.Clean(m.HostPath) + ":" + filepath.Clean(m.ContainerPath)
	if m.ReadOnly {
		b += ":ro"
	}
	return b, nil
}

// ParseOutput extracts the worker result from stdout. Without markers the
// last non-empty line is tried as JSON.
func ParseOutput(stdout string) (Output, error) {
	payload := ""
	if start := strings.Index(stdout, OutputStartMarker); start >= 0 {
		rest := stdout[start+len(OutputStartMarker):]
		end := strings.Index(rest, OutputEndMarker)
		if end < 0 {
			return failed("worker output is missing the end marker"), nil
		}
		payload = strings.TrimSpace(rest[:end])
	} else {
		lines := strings.Split(strings.TrimSpace(stdout), "\n")
		payload = strings.TrimSpace(lines[len(lines)-1])
	}
	if payload == "" {
		return failed("worker produced no output"), nil
	}

	var out Output
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return failed(fmt.Sprintf("parse worker output: %v", err)), nil
	}
	if out.Status != StatusSuccess && out.Status != StatusError {
		return failed(fmt.Sprintf("worker reported unknown status %q", out.Status)), nil
	}
	return out, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
