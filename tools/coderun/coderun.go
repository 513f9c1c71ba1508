// Package coderun executes model-written Python in a throwaway Docker
// container: no network, read-only rootfs, capped memory, cpu and
// pids. The container is removed after every run, success or not.
package coderun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	gryag "github.com/ThatHunky/gryag-sub007"
)

// dockerAPI is the slice of the Docker client the tool uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, container string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// Tool runs Python snippets in a sandbox container.
type Tool struct {
	image   string
	timeout time.Duration

	mu     sync.Mutex
	api    dockerAPI
	newAPI func() (dockerAPI, error)
}

// Option configures the sandbox tool.
type Option func(*Tool)

// WithTimeout overrides the default 30-second execution cap.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) { t.timeout = d }
}

// WithClient injects a Docker client, mainly for tests.
func WithClient(api dockerAPI) Option {
	return func(t *Tool) { t.api = api }
}

// New creates the sandbox tool. The Docker connection is established
// lazily on first use, so a missing daemon only fails executions, not
// startup.
func New(sandboxImage string, opts ...Option) *Tool {
	t := &Tool{
		image:   sandboxImage,
		timeout: 30 * time.Second,
		newAPI: func() (dockerAPI, error) {
			return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definitions() []gryag.ToolDefinition {
	return []gryag.ToolDefinition{{
		Name:        "run_code",
		Description: "Execute a Python snippet in an isolated sandbox without network access and return its output. Use for computations, data wrangling, or checking how code behaves.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"code":{"type":"string","description":"Python source to run"}},"required":["code"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (gryag.ToolResult, error) {
	var params struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return gryag.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(params.Code) == "" {
		return gryag.ToolResult{Error: "code is required"}, nil
	}

	api, err := t.client()
	if err != nil {
		return gryag.ToolResult{Error: "sandbox unavailable: " + err.Error()}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	output, exit, err := t.run(ctx, api, params.Code)
	if len(output) > 4000 {
		output = output[:4000] + "\n... (truncated)"
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return gryag.ToolResult{Content: output, Error: fmt.Sprintf("execution timed out after %s", t.timeout)}, nil
		}
		return gryag.ToolResult{Content: output, Error: err.Error()}, nil
	}
	if exit != 0 {
		// Output carries the traceback so the model can correct itself.
		return gryag.ToolResult{Content: output, Error: fmt.Sprintf("exit code %d", exit)}, nil
	}
	if output == "" {
		output = "(no output)"
	}
	return gryag.ToolResult{Content: output}, nil
}

// client returns the lazily created Docker connection.
func (t *Tool) client() (dockerAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.api != nil {
		return t.api, nil
	}
	api, err := t.newAPI()
	if err != nil {
		return nil, err
	}
	t.api = api
	return api, nil
}

// run creates, starts and waits for one container, then collects its
// combined output.
func (t *Tool) run(ctx context.Context, api dockerAPI, code string) (string, int64, error) {
	pids := int64(64)
	cfg := &container.Config{
		Image:           t.image,
		Cmd:             strslice.StrSlice{"python", "-c", code},
		WorkingDir:      "/tmp",
		User:            "nobody",
		NetworkDisabled: true,
	}
	host := &container.HostConfig{
		ReadonlyRootfs: true,
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "size=16m"},
		Resources: container.Resources{
			Memory:    256 << 20,
			NanoCPUs:  500_000_000,
			PidsLimit: &pids,
		},
	}

	created, err := api.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if client.IsErrNotFound(err) {
		if pullErr := t.pull(ctx, api); pullErr != nil {
			return "", 0, fmt.Errorf("pull %s: %w", t.image, pullErr)
		}
		created, err = api.ContainerCreate(ctx, cfg, host, nil, nil, "")
	}
	if err != nil {
		return "", 0, fmt.Errorf("create sandbox: %w", err)
	}
	defer t.remove(api, created.ID)

	if err := api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", 0, fmt.Errorf("start sandbox: %w", err)
	}

	waitC, errC := api.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exit int64
	select {
	case w := <-waitC:
		exit = w.StatusCode
	case err := <-errC:
		return "", 0, err
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}

	output, err := t.logs(ctx, api, created.ID)
	if err != nil {
		return "", exit, fmt.Errorf("read sandbox output: %w", err)
	}
	return output, exit, nil
}

// logs collects the demultiplexed container output, stdout first.
func (t *Tool) logs(ctx context.Context, api dockerAPI, id string) (string, error) {
	rc, err := api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", err
	}

	out := strings.TrimRight(stdout.String(), "\n")
	if stderr.Len() > 0 {
		if out != "" {
			out += "\n--- stderr ---\n"
		}
		out += strings.TrimRight(stderr.String(), "\n")
	}
	return out, nil
}

func (t *Tool) pull(ctx context.Context, api dockerAPI) error {
	rc, err := api.ImagePull(ctx, t.image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// remove force-deletes the container on its own deadline; the run
// context may already be expired.
func (t *Tool) remove(api dockerAPI, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}
