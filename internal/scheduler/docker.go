package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
)

const (
	labelManagedBy = "runcore.managed-by"
	labelRunID     = "runcore.run-id"
	labelRequestID = "runcore.request-id"
	managedByValue = "runcore"

	stopTimeout = 10 * time.Second
)

// DockerRuntime implements Runtime using the Docker Engine API. It launches
// one-shot run workers rather than long-lived agent containers, but the
// adapter shape — label-scoped Launch/Inspect/List/Delete over the Docker
// client — is unchanged from the container-orchestration pattern it is
// grounded on.
type DockerRuntime struct {
	client  *dockerclient.Client
	network string
}

// NewDockerRuntime creates a Docker runtime adapter on the given network,
// using DOCKER_HOST / the default socket for connection details.
func NewDockerRuntime(networkName string) (*DockerRuntime, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: docker client: %w", err)
	}
	if networkName == "" {
		networkName = managedByValue
	}
	return &DockerRuntime{client: cli, network: networkName}, nil
}

// EnsureNetwork creates the runcore Docker network if it does not exist.
func (r *DockerRuntime) EnsureNetwork(ctx context.Context) error {
	nets, err := r.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", r.network)),
	})
	if err != nil {
		return fmt.Errorf("scheduler: list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == r.network {
			return nil
		}
	}
	_, err = r.client.NetworkCreate(ctx, r.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("scheduler: create network %q: %w", r.network, err)
	}
	return nil
}

func containerNameFor(requestID string) string {
	return "runcore-worker-" + requestID
}

// Launch creates and starts a one-shot worker container from spec.
// Idempotent: if a container already exists for spec.RequestID, its handle is
// returned rather than creating a duplicate, satisfying the idempotent-launch
// requirement (spec.md §4.3, testable property 7).
func (r *DockerRuntime) Launch(ctx context.Context, spec WorkerSpec) (WorkerHandle, error) {
	if spec.Image == "" {
		return "", &PermanentError{Err: errors.New("spec.Image is required")}
	}
	if spec.RequestID == "" {
		return "", &PermanentError{Err: errors.New("spec.RequestID is required")}
	}

	name := containerNameFor(spec.RequestID)

	if existing, err := r.client.ContainerInspect(ctx, name); err == nil {
		return WorkerHandle(existing.ID), nil
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelRunID:     spec.RunID,
		labelRequestID: spec.RequestID,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
	}

	resources, err := resourcesFromSpec(spec.Resources)
	if err != nil {
		return "", &PermanentError{Err: fmt.Errorf("scheduler: invalid resource spec: %w", err)}
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
		Resources:     resources,
	}

	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			r.network: {},
		},
	}

	resp, err := r.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, name)
	if err != nil {
		return "", classifyDockerError(err)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", classifyDockerError(err)
	}

	return WorkerHandle(resp.ID), nil
}

// Inspect reports the live status of a previously-launched worker.
func (r *DockerRuntime) Inspect(ctx context.Context, handle WorkerHandle) (Status, error) {
	inspect, err := r.client.ContainerInspect(ctx, string(handle))
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return Status{Handle: handle, Phase: PhaseUnknown}, nil
		}
		return Status{}, fmt.Errorf("scheduler: inspect %s: %w", handle, err)
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	finishedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)

	phase := PhaseActive
	switch {
	case inspect.State.Running:
		phase = PhaseActive
	case inspect.State.ExitCode == 0 && !finishedAt.IsZero():
		phase = PhaseSucceeded
	case !finishedAt.IsZero():
		phase = PhaseFailed
	}

	return Status{
		Handle:     handle,
		Phase:      phase,
		ExitCode:   inspect.State.ExitCode,
		Error:      inspect.State.Error,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}, nil
}

// Delete idempotently stops and removes a worker's container.
func (r *DockerRuntime) Delete(ctx context.Context, handle WorkerHandle) error {
	timeout := int(stopTimeout.Seconds())
	_ = r.client.ContainerStop(ctx, string(handle), container.StopOptions{Timeout: &timeout})

	if err := r.client.ContainerRemove(ctx, string(handle), container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("scheduler: remove %s: %w", handle, err)
	}
	return nil
}

// List returns every runcore-managed worker container.
func (r *DockerRuntime) List(ctx context.Context) ([]WorkerHandle, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedByValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: list: %w", err)
	}

	handles := make([]WorkerHandle, 0, len(containers))
	for _, c := range containers {
		handles = append(handles, WorkerHandle(c.ID))
	}
	return handles, nil
}

// resourcesFromSpec parses spec's Kubernetes-style quantity strings
// ("250m" CPU, "256Mi" memory) into the nano-CPU / byte counts
// container.Resources expects, so the resource requests spec.md §4.3 (d)
// requires as part of the launch contract reach ContainerCreate. Memory
// maps to MemoryReservation (request) and Memory (limit). CPU has a single
// target, NanoCPUs: the CPU limit is used when set, and the CPU request is
// used only when no CPU limit is set; with both set, the request does not
// reach the container.
func resourcesFromSpec(spec ResourceSpec) (container.Resources, error) {
	var res container.Resources

	if spec.CPURequest != "" {
		nano, err := parseCPUQuantity(spec.CPURequest)
		if err != nil {
			return res, fmt.Errorf("cpu request %q: %w", spec.CPURequest, err)
		}
		res.NanoCPUs = nano
	}
	if spec.CPULimit != "" {
		nano, err := parseCPUQuantity(spec.CPULimit)
		if err != nil {
			return res, fmt.Errorf("cpu limit %q: %w", spec.CPULimit, err)
		}
		res.NanoCPUs = nano
	}
	if spec.MemoryRequest != "" {
		bytes, err := parseMemoryQuantity(spec.MemoryRequest)
		if err != nil {
			return res, fmt.Errorf("memory request %q: %w", spec.MemoryRequest, err)
		}
		res.MemoryReservation = bytes
	}
	if spec.MemoryLimit != "" {
		bytes, err := parseMemoryQuantity(spec.MemoryLimit)
		if err != nil {
			return res, fmt.Errorf("memory limit %q: %w", spec.MemoryLimit, err)
		}
		res.Memory = bytes
	}

	return res, nil
}

// parseCPUQuantity parses a Kubernetes-style CPU quantity ("250m" = 250
// millicpu, "1" = one whole CPU) into nano-CPUs, the unit
// container.Resources.NanoCPUs expects (1 CPU = 1e9 nano-CPUs).
func parseCPUQuantity(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "m") {
		milli, err := strconv.ParseInt(strings.TrimSuffix(s, "m"), 10, 64)
		if err != nil {
			return 0, err
		}
		return milli * 1e6, nil
	}
	cpus, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(cpus * 1e9), nil
}

// memoryUnits maps the Kubernetes-style binary memory suffixes this
// project's config uses ("Ki", "Mi", "Gi", "Ti") to their byte multiplier.
// Decimal suffixes ("K", "M", "G", "T") are accepted too, matching the
// config defaults' plain-integer fallback.
var memoryUnits = map[string]int64{
	"Ki": 1 << 10, "Mi": 1 << 20, "Gi": 1 << 30, "Ti": 1 << 40,
	"K": 1e3, "M": 1e6, "G": 1e9, "T": 1e12,
}

// parseMemoryQuantity parses a Kubernetes-style memory quantity ("256Mi",
// "1Gi", or a plain byte count) into a byte count.
func parseMemoryQuantity(s string) (int64, error) {
	s = strings.TrimSpace(s)
	for suffix, multiplier := range memoryUnits {
		if strings.HasSuffix(s, suffix) {
			n, err := strconv.ParseInt(strings.TrimSuffix(s, suffix), 10, 64)
			if err != nil {
				return 0, err
			}
			return n * multiplier, nil
		}
	}
	return strconv.ParseInt(s, 10, 64)
}

func classifyDockerError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such image"),
		strings.Contains(msg, "invalid reference format"),
		strings.Contains(msg, "pull access denied"):
		return &PermanentError{Err: err}
	default:
		return &TransientError{Err: err}
	}
}
