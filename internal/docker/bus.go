package docker

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// Host port range for bus containers. One port per concurrently running
// instance on the same host.
const (
	busPortStart = 6379
	busPortEnd   = 6478
)

// FindAvailableBusPort picks the first host port in the bus range that no
// drey bus container has claimed and that is bindable right now. Claims are
// read from container labels so stopped containers keep their port.
func FindAvailableBusPort(ctx context.Context, cli *client.Client) (int, error) {
	containers, err := BusContainers(ctx, cli, "")
	if err != nil {
		return 0, err
	}

	used := make(map[int]bool)
	for _, c := range containers {
		if portStr, ok := c.Labels[LabelRedisPort]; ok {
			if port, err := strconv.Atoi(portStr); err == nil {
				used[port] = true
			}
		}
	}

	for port := busPortStart; port <= busPortEnd; port++ {
		if used[port] {
			continue
		}
		if isPortBindable(port) {
			return port, nil
		}
	}

	return 0, fmt.Errorf("no available bus ports (range %d-%d exhausted)", busPortStart, busPortEnd)
}

// isPortBindable checks whether the port can currently be bound on localhost.
func isPortBindable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// BusContainers lists drey bus containers, including stopped ones, optionally
// restricted to a single instance.
func BusContainers(ctx context.Context, cli *client.Client, instance string) ([]types.Container, error) {
	filter := filters.NewArgs(
		filters.Arg("label", fmt.Sprintf("%s=true", LabelProject)),
		filters.Arg("label", fmt.Sprintf("%s=redis", LabelComponent)),
	)
	if instance != "" {
		filter.Add("label", fmt.Sprintf("%s=%s", LabelInstanceName, instance))
	}

	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bus containers: %w", err)
	}
	return containers, nil
}

// InstanceContainers lists every drey container belonging to an instance,
// including stopped ones.
func InstanceContainers(ctx context.Context, cli *client.Client, instance string) ([]types.Container, error) {
	filter := filters.NewArgs(
		filters.Arg("label", fmt.Sprintf("%s=true", LabelProject)),
		filters.Arg("label", fmt.Sprintf("%s=%s", LabelInstanceName, instance)),
	)
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instance containers: %w", err)
	}
	return containers, nil
}

// InstanceNetworks lists the Docker networks belonging to an instance.
func InstanceNetworks(ctx context.Context, cli *client.Client, instance string) ([]types.NetworkResource, error) {
	networks, err := cli.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", fmt.Sprintf("%s=%s", LabelInstanceName, instance)),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instance networks: %w", err)
	}
	return networks, nil
}

// CanonicalWorkspacePath resolves the Git root to an absolute, symlink-free
// path. This is the workspace identity recorded in container labels.
func CanonicalWorkspacePath(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return "", fmt.Errorf("failed to get git root: %w", err)
	}
	root := strings.TrimSpace(string(out))

	realPath, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}
	return filepath.Abs(realPath)
}
