package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/spf13/cobra"

	dockerpkg "github.com/dyluth/drey/internal/docker"
	"github.com/dyluth/drey/internal/printer"
)

var busImage string

var busCmd = &cobra.Command{
	Use:   "bus",
	Short: "Manage the redis event bus",
	Long: `Manage the optional redis event bus for this instance.

The bus carries live run events (for 'drey watch') and lets operators on
other machines answer decisions remotely. Runs work fine without it; state
always lives in the den on disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var busUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Start a redis bus container for this instance",
	Long: `Start a redis container for this instance on an isolated Docker network,
published on a localhost port.

The port is chosen automatically; each instance on this host gets its own.
Point drey at it with DREY_REDIS_URL or bus.redis_url in drey.yml.`,
	RunE: runBusUp,
}

var busDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop and remove this instance's bus",
	RunE:  runBusDown,
}

var busStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List bus containers across instances",
	RunE:  runBusStatus,
}

func init() {
	busUpCmd.Flags().StringVar(&busImage, "image", "redis:7-alpine", "Redis image to run")
	busCmd.AddCommand(busUpCmd)
	busCmd.AddCommand(busDownCmd)
	busCmd.AddCommand(busStatusCmd)
	rootCmd.AddCommand(busCmd)
}

func runBusUp(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	existing, err := dockerpkg.BusContainers(ctx, cli, cfg.Instance)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return printer.Error(
			fmt.Sprintf("bus for instance %q already exists", cfg.Instance),
			fmt.Sprintf("Found container %s.", containerName(existing[0])),
			[]string{
				"Stop it first:\n  drey bus down",
				"Or use a different instance name in drey.yml",
			},
		)
	}

	workspace, err := dockerpkg.CanonicalWorkspacePath(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	if err := createBus(ctx, cli, cfg.Instance, workspace); err != nil {
		fmt.Println("\nBus creation failed. Rolling back...")
		if rbErr := rollbackBus(ctx, cli, cfg.Instance); rbErr != nil {
			printer.Warning("rollback encountered errors: %v\n", rbErr)
		}
		return fmt.Errorf("failed to start bus: %w", err)
	}
	return nil
}

// createBus allocates a port, creates the instance network, and starts the
// redis container on it.
func createBus(ctx context.Context, cli *client.Client, instance, workspace string) error {
	port, err := dockerpkg.FindAvailableBusPort(ctx, cli)
	if err != nil {
		return fmt.Errorf("failed to allocate bus port: %w", err)
	}
	printer.Success("Allocated port: %d\n", port)

	runID := dockerpkg.GenerateRunID()
	networkName := dockerpkg.NetworkName(instance)

	_, err = cli.NetworkCreate(ctx, networkName, types.NetworkCreate{
		Driver: "bridge",
		Labels: dockerpkg.BuildLabels(instance, runID, workspace, ""),
	})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", networkName, err)
	}
	printer.Success("Created network: %s\n", networkName)

	redisName := dockerpkg.RedisContainerName(instance)
	labels := dockerpkg.BuildLabels(instance, runID, workspace, "redis")
	labels[dockerpkg.LabelRedisPort] = fmt.Sprintf("%d", port)

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:  busImage,
		Labels: labels,
		ExposedPorts: nat.PortSet{
			"6379/tcp": struct{}{},
		},
	}, &container.HostConfig{
		NetworkMode: container.NetworkMode(networkName),
		PortBindings: nat.PortMap{
			"6379/tcp": []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: fmt.Sprintf("%d", port),
				},
			},
		},
	}, nil, nil, redisName)
	if err != nil {
		return fmt.Errorf("failed to create bus container: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start bus container: %w", err)
	}
	printer.Success("Started bus container: %s\n", redisName)

	url := fmt.Sprintf("redis://127.0.0.1:%d", port)
	fmt.Printf("\nBus for instance '%s' is up.\n\n", instance)
	fmt.Printf("Point drey at it:\n")
	fmt.Printf("  export DREY_REDIS_URL=%s\n", url)
	fmt.Printf("or set bus.redis_url in drey.yml.\n\n")
	fmt.Printf("Docker workers on network %s reach it at redis://%s:6379.\n\n", networkName, redisName)
	fmt.Printf("Next steps:\n")
	fmt.Printf("  1. drey run\n")
	fmt.Printf("  2. drey watch   (in another terminal)\n")
	fmt.Printf("  3. drey bus down when finished\n")
	return nil
}

// rollbackBus removes every container and network of the instance. Used
// both for up's failure path and for down.
func rollbackBus(ctx context.Context, cli *client.Client, instance string) error {
	timeout := 10

	containers, err := dockerpkg.InstanceContainers(ctx, cli, instance)
	if err != nil {
		return err
	}
	for _, c := range containers {
		name := containerName(c)
		fmt.Printf("  Stopping %s...\n", name)
		_ = cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout})

		fmt.Printf("  Removing %s...\n", name)
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			printer.Warning("failed to remove %s: %v\n", name, err)
		}
	}

	networks, err := dockerpkg.InstanceNetworks(ctx, cli, instance)
	if err != nil {
		return err
	}
	for _, net := range networks {
		fmt.Printf("  Removing network %s...\n", net.Name)
		if err := cli.NetworkRemove(ctx, net.ID); err != nil {
			printer.Warning("failed to remove network %s: %v\n", net.Name, err)
		}
	}
	return nil
}

func runBusDown(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	containers, err := dockerpkg.InstanceContainers(ctx, cli, cfg.Instance)
	if err != nil {
		return err
	}
	networks, err := dockerpkg.InstanceNetworks(ctx, cli, cfg.Instance)
	if err != nil {
		return err
	}
	if len(containers) == 0 && len(networks) == 0 {
		fmt.Printf("No bus found for instance '%s'\n", cfg.Instance)
		return nil
	}

	if err := rollbackBus(ctx, cli, cfg.Instance); err != nil {
		return err
	}
	printer.Success("Instance '%s' bus removed\n", cfg.Instance)
	return nil
}

func runBusStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cli, err := dockerpkg.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	containers, err := dockerpkg.BusContainers(ctx, cli, "")
	if err != nil {
		return err
	}
	if len(containers) == 0 {
		fmt.Println("No bus containers found")
		fmt.Println("\nStart one with:\n  drey bus up")
		return nil
	}

	fmt.Printf("%-15s %-25s %-10s %-8s %s\n", "INSTANCE", "CONTAINER", "STATE", "PORT", "URL")
	fmt.Printf("%-15s %-25s %-10s %-8s %s\n",
		"---------------", "-------------------------", "----------", "--------", "----------------------------")
	for _, c := range containers {
		instance := c.Labels[dockerpkg.LabelInstanceName]
		port := c.Labels[dockerpkg.LabelRedisPort]
		url := "-"
		if port != "" && c.State == "running" {
			url = fmt.Sprintf("redis://127.0.0.1:%s", port)
		}
		fmt.Printf("%-15s %-25s %-10s %-8s %s\n",
			instance, containerName(c), c.State, port, url)
	}
	return nil
}

// containerName strips the leading slash Docker puts on container names.
func containerName(c types.Container) string {
	if len(c.Names) == 0 {
		return c.ID[:12]
	}
	return strings.TrimPrefix(c.Names[0], "/")
}
