package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"forgecache.dev/go/forgecache/internal/service"
)

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
	serviceCmd.AddCommand(serviceLogsCmd)

	serviceLogsCmd.Flags().IntP("lines", "n", 50, "number of log lines to show")
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the background service",
	Long: `Install and control forgecache as a user-level background service.

On Linux this uses a systemd user unit, on macOS a launchd agent, and
on Windows a scheduled task.`,
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the daemon as a background service",
	RunE: func(cmd *cobra.Command, args []string) error {
		inst := service.NewInstaller()
		if err := inst.Install(); err != nil {
			if errors.Is(err, service.ErrAlreadyInstalled{}) {
				fmt.Println("Service is already installed")
				return nil
			}
			return err
		}
		if err := inst.Enable(); err != nil {
			return fmt.Errorf("enable service: %w", err)
		}
		if err := inst.Start(); err != nil {
			return fmt.Errorf("start service: %w", err)
		}
		fmt.Println("Service installed and started")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the background service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := service.NewInstaller().Uninstall(); err != nil {
			if errors.Is(err, service.ErrNotInstalled{}) {
				fmt.Println("Service is not installed")
				return nil
			}
			return err
		}
		fmt.Println("Service removed")
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the background service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := service.NewInstaller().Start(); err != nil {
			return err
		}
		fmt.Println("Service started")
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := service.NewInstaller().Stop(); err != nil {
			return err
		}
		fmt.Println("Service stopped")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show background service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := service.NewInstaller().Status()
		if err != nil {
			return err
		}
		if !status.Installed {
			fmt.Println("Service:  not installed")
			return nil
		}
		fmt.Println("Service:  installed")
		if status.Running {
			fmt.Printf("State:    running (pid %d)\n", status.PID)
			if status.Uptime > 0 {
				fmt.Printf("Uptime:   %s\n", formatDuration(status.Uptime))
			}
		} else {
			fmt.Println("State:    stopped")
		}
		return nil
	},
}

var serviceLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent service logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, _ := cmd.Flags().GetInt("lines")
		out, err := service.NewInstaller().Logs(lines)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}
