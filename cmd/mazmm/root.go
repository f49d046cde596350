package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"mazmm/config"
	"mazmm/firmware"
	"mazmm/klog"
	"mazmm/memory"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:   "mazmm",
	Short: "Boot and inspect the kernel memory manager on a simulated machine",
	Long: `mazmm powers on a simulated x86-64 machine, boots the kernel memory
manager on it (page allocator, page tables, heap) and reports what it did.
Scripts of allocation and mapping commands can be run against the booted
manager, and its state can be rendered to an image.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads --config, or the defaults when it is not set.
func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// setupLogging sends diagnostics to w as configured.
func setupLogging(cfg config.Config, w io.Writer) {
	level := klog.ParseLevel(cfg.Log.Level)
	if verbose {
		level = slog.LevelDebug
	}
	klog.Init(klog.Options{Writer: w, Level: level, JSON: cfg.Log.JSON})
}

// bootManager powers on the configured machine and boots the manager on
// it. The caller closes the machine.
func bootManager(cfg config.Config) (*firmware.Machine, *memory.Manager, error) {
	klog.Debug("powering on", "ram", cfg.Machine.RAMSize.String(), "kernel", cfg.Machine.KernelSize.String())
	machine, err := firmware.PowerOn(cfg.Machine)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to power on: %w", err)
	}
	info, err := machine.BootInfo()
	if err != nil {
		machine.Close()
		return nil, nil, fmt.Errorf("failed to read boot info: %w", err)
	}
	m, err := memory.Boot(cfg.Memory, machine.RAM, machine.CPU, info)
	if err != nil {
		klog.Error("memory manager boot failed", "err", err)
		machine.Close()
		return nil, nil, fmt.Errorf("boot failed: %w", err)
	}
	klog.Info("memory manager booted",
		"arena", fmt.Sprintf("0x%x", info.ArenaBase),
		"free", m.FreeMemory())
	return machine, m, nil
}

// prepare loads the configuration, sets up logging and boots.
func prepare(stderr io.Writer) (config.Config, *firmware.Machine, *memory.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	setupLogging(cfg, stderr)
	machine, m, err := bootManager(cfg)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	return cfg, machine, m, nil
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
