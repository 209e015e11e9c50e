// Package main implements the tricortex CLI: start runs the fabric with
// the built-in baseline engines, status reads a running instance's stats
// snapshot, version prints build information.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tricortex/tricortex"
	"github.com/tricortex/tricortex/core"
)

var (
	configPath string
	redisURL   string
	dataDir    string
)

var rootCmd = &cobra.Command{
	Use:   "tricortex",
	Short: "Low-latency decision-coordination fabric",
	Long: `tricortex coordinates decisions across a fast tactical engine, a
strategic engine and a research engine, degrades gracefully when the
local inference path is unhealthy, and learns which risk-control
architecture wins in which market regime.`,
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fabric with the built-in baseline engines",
	RunE:  runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stats snapshot of a running instance",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tricortex %s (api %s, commit %s, built %s)\n",
			tricortex.Version, tricortex.APIVersion, tricortex.GitCommit, tricortex.BuildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL override")
	startCmd.Flags().StringVar(&dataDir, "data-dir", "", "Learning data directory override")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*core.Config, error) {
	var opts []core.Option
	if redisURL != "" {
		opts = append(opts, core.WithRedisURL(redisURL))
	}
	if dataDir != "" {
		opts = append(opts, core.WithDataDir(dataDir))
	}
	if configPath != "" {
		return core.LoadConfigFile(configPath, opts...)
	}
	return core.NewConfig(opts...)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fabric, err := tricortex.New(tricortex.FabricOptions{
		Config:         cfg,
		LocalInference: &baselineInference{},
		ArchA:          &baselineArchitecture{name: "hardcoded_baseline", aggression: 0.5},
		ArchB:          &baselineArchitecture{name: "strategy_layer_baseline", aggression: 1.0},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fabric.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("tricortex %s started (pid %d)\n", tricortex.Version, os.Getpid())

	if fabric.Redis != nil {
		go publishStats(ctx, fabric)
	}

	<-ctx.Done()
	fmt.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fabric.Stop(shutdownCtx)
}

// statsSnapshot is the JSON document a running instance periodically
// writes to the shared KV store.
type statsSnapshot struct {
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Timestamp   time.Time   `json:"timestamp"`
	Bus         interface{} `json:"bus"`
	Coordinator interface{} `json:"coordinator"`
	Soldier     interface{} `json:"soldier,omitempty"`
	Store       interface{} `json:"store"`
}

const statsKey = "stats"

func publishStats(ctx context.Context, fabric *tricortex.Fabric) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := statsSnapshot{
				Name:        fabric.Config.Name,
				Version:     tricortex.Version,
				Timestamp:   time.Now(),
				Bus:         fabric.Bus.GetStats(),
				Coordinator: fabric.Coordinator.GetStatistics(),
				Store:       fabric.Store.GetStats(),
			}
			if fabric.Soldier != nil {
				snapshot.Soldier = fabric.Soldier.GetStats()
			}
			payload, err := json.Marshal(snapshot)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_ = fabric.Redis.Set(writeCtx, statsKey, string(payload), 2*time.Minute)
			cancel()
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled {
		return fmt.Errorf("status requires redis to be enabled")
	}

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.Redis.URL,
		Namespace: cfg.Redis.Namespace,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := client.Get(ctx, statsKey)
	if err != nil {
		return err
	}
	if payload == "" {
		fmt.Println("no running instance found")
		return nil
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &pretty); err != nil {
		return err
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
