package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"greencoins/map-go/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "map-go",
		Short:         "Live complaint map and heatmap service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config (default $"+config.EnvPath+")")

	load := func() (*config.Config, error) {
		_ = godotenv.Load(".env.local")
		path := configPath
		if path == "" {
			path = os.Getenv(config.EnvPath)
		}
		return config.Load(path)
	}

	root.AddCommand(newServeCmd(load), newRenderCmd(load))
	return root
}
