package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mangalytics/mangalytics/internal/app"
	"github.com/mangalytics/mangalytics/internal/config"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Start an HTTP server that exposes the pipeline and its individual stages as REST endpoints.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, for example :8080")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	application, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	return application.Serve()
}
