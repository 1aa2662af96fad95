package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mangalytics/mangalytics/internal/app"
	"github.com/mangalytics/mangalytics/internal/config"
	"github.com/mangalytics/mangalytics/internal/types"
)

var (
	subscribeEmail string
	subscribeTopic string
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Run the full pipeline once for an email and topic",
	Long: `Run acquisition, extraction and generation once for the given
subscriber and topic, printing the run summary as JSON.`,
	RunE: runSubscribe,
}

func init() {
	subscribeCmd.Flags().StringVar(&subscribeEmail, "email", "", "Subscriber email address (required)")
	subscribeCmd.Flags().StringVar(&subscribeTopic, "topic", "", "Research topic to search for (required)")
	_ = subscribeCmd.MarkFlagRequired("email")
	_ = subscribeCmd.MarkFlagRequired("topic")
	rootCmd.AddCommand(subscribeCmd)
}

func runSubscribe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	application, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}
	defer application.Close()

	summary, err := application.Run(cmd.Context(), types.SubscriptionRequest{
		Email: subscribeEmail,
		Topic: subscribeTopic,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
