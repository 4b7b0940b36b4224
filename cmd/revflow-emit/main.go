// revflow-emit sends synthetic events through the full SDK pipeline to
// smoke-test an API key against a deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	analytics "github.com/RevenuePilot/analytics-go"
	"github.com/RevenuePilot/analytics-go/internal/common"
	"github.com/RevenuePilot/analytics-go/internal/contextinfo"
)

func main() {
	configPath := flag.String("config", os.Getenv("REVFLOW_CONFIG"), "path to TOML config file")
	count := flag.Int("count", 5, "number of test events to emit")
	event := flag.String("event", "smoke_test", "event name to emit")
	wait := flag.Duration("wait", 10*time.Second, "time to wait for delivery before closing")
	flag.Parse()

	config, err := common.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if config.APIKey == "" {
		fmt.Fprintln(os.Stderr, "An API key is required (config api_key or REVFLOW_API_KEY)")
		os.Exit(1)
	}

	logger := common.NewLogger(config.Logging.Level)
	common.PrintBanner(config, logger)

	client, err := analytics.New(config,
		analytics.WithLogger(logger),
		analytics.WithAppDescriptor(contextinfo.AppDescriptor{
			Name:    "revflow-emit",
			Version: common.GetVersion(),
			Build:   common.GetBuild(),
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize client: %v\n", err)
		os.Exit(1)
	}

	for i := 0; i < *count; i++ {
		client.Track(*event, map[string]any{
			"sequence": i,
			"source":   "revflow-emit",
		})
	}
	client.Flush()

	logger.Info().Int("count", *count).Str("event", *event).Msg("Events emitted, waiting for delivery")

	deadline := time.Now().Add(*wait)
	for time.Now().Before(deadline) {
		size, err := client.Size(context.Background())
		if err == nil && size == 0 {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}

	size, _ := client.Size(context.Background())
	if err := client.Close(); err != nil {
		logger.Warn().Err(err).Msg("Close reported an error")
	}

	if size > 0 {
		fmt.Fprintf(os.Stderr, "%d events still buffered; they will deliver on the next run\n", size)
		os.Exit(2)
	}
	fmt.Println("All events handed to delivery")
}
