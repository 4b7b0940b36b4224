package common

import (
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/banner"
)

// PrintBanner displays the CLI startup banner to stderr.
func PrintBanner(config *Config, logger *Logger) {
	version := GetVersion()
	build := GetBuild()
	commit := GetGitCommit()

	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 70
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	art := []string{
		` 8888888b.  8888888888 888     888 8888888888 888      .d88888b.  888       888`,
		` 888   Y88b 888        888     888 888        888     d88P" "Y88b 888   o   888`,
		` 888    888 888        888     888 888        888     888     888 888  d8b  888`,
		` 888   d88P 8888888    Y88b   d88P 8888888    888     888     888 888 d888b 888`,
		` 8888888P"  888         Y88b d88P  888        888     888     888 888d88888b888`,
		` 888 T88b   888          Y88o88P   888        888     888     888 88888P Y88888`,
		` 888  T88b  888           Y888P    888        888     Y88b. .d88P 8888P   Y8888`,
		` 888   T88b 8888888888     Y8P     888        88888888 "Y88888P"  888P     Y888`,
	}

	fmt.Fprintf(os.Stderr, "\n%s\n\n", hr)
	for _, line := range art {
		fmt.Fprintf(os.Stderr, "%s%s%s\n", textColor, line, banner.ColorReset)
	}
	fmt.Fprintf(os.Stderr, "\n%s  Analytics Event Pipeline%s\n", textColor, banner.ColorReset)
	fmt.Fprintf(os.Stderr, "\n%s\n\n", hr)

	kvPad := 16
	kvLines := [][2]string{
		{"Version", version},
		{"Build", build},
		{"Commit", commit},
		{"Server URL", config.ServerURL},
		{"Queue", config.QueueName},
		{"Data Path", config.Storage.DataPath},
	}
	for _, kv := range kvLines {
		fmt.Fprintf(os.Stderr, "%s  %-*s %s%s\n", textColor, kvPad, kv[0], kv[1], banner.ColorReset)
	}

	fmt.Fprintf(os.Stderr, "\n%s\n\n", hr)

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("commit", commit).
		Str("server_url", config.ServerURL).
		Str("queue", config.QueueName).
		Msg("Revflow emitter started")
}
