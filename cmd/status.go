package cmd

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusServer string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the health endpoint of a running pubobs instance",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusServer, "server", "http://localhost:8080", "pubobs server URL")
	rootCmd.AddCommand(statusCmd)
}

type healthReport struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Uptime   string `json:"uptime"`
	Timezone string `json:"timezone"`
	MQTT     struct {
		Connected bool `json:"connected"`
		Topics    int  `json:"topics"`
	} `json:"mqtt"`
	Database struct {
		Driver            string `json:"driver"`
		Status            string `json:"status"`
		SizeBytes         int64  `json:"size_bytes"`
		TotalObservations int    `json:"total_observations"`
		DataRangeOldest   string `json:"data_range_oldest"`
		DataRangeNewest   string `json:"data_range_newest"`
	} `json:"database"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
	resp, err := client.Get(statusServer + "/api/v1/health")
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", statusServer, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %s", resp.Status)
	}

	var health healthReport
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&health); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	printHealth(cmd.OutOrStdout(), &health)
	return nil
}

func printHealth(w io.Writer, h *healthReport) {
	fmt.Fprintf(w, "pubobs %s\n", h.Version)
	fmt.Fprintf(w, "Status: %s\n", h.Status)
	fmt.Fprintf(w, "Uptime: %s\n", h.Uptime)
	fmt.Fprintf(w, "Timezone: %s\n", h.Timezone)
	fmt.Fprintln(w)

	mqttState := "disconnected"
	if h.MQTT.Connected {
		mqttState = "connected"
	}
	fmt.Fprintf(w, "MQTT: %s (%d topics)\n", mqttState, h.MQTT.Topics)

	fmt.Fprintf(w, "Database: %s (%s)\n", h.Database.Driver, h.Database.Status)
	if h.Database.SizeBytes > 0 {
		fmt.Fprintf(w, "  Size: %s\n", formatBytes(h.Database.SizeBytes))
	}
	if h.Database.TotalObservations > 0 {
		fmt.Fprintf(w, "  Observations: %s\n", formatNumber(h.Database.TotalObservations))
	}
	if h.Database.DataRangeOldest != "" {
		fmt.Fprintf(w, "  Data range: %s to %s\n", h.Database.DataRangeOldest, h.Database.DataRangeNewest)
	}
}

// formatNumber formats an integer with comma separators (e.g., 1,247,832).
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
