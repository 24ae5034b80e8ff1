package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	triggerServer string
	triggerCount  int
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Start a population batch on a running populator",
	Run:   runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerServer, "server", "http://localhost:8080", "populator ops server address")
	triggerCmd.Flags().IntVar(&triggerCount, "count", 10, "number of characters to generate")
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, args []string) {
	body, _ := json.Marshal(map[string]int{"count": triggerCount})

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(triggerServer+"/batch", "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Error("Failed to reach populator", "server", triggerServer, "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		fmt.Printf("Batch not started (%s): %s\n", resp.Status, string(payload))
		os.Exit(1)
	}

	fmt.Printf("Batch started: %s\n", string(payload))
	fmt.Printf("Poll %s/runs/latest for the outcome\n", triggerServer)
}
