package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"
)

var (
	seedURL    string
	seedCount  int
	seedAttack bool
	seedToken  string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Send synthetic telemetry to a running instance",
	Long: `Generate fake telemetry events and post them to the collect API.
With --attacks a portion of the events carry injection payloads and
brute-force patterns, useful for exercising the detection path.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 10 * time.Second}

		sent := 0
		for i := 0; i < seedCount; i++ {
			ev := fakeEvent(seedAttack && i%4 == 0)
			if err := postEvent(client, seedURL+"/api/v1/collect/backend", ev); err != nil {
				return fmt.Errorf("event %d: %w", i+1, err)
			}
			sent++
		}

		fmt.Printf("sent %d event(s) to %s\n", sent, seedURL)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedURL, "url", "http://localhost:8080", "base URL of the service")
	seedCmd.Flags().IntVar(&seedCount, "count", 50, "number of events to send")
	seedCmd.Flags().BoolVar(&seedAttack, "attacks", false, "include attack-shaped events")
	seedCmd.Flags().StringVar(&seedToken, "token", "", "collector bearer token")
	rootCmd.AddCommand(seedCmd)
}

func fakeEvent(attack bool) map[string]any {
	ev := map[string]any{
		"event_type": "http_request",
		"timestamp":  time.Now().UnixMilli(),
		"ip":         gofakeit.IPv4Address(),
		"user_id":    gofakeit.Username(),
		"session_id": gofakeit.UUID(),
		"request": map[string]any{
			"method": gofakeit.HTTPMethod(),
			"path":   "/" + gofakeit.Word() + "/" + gofakeit.Word(),
			"headers": map[string]any{
				"User-Agent": gofakeit.UserAgent(),
			},
		},
	}

	if attack {
		req := ev["request"].(map[string]any)
		switch gofakeit.Number(0, 2) {
		case 0:
			req["query_params"] = map[string]any{"id": "1' OR 1=1 --"}
		case 1:
			req["body"] = map[string]any{"comment": "<script>document.location='//x'</script>"}
		default:
			req["path"] = "/files/../../../../etc/passwd"
		}
	}

	return ev
}

func postEvent(client *http.Client, url string, ev map[string]any) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if seedToken != "" {
		req.Header.Set("Authorization", "Bearer "+seedToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
