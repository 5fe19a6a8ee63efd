package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	deadLetterLimit  int
	deadLetterOffset int
)

// deadLetterItem mirrors the server's dead letter response.
type deadLetterItem struct {
	ID         string `json:"id"`
	DispatchID string `json:"dispatch_id"`
	Channel    string `json:"channel"`
	Endpoint   string `json:"endpoint,omitempty"`
	Reason     string `json:"reason"`
	Attempts   []struct {
		Attempt     int       `json:"attempt"`
		Outcome     string    `json:"outcome"`
		Error       string    `json:"error,omitempty"`
		AttemptedAt time.Time `json:"attempted_at"`
	} `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
}

// deadLetterCmd represents the deadletter command group
var deadLetterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Dead-lettered notification commands",
	Long: `Commands for inspecting and replaying notifications that
exhausted their delivery attempts.

Examples:
  # List dead letters
  flarectl deadletter list

  # Show one with its attempt history
  flarectl deadletter show 91cc...

  # Replay after fixing the channel
  flarectl deadletter replay 91cc...`,
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(deadLetterLimit))
		params.Set("offset", strconv.Itoa(deadLetterOffset))

		var result struct {
			Items []deadLetterItem `json:"items"`
			Total int              `json:"total"`
		}
		if err := apiCall("GET", "/api/v1/deadletters?"+params.Encode(), nil, &result); err != nil {
			return err
		}

		if GetOutput() == "json" {
			printJSON(result.Items)
			return nil
		}

		if len(result.Items) == 0 {
			fmt.Println("No dead letters found.")
			return nil
		}

		fmt.Printf("\n%-36s  %-10s  %-24s  %-8s  %-10s  %s\n",
			"ID", "CHANNEL", "REASON", "ATTEMPTS", "REPLAYED", "CREATED")
		fmt.Println(strings.Repeat("-", 110))
		for _, e := range result.Items {
			replayed := "no"
			if e.ReplayedAt != nil {
				replayed = "yes"
			}
			fmt.Printf("%-36s  %-10s  %-24s  %-8d  %-10s  %s\n",
				e.ID,
				e.Channel,
				truncate(e.Reason, 24),
				len(e.Attempts),
				replayed,
				e.CreatedAt.Format("2006-01-02 15:04"),
			)
		}
		fmt.Printf("\nTotal: %d dead letter(s)\n", result.Total)
		return nil
	},
}

var deadLetterShowCmd = &cobra.Command{
	Use:   "show <deadletter-id>",
	Short: "Show a dead letter with its attempt history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var e deadLetterItem
		if err := apiCall("GET", "/api/v1/deadletters/"+args[0], nil, &e); err != nil {
			return err
		}

		if GetOutput() == "json" {
			printJSON(e)
			return nil
		}

		fmt.Printf("ID:        %s\n", e.ID)
		fmt.Printf("Dispatch:  %s\n", e.DispatchID)
		fmt.Printf("Channel:   %s\n", e.Channel)
		if e.Endpoint != "" {
			fmt.Printf("Endpoint:  %s\n", e.Endpoint)
		}
		fmt.Printf("Reason:    %s\n", e.Reason)
		fmt.Printf("Created:   %s\n", e.CreatedAt.Format(time.RFC3339))
		if e.ReplayedAt != nil {
			fmt.Printf("Replayed:  %s\n", e.ReplayedAt.Format(time.RFC3339))
		}

		if len(e.Attempts) > 0 {
			fmt.Println("\nAttempts:")
			for _, a := range e.Attempts {
				line := fmt.Sprintf("  #%d  %-9s  %s", a.Attempt, a.Outcome, a.AttemptedAt.Format(time.RFC3339))
				if a.Error != "" {
					line += "  " + truncate(a.Error, 60)
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

var deadLetterReplayCmd = &cobra.Command{
	Use:   "replay <deadletter-id>",
	Short: "Replay a dead-lettered notification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall("POST", "/api/v1/deadletters/"+args[0]+"/replay", nil, nil); err != nil {
			return err
		}
		fmt.Printf("Dead letter %s queued for redelivery.\n", args[0])
		return nil
	},
}

func init() {
	deadLetterListCmd.Flags().IntVar(&deadLetterLimit, "limit", 50, "maximum entries to return")
	deadLetterListCmd.Flags().IntVar(&deadLetterOffset, "offset", 0, "listing offset")

	deadLetterCmd.AddCommand(deadLetterListCmd)
	deadLetterCmd.AddCommand(deadLetterShowCmd)
	deadLetterCmd.AddCommand(deadLetterReplayCmd)

	rootCmd.AddCommand(deadLetterCmd)
}
