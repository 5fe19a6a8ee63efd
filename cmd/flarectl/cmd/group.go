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
	groupTenant      string
	groupProject     string
	groupEnvironment string
	groupLimit       int
	groupOffset      int
)

// groupItem mirrors the server's group response.
type groupItem struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	ProjectID       string    `json:"project_id"`
	Environment     string    `json:"environment"`
	Fingerprint     string    `json:"fingerprint"`
	ErrorType       string    `json:"error_type"`
	SampleMessage   string    `json:"sample_message"`
	OccurrenceCount int64     `json:"occurrence_count"`
	Status          string    `json:"status"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// groupCmd represents the group command group
var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Error group commands",
	Long: `Commands for inspecting and managing error groups.

Examples:
  # List groups for a tenant
  flarectl group list --tenant acme

  # Show a single group
  flarectl group show 3f2a...

  # Change group status
  flarectl group resolve 3f2a...
  flarectl group mute 3f2a...
  flarectl group reopen 3f2a...`,
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List error groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		if groupTenant == "" {
			return fmt.Errorf("--tenant is required")
		}

		params := url.Values{}
		params.Set("tenant_id", groupTenant)
		if groupProject != "" {
			params.Set("project_id", groupProject)
		}
		if groupEnvironment != "" {
			params.Set("environment", groupEnvironment)
		}
		params.Set("limit", strconv.Itoa(groupLimit))
		params.Set("offset", strconv.Itoa(groupOffset))

		var result struct {
			Items []groupItem `json:"items"`
		}
		if err := apiCall("GET", "/api/v1/groups?"+params.Encode(), nil, &result); err != nil {
			return err
		}

		if GetOutput() == "json" {
			printJSON(result.Items)
			return nil
		}

		if len(result.Items) == 0 {
			fmt.Println("No groups found.")
			return nil
		}

		fmt.Printf("\n%-36s  %-20s  %-30s  %-8s  %-10s  %s\n",
			"ID", "TYPE", "MESSAGE", "COUNT", "STATUS", "LAST SEEN")
		fmt.Println(strings.Repeat("-", 120))
		for _, g := range result.Items {
			fmt.Printf("%-36s  %-20s  %-30s  %-8d  %-10s  %s\n",
				g.ID,
				truncate(g.ErrorType, 20),
				truncate(g.SampleMessage, 30),
				g.OccurrenceCount,
				g.Status,
				g.LastSeenAt.Format("2006-01-02 15:04"),
			)
		}
		fmt.Printf("\nTotal: %d group(s)\n", len(result.Items))
		return nil
	},
}

var groupShowCmd = &cobra.Command{
	Use:   "show <group-id>",
	Short: "Show error group details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var g groupItem
		if err := apiCall("GET", "/api/v1/groups/"+args[0], nil, &g); err != nil {
			return err
		}

		if GetOutput() == "json" {
			printJSON(g)
			return nil
		}

		fmt.Printf("ID:           %s\n", g.ID)
		fmt.Printf("Tenant:       %s\n", g.TenantID)
		fmt.Printf("Project:      %s (%s)\n", g.ProjectID, g.Environment)
		fmt.Printf("Fingerprint:  %s\n", g.Fingerprint)
		fmt.Printf("Type:         %s\n", g.ErrorType)
		fmt.Printf("Message:      %s\n", g.SampleMessage)
		fmt.Printf("Occurrences:  %d\n", g.OccurrenceCount)
		fmt.Printf("Status:       %s\n", g.Status)
		fmt.Printf("First seen:   %s\n", g.FirstSeenAt.Format(time.RFC3339))
		fmt.Printf("Last seen:    %s\n", g.LastSeenAt.Format(time.RFC3339))
		return nil
	},
}

func statusCmd(use, short, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <group-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"status": status}
			if err := apiCall("PUT", "/api/v1/groups/"+args[0]+"/status", body, nil); err != nil {
				return err
			}
			fmt.Printf("Group %s is now %s.\n", args[0], status)
			return nil
		},
	}
}

func init() {
	groupListCmd.Flags().StringVarP(&groupTenant, "tenant", "t", "", "tenant ID (required)")
	groupListCmd.Flags().StringVarP(&groupProject, "project", "p", "", "filter by project ID")
	groupListCmd.Flags().StringVarP(&groupEnvironment, "env", "e", "", "filter by environment")
	groupListCmd.Flags().IntVar(&groupLimit, "limit", 50, "maximum groups to return")
	groupListCmd.Flags().IntVar(&groupOffset, "offset", 0, "listing offset")

	groupCmd.AddCommand(groupListCmd)
	groupCmd.AddCommand(groupShowCmd)
	groupCmd.AddCommand(statusCmd("resolve", "Mark a group resolved", "resolved"))
	groupCmd.AddCommand(statusCmd("mute", "Mute a group's notifications", "muted"))
	groupCmd.AddCommand(statusCmd("reopen", "Reopen a resolved or muted group", "active"))

	rootCmd.AddCommand(groupCmd)
}
