package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	deliveriesState string
	deliveriesLimit int
)

var subscriptionCmd = &cobra.Command{
	Use:     "subscription",
	Aliases: []string{"sub", "subs"},
	Short:   "Inspect webhook subscriptions",
}

var subscriptionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions with their delivery counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := request(http.MethodGet, "/v1/subscriptions")
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(body)
		}

		subs, _ := body["subscriptions"].([]any)
		if len(subs) == 0 {
			fmt.Println("No subscriptions.")
			return nil
		}
		fmt.Printf("%-38s %-8s %-8s %-8s %s\n", "ID", "ACTIVE", "CALLS", "FAILED", "ENDPOINT")
		for _, raw := range subs {
			sub, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			active, _ := sub["active"].(bool)
			fmt.Printf("%-38s %-8t %-8d %-8d %s\n",
				stringField(sub, "id"), active,
				numField(sub, "total_calls"), numField(sub, "failed_calls"),
				stringField(sub, "endpoint_url"))
		}
		return nil
	},
}

var subscriptionGetCmd = &cobra.Command{
	Use:   "get <subscription-id>",
	Short: "Show one subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := request(http.MethodGet, "/v1/subscriptions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}

var subscriptionDeliveriesCmd = &cobra.Command{
	Use:   "deliveries <subscription-id>",
	Short: "List recent deliveries for a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if deliveriesState != "" {
			q.Set("state", deliveriesState)
		}
		if deliveriesLimit > 0 {
			q.Set("limit", strconv.Itoa(deliveriesLimit))
		}
		path := "/v1/subscriptions/" + url.PathEscape(args[0]) + "/deliveries"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		body, err := request(http.MethodGet, path)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(body)
		}

		deliveries, _ := body["deliveries"].([]any)
		if len(deliveries) == 0 {
			fmt.Println("No deliveries.")
			return nil
		}
		fmt.Printf("%-38s %-12s %-10s %-22s %s\n", "ID", "STATE", "ATTEMPTS", "EVENT", "LAST ERROR")
		for _, raw := range deliveries {
			d, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			fmt.Printf("%-38s %-12s %-10d %-22s %s\n",
				stringField(d, "id"), stringField(d, "state"),
				numField(d, "attempts"), stringField(d, "event_name"),
				stringField(d, "last_error"))
		}
		return nil
	},
}

var subscriptionTestCmd = &cobra.Command{
	Use:   "test <subscription-id>",
	Short: "Fire a test delivery at a subscription's endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := request(http.MethodPost, "/v1/subscriptions/"+url.PathEscape(args[0])+"/test")
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(body)
		}
		fmt.Printf("Test delivery accepted.\n  event_id:    %s\n  delivery_id: %s\n",
			stringField(body, "event_id"), stringField(body, "delivery_id"))
		return nil
	},
}

func init() {
	subscriptionDeliveriesCmd.Flags().StringVar(&deliveriesState, "state", "", "filter by state (pending|retrying|delivered|failed)")
	subscriptionDeliveriesCmd.Flags().IntVar(&deliveriesLimit, "limit", 0, "max deliveries to return")

	subscriptionCmd.AddCommand(subscriptionListCmd)
	subscriptionCmd.AddCommand(subscriptionGetCmd)
	subscriptionCmd.AddCommand(subscriptionDeliveriesCmd)
	subscriptionCmd.AddCommand(subscriptionTestCmd)
	rootCmd.AddCommand(subscriptionCmd)
}
