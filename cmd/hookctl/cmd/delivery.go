package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var deliveryCmd = &cobra.Command{
	Use:     "delivery",
	Aliases: []string{"del"},
	Short:   "Inspect individual deliveries",
}

var deliveryGetCmd = &cobra.Command{
	Use:   "get <delivery-id>",
	Short: "Show one delivery record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := request(http.MethodGet, "/v1/deliveries/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(body)
		}

		fmt.Printf("Delivery %s\n", stringField(body, "id"))
		fmt.Printf("  subscription: %s\n", stringField(body, "subscription_id"))
		fmt.Printf("  event:        %s (%s)\n", stringField(body, "event_name"), stringField(body, "event_id"))
		fmt.Printf("  state:        %s\n", stringField(body, "state"))
		fmt.Printf("  attempts:     %d/%d\n", numField(body, "attempts"), numField(body, "max_attempts"))
		if v := stringField(body, "last_error"); v != "" {
			fmt.Printf("  last error:   %s\n", v)
		}
		if v := numField(body, "last_response_status"); v != 0 {
			fmt.Printf("  last status:  %d\n", v)
		}
		if v := stringField(body, "next_retry_at"); v != "" {
			fmt.Printf("  next retry:   %s\n", v)
		}
		if v := stringField(body, "delivered_at"); v != "" {
			fmt.Printf("  delivered at: %s\n", v)
		}
		return nil
	},
}

func init() {
	deliveryCmd.AddCommand(deliveryGetCmd)
	rootCmd.AddCommand(deliveryCmd)
}
