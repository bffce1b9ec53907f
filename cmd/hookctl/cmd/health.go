package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the delivery service",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := request(http.MethodGet, "/healthz")
		if err != nil {
			fmt.Printf("✗ Service is unhealthy: %v\n", err)
			return nil
		}
		if ok, _ := body["ok"].(bool); ok {
			fmt.Println("✓ Service is healthy")
		} else {
			fmt.Printf("✗ Service is unhealthy: %s\n", stringField(body, "message"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
