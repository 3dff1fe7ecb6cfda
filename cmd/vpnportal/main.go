package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build info - injected via ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "vpnportal",
	Short: "VPN portal connection engine",
	Long:  `vpnportal issues OpenVPN and WireGuard sessions across gateway nodes and keeps the session store and the nodes in agreement.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
