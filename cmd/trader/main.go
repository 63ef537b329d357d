// Command trader runs the disclosure-driven trading engine. One binary
// hosts every process role: the ingestion scraper, one consumer per
// model, and the read-only reporting API.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
