// escrowctl is the operator tool for the escrow marketplace: schema
// migration, one-off sweeps and reconciliation passes, ledger inspection
// and processing-node credentials.
package main

import (
	"log"
	"os"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatalln("escrowctl failed:", err)
	}
}
