// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

// Command mcuhost is the runnable host daemon built around
// internal/motioncore.CoreContext: it connects to a real or emulated MCU,
// loads its data dictionary, and drives moves against it, grounded on the
// teacher's plain-stdlib-log main.go but restructured around cobra
// subcommands in the style of the retrieval pack's o9nn-echo.go CLI.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	log.SetFlags(0)
	root := &cobra.Command{
		Use:   "mcuhost",
		Short: "Host-side motion control core for a Klipper-style MCU",
	}
	root.AddCommand(newDumpDictionaryCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newReplayMovesCmd())

	if err := root.Execute(); err != nil {
		log.SetOutput(os.Stderr)
		log.Fatal(err)
	}
}
