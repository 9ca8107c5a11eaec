// qdl is a command-line EDL flasher: it talks Sahara to push a loader,
// then Firehose for partition access.
package main

import (
	"fmt"
	"os"

	"github.com/behrlich/go-edl/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagPort    string
	flagLoader  string
	flagStorage string
	flagBaud    int
	flagLUN     uint32
	flagVerbose bool
	flagChip    bool
)

func main() {
	root := &cobra.Command{
		Use:           "qdl",
		Short:         "Qualcomm EDL flasher (Sahara + Firehose)",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := logging.LevelInfo
			if flagVerbose {
				level = logging.LevelDebug
			}
			logging.SetDefault(logging.NewLogger(&logging.Config{Level: level, Output: os.Stderr}))
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flagPort, "port", "p", "", "serial port of the EDL device (e.g. /dev/ttyUSB0)")
	pf.StringVarP(&flagLoader, "loader", "l", "", "path to the signed Firehose programmer")
	pf.StringVarP(&flagStorage, "storage", "s", "ufs", "storage type: ufs or emmc")
	pf.IntVar(&flagBaud, "baud", 0, "serial baud rate (default 115200)")
	pf.Uint32Var(&flagLUN, "lun", 0, "physical partition (LUN) number")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	pf.BoolVar(&flagChip, "chip-info", true, "read chip identity via Sahara command mode")
	_ = root.MarkPersistentFlagRequired("port")

	root.AddCommand(
		newGptCmd(),
		newDumpCmd(),
		newFlashCmd(),
		newEraseCmd(),
		newInfoCmd(),
		newSuperCmd(),
		newStorageCmd(),
		newSlotCmd(),
		newFixGptCmd(),
		newRebootCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
