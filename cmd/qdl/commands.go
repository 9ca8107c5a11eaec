package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	edl "github.com/behrlich/go-edl"
	"github.com/behrlich/go-edl/internal/logging"
)

// withSession connects, runs fn, and always disconnects. SIGINT cancels
// the context; in-flight transfers stop at the next chunk boundary.
func withSession(fn func(ctx context.Context, s *edl.Session) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.Default()
	session := edl.NewSession(logger)
	session.OnStateChange(func(state edl.DeviceState) {
		logger.Info("device state", "state", state)
	})
	defer session.Disconnect()

	state, err := session.Connect(ctx, edl.Params{
		Port:         flagPort,
		BaudRate:     flagBaud,
		LoaderPath:   flagLoader,
		Storage:      flagStorage,
		ReadChipInfo: flagChip,
		Progress:     consoleProgress("loader"),
	})
	if err != nil {
		return fmt.Errorf("connect (state %s): %w", state, err)
	}
	return fn(ctx, session)
}

// consoleProgress prints coarse transfer progress without flooding the
// terminal: one line per ~5% step.
func consoleProgress(label string) func(done, total int64) {
	lastPct := -1
	return func(done, total int64) {
		if total <= 0 {
			return
		}
		pct := int(done * 100 / total)
		if pct/5 == lastPct/5 && lastPct >= 0 {
			return
		}
		lastPct = pct
		fmt.Fprintf(os.Stderr, "\r%s: %3d%% (%d/%d bytes)", label, pct, done, total)
		if done >= total {
			fmt.Fprintln(os.Stderr)
		}
	}
}

func findEntry(ctx context.Context, s *edl.Session, name string) (*edl.PartitionEntry, error) {
	entry, err := s.FindPartition(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("partition %q: %w", name, err)
	}
	return entry, nil
}

func newGptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gpt",
		Short: "Read and print the partition table of a LUN",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *edl.Session) error {
				table, err := s.ReadGPT(ctx, flagLUN)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSTART\tSECTORS\tSIZE\tTYPE GUID")
				for _, e := range table.Entries {
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
						e.Name, e.StartSector, e.NumSectors,
						humanSize(e.SizeBytes()), e.TypeGUID)
				}
				return w.Flush()
			})
		},
	}
}

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <partition> <out-file>",
		Short: "Dump a partition to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *edl.Session) error {
				entry, err := findEntry(ctx, s, args[0])
				if err != nil {
					return err
				}
				return s.ReadPartition(ctx, entry, args[1], consoleProgress(args[0]))
			})
		},
	}
}

func newFlashCmd() *cobra.Command {
	var spoofBackup bool
	cmd := &cobra.Command{
		Use:   "flash <partition> <image>",
		Short: "Write an image (raw or sparse) to a partition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *edl.Session) error {
				entry, err := findEntry(ctx, s, args[0])
				if err != nil {
					return err
				}
				opts := edl.WriteOptions{SpoofBackupGPT: spoofBackup}
				return s.WritePartition(ctx, entry, args[1], opts, consoleProgress(args[0]))
			})
		},
	}
	cmd.Flags().BoolVar(&spoofBackup, "spoof-backup-gpt", false,
		"label the write as gpt_backup<lun>.bin (locked OPPO loaders)")
	return cmd
}

func newEraseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "erase <partition>",
		Short: "Erase a partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *edl.Session) error {
				entry, err := findEntry(ctx, s, args[0])
				if err != nil {
					return err
				}
				return s.ErasePartition(ctx, entry)
			})
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Read device identity (model, build, IMEI, lock state)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *edl.Session) error {
				info, err := s.ReadDeviceInfo(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
				printRow := func(k, v string) {
					if v != "" {
						fmt.Fprintf(w, "%s\t%s\n", k, v)
					}
				}
				printRow("model", info.Model)
				printRow("market name", info.MarketName)
				printRow("brand", info.Brand)
				printRow("device", info.Device)
				printRow("ota", info.OTAVersion)
				printRow("fingerprint", info.Fingerprint)
				printRow("android", info.AndroidVersion)
				printRow("security patch", info.SecurityPatch)
				printRow("imei", info.IMEI)
				printRow("imei2", info.IMEI2)
				printRow("lock state", info.UnlockState)
				if info.Chip.HasSerial {
					printRow("chip serial", fmt.Sprintf("0x%08X", info.Chip.Serial))
				}
				if info.Chip.HasPkHash {
					printRow("pk hash", info.Chip.PkHashHex())
					printRow("vendor guess", info.Chip.VendorGuess)
				}
				return w.Flush()
			})
		},
	}
}

func newSuperCmd() *cobra.Command {
	super := &cobra.Command{
		Use:   "super",
		Short: "Operate on dynamic partitions inside super",
	}
	super.AddCommand(&cobra.Command{
		Use:   "map",
		Short: "Print the LP metadata map of super",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *edl.Session) error {
				meta, err := s.ReadSuperMap(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tOFFSET\tSIZE\tDEVICE 4K SECTOR")
				for _, p := range meta.Partitions {
					fmt.Fprintf(w, "%s\t%d\t%s\t%d\n",
						p.Name, p.ByteOffset, humanSize(p.ByteSize), p.AbsoluteSector4K)
				}
				return w.Flush()
			})
		},
	})
	super.AddCommand(&cobra.Command{
		Use:   "flash <name> <image>",
		Short: "Flash one logical partition inside super",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *edl.Session) error {
				return s.WriteSuperPartition(ctx, args[0], args[1], consoleProgress(args[0]))
			})
		},
	})
	return super
}

func newStorageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "storage",
		Short: "Print the programmer's storage report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *edl.Session) error {
				lines, err := s.GetStorageInfo(ctx, flagLUN)
				if err != nil {
					return err
				}
				for _, l := range lines {
					fmt.Println(l)
				}
				return nil
			})
		},
	}
}

func newSlotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "slot <a|b>",
		Short: "Set the active A/B slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "a" && args[0] != "b" {
				return fmt.Errorf("slot must be a or b, got %q", args[0])
			}
			return withSession(func(ctx context.Context, s *edl.Session) error {
				return s.SetActiveSlot(ctx, args[0])
			})
		},
	}
}

func newFixGptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fixgpt",
		Short: "Ask the programmer to repair the partition table of a LUN",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *edl.Session) error {
				return s.FixGPT(ctx, flagLUN)
			})
		},
	}
}

func newRebootCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "reboot [reset|off|edl]",
		Short:     "Leave EDL mode",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"reset", "off", "edl"},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := "reset"
			if len(args) == 1 {
				mode = args[0]
			}
			return withSession(func(ctx context.Context, s *edl.Session) error {
				return s.Reboot(ctx, mode)
			})
		},
	}
}

func humanSize(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fG", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fM", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fK", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
