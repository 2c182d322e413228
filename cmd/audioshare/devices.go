// ABOUTME: The devices command
// ABOUTME: Lists capture devices and USB-attached phones
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/picapico/audioshare/internal/bringup"
	"github.com/picapico/audioshare/internal/capture"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices and USB phones",
	RunE:  listDevices,
}

var devicesKeys = map[string]string{
	"adb": "adb_path",
}

func init() {
	devicesCmd.Flags().String("adb", "adb", "path to the adb binary")
}

func listDevices(cmd *cobra.Command, _ []string) error {
	cfg, logger, closer, err := setup(cmd, devicesKeys, nil)
	if err != nil {
		return err
	}
	defer closer.Close()

	infos, err := capture.NewSystem(logger).List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CAPTURE ID\tNAME\tBACKEND\tDEFAULT")
	for _, d := range infos {
		def := ""
		if d.Default {
			def = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Backend, def)
	}
	w.Flush()

	adb := bringup.NewADB(bringup.ADBConfig{Path: cfg.ADBPath, Timeout: cfg.ADBTimeout, Logger: logger})
	if !adb.Available() {
		fmt.Println("\nadb not found, USB phones cannot be listed")
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ADBTimeout)
	defer cancel()
	phones, err := adb.Devices(ctx)
	if err != nil {
		return fmt.Errorf("adb devices: %w", err)
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USB SERIAL\tNAME\tSTATE")
	for _, p := range phones {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Serial, p.Name, p.State)
	}
	return w.Flush()
}
