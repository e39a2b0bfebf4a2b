package commands

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"lime/internal/domain"
)

// create-user <deviceId>: generate identity material and publish it.
func createUserCmd() *cobra.Command {
	var (
		curveName string
		opkBatch  int
	)
	cmd := &cobra.Command{
		Use:   "create-user <deviceId>",
		Short: "Generate a device identity and publish it to the key server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				return fmt.Errorf("key server required (--server)")
			}
			curve, ok := domain.ParseCurveID(curveName)
			if !ok {
				return fmt.Errorf("unknown curve %q", curveName)
			}
			device := domain.DeviceID(args[0])
			if err := wire.Manager.CreateUser(cmd.Context(), device, serverURL, curve, opkBatch); err != nil {
				return err
			}
			ik, err := wire.Manager.GetSelfIdentityKey(cmd.Context(), device)
			if err != nil {
				return err
			}
			fmt.Printf("created %s\nidentity key: %s\n", device, base64.StdEncoding.EncodeToString(ik))
			return nil
		},
	}
	cmd.Flags().StringVar(&curveName, "curve", "c25519", "deployment curve (c25519 or c448)")
	cmd.Flags().IntVar(&opkBatch, "opk-batch", 25, "initial one-time prekey batch size")
	return cmd
}

// delete-user <deviceId>: remove the device from server and store.
func deleteUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-user <deviceId>",
		Short: "Delete a device from the key server and the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wire.Manager.DeleteUser(cmd.Context(), domain.DeviceID(args[0])); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}
}

// update <deviceId>: refill OPks and rotate the SPk on schedule.
func updateCmd() *cobra.Command {
	var (
		watermark int
		batch     int
	)
	cmd := &cobra.Command{
		Use:   "update <deviceId>",
		Short: "Refill one-time prekeys and rotate the signed prekey",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := wire.Manager.Update(cmd.Context(), domain.DeviceID(args[0]), watermark, batch); err != nil {
				return err
			}
			fmt.Println("updated")
			return nil
		},
	}
	cmd.Flags().IntVar(&watermark, "opk-watermark", 10, "refill when the server holds fewer one-time prekeys")
	cmd.Flags().IntVar(&batch, "opk-batch", 25, "one-time prekey batch size")
	return cmd
}
