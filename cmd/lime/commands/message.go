package commands

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"lime/internal/domain"
)

// encrypt <deviceId> <peerUser> <peerDevice>[,<peerDevice>...] <message>
func encryptCmd() *cobra.Command {
	var policyName string
	cmd := &cobra.Command{
		Use:   "encrypt <deviceId> <peerUser> <peerDevices> <message>",
		Short: "Encrypt a message for every listed peer device",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := parsePolicy(policyName)
			if err != nil {
				return err
			}
			var recipients []domain.Recipient
			for _, d := range strings.Split(args[2], ",") {
				recipients = append(recipients, domain.Recipient{DeviceID: domain.DeviceID(d)})
			}
			out, cipherMessage, err := wire.Manager.Encrypt(cmd.Context(),
				domain.DeviceID(args[0]), domain.UserID(args[1]), recipients,
				[]byte(args[3]), policy)
			if err != nil {
				return err
			}
			for _, r := range out {
				if r.DRMessage == nil {
					fmt.Printf("%s\tstatus=%s\t(skipped)\n", r.DeviceID, r.Status)
					continue
				}
				fmt.Printf("%s\tstatus=%s\t%s\n", r.DeviceID, r.Status,
					base64.StdEncoding.EncodeToString(r.DRMessage))
			}
			if len(cipherMessage) > 0 {
				fmt.Printf("cipherMessage\t%s\n", base64.StdEncoding.EncodeToString(cipherMessage))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&policyName, "policy", "optimizeUploadSize",
		"DRMessage, cipherMessage, optimizeUploadSize or optimizeGlobalBandwidth")
	return cmd
}

// decrypt <deviceId> <senderUser> <senderDevice> <drMessage-b64> [cipherMessage-b64]
func decryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <deviceId> <senderUser> <senderDevice> <drMessage> [cipherMessage]",
		Short: "Decrypt one inbound message",
		Args:  cobra.RangeArgs(4, 5),
		RunE: func(cmd *cobra.Command, args []string) error {
			dr, err := base64.StdEncoding.DecodeString(args[3])
			if err != nil {
				return fmt.Errorf("DR message: %w", err)
			}
			var cipherMessage []byte
			if len(args) == 5 {
				if cipherMessage, err = base64.StdEncoding.DecodeString(args[4]); err != nil {
					return fmt.Errorf("cipher message: %w", err)
				}
			}
			plain, status, err := wire.Manager.Decrypt(cmd.Context(),
				domain.DeviceID(args[0]), domain.UserID(args[1]), domain.DeviceID(args[2]),
				dr, cipherMessage)
			if err != nil {
				return err
			}
			fmt.Printf("status=%s\n%s\n", status, plain)
			return nil
		},
	}
}

// status <peerDevice> [trusted|untrusted|unsafe <identityKey-b64>]
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <peerDevice> [<status> <identityKey>]",
		Short: "Get or set the trust status of a peer device",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := domain.DeviceID(args[0])
			if len(args) == 1 {
				status, err := wire.Manager.GetPeerDeviceStatus(cmd.Context(), peer)
				if err != nil {
					return err
				}
				fmt.Println(status)
				return nil
			}
			status, err := parseStatus(args[1])
			if err != nil {
				return err
			}
			var ik []byte
			if len(args) == 3 {
				if ik, err = base64.StdEncoding.DecodeString(args[2]); err != nil {
					return fmt.Errorf("identity key: %w", err)
				}
			}
			return wire.Manager.SetPeerDeviceStatus(cmd.Context(), peer, "", ik, status)
		},
	}
}

func parsePolicy(s string) (domain.EncryptionPolicy, error) {
	switch s {
	case "DRMessage":
		return domain.ForceDRMessage, nil
	case "cipherMessage":
		return domain.ForceCipherMessage, nil
	case "optimizeUploadSize":
		return domain.OptimizeUploadSize, nil
	case "optimizeGlobalBandwidth":
		return domain.OptimizeGlobalBandwidth, nil
	}
	return 0, fmt.Errorf("unknown policy %q", s)
}

func parseStatus(s string) (domain.PeerStatus, error) {
	switch s {
	case "trusted":
		return domain.PeerTrusted, nil
	case "untrusted":
		return domain.PeerUntrusted, nil
	case "unsafe":
		return domain.PeerUnsafe, nil
	}
	return 0, fmt.Errorf("unknown status %q", s)
}
