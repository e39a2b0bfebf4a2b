package commands

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lime/internal/app"
)

var (
	dbPath    string
	serverURL string
	verbose   bool

	wire *app.Wire
)

// Execute runs the lime CLI.
func Execute() error {
	root := &cobra.Command{
		Use:           "lime",
		Short:         "End-to-end encryption device manager",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Join(dir, ".lime"), 0o700); err != nil {
					return err
				}
				dbPath = filepath.Join(dir, ".lime", "lime.db")
			}
			log := logrus.New()
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			} else {
				log.SetLevel(logrus.WarnLevel)
			}
			w, err := app.NewWire(app.Config{DBPath: dbPath, ServerURL: serverURL, Logger: log})
			if err != nil {
				return err
			}
			wire = w
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if wire != nil {
				return wire.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default ~/.lime/lime.db)")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "key server URL")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(createUserCmd(), deleteUserCmd(), encryptCmd(), decryptCmd(), updateCmd(), statusCmd())
	return root.Execute()
}
