package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/parleyd/parley/internal/config"
	"github.com/parleyd/parley/internal/store"
)

var resetSessionID string

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Purge persisted negotiation state",
	Long: "Deletes all checkpoints and write records, or those of a single\n" +
		"session with --session. Idempotent. Against a running daemon use\n" +
		"POST /api/v1/reset instead so in-memory sessions are torn down too.",
	RunE: runReset,
}

func init() {
	resetCmd.Flags().StringVar(&resetSessionID, "session", "", "purge only this session id")
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		fmt.Println("nothing to purge")
		return nil
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	if resetSessionID != "" {
		if err := st.Purge(context.Background(), resetSessionID); err != nil {
			return err
		}
		color.Green("purged session %s", resetSessionID)
		return nil
	}
	if err := st.PurgeAll(context.Background()); err != nil {
		return err
	}
	color.Green("purged all sessions")
	return nil
}
