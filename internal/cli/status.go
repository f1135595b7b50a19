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

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and persisted session state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	bold.Println("parley", version)
	fmt.Println("  data dir:   ", cfg.Paths.DataDir)
	fmt.Println("  store:      ", cfg.Store.Path)
	fmt.Println("  gateway:    ", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port))
	fmt.Println("  agents:     ", cfg.Agents.Provider)
	if len(cfg.Events.Kafka.Brokers) > 0 {
		fmt.Println("  kafka:      ", cfg.Events.Kafka.Brokers, "topic", cfg.Events.Kafka.Topic)
	}

	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		fmt.Println("  sessions:    none (store not created yet)")
		return nil
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	ids, err := st.SessionIDs(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("  sessions:    %d persisted\n", len(ids))
	for _, id := range ids {
		sess, err := st.Recover(context.Background(), id)
		if err != nil {
			color.Red("    %s  (unrecoverable: %v)", id, err)
			continue
		}
		fmt.Printf("    %s  state=%s turn=%d\n", id, sess.State, sess.Turn)
	}
	return nil
}
