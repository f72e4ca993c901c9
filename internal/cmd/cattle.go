package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var cattleCmd = &cobra.Command{
	Use:   "cattle",
	Short: "Inspect and reap cattle instances",
}

var cattleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List managed cattle instances",
	RunE:  runCattleList,
}

var (
	cattleReapDryRun bool

	cattleReapCmd = &cobra.Command{
		Use:   "reap",
		Short: "Destroy expired cattle instances",
		Long: `Destroy every managed instance whose TTL has passed.

With --dry-run, print the candidates without deleting anything.`,
		RunE: runCattleReap,
	}
)

func init() {
	rootCmd.AddCommand(cattleCmd)
	cattleCmd.AddCommand(cattleListCmd)
	cattleCmd.AddCommand(cattleReapCmd)

	cattleReapCmd.Flags().BoolVar(&cattleReapDryRun, "dry-run", false, "Show reap candidates without deleting")
}

func runCattleList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	manager, err := buildManager(cfg)
	if err != nil {
		return err
	}

	servers, err := manager.List(appContext(cmd))
	if err != nil {
		return err
	}

	if len(servers) == 0 {
		fmt.Println("no cattle instances")
		return nil
	}
	now := time.Now().UTC()
	for _, s := range servers {
		state := "live"
		if s.Expired(now) {
			state = "expired"
		}
		fmt.Printf("%-10d %-32s %-12s %-8s expires %s (%s)\n",
			s.ID, s.Name, s.Persona, s.Status,
			s.ExpiresAt.Format(time.RFC3339), state)
	}
	return nil
}

func runCattleReap(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	manager, err := buildManager(cfg)
	if err != nil {
		return err
	}

	report, err := manager.Reap(appContext(cmd), cattleReapDryRun)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
