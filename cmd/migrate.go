package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the fact and meta store schemas",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		facts, err := openFacts(ctx)
		if err != nil {
			return err
		}
		defer facts.Close()
		if err := facts.Migrate(ctx); err != nil {
			return err
		}
		zap.L().Info("fact store migrated")

		meta, err := openMeta(ctx)
		if err != nil {
			return err
		}
		defer meta.Close()
		if err := meta.Migrate(ctx); err != nil {
			return err
		}
		zap.L().Info("meta store migrated")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
