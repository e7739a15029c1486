package main

import (
	"github.com/spf13/cobra"

	"github.com/frawau/gokartrace-sub000/go/internal/store/pgstore"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema migrations",
		RunE: func(*cobra.Command, []string) error {
			return pgstore.Migrate(databaseURL())
		},
	}
}
