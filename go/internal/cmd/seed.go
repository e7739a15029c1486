package main

import (
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/frawau/gokartrace-sub000/go/internal/penalty"
	"github.com/frawau/gokartrace-sub000/go/internal/race"
	"github.com/frawau/gokartrace-sub000/go/internal/seed"
	"github.com/frawau/gokartrace-sub000/go/internal/store/pgstore"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Create a championship with its penalties, teams and rounds from a yaml file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := seed.Load(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := pgstore.Connect(ctx, databaseURL())
			if err != nil {
				return err
			}
			defer pool.Close()

			st := pgstore.New(pool)
			clock := clockwork.NewRealClock()
			penaltyApp := penalty.NewApp(st, clock, penalty.DefaultConfig())
			defer penaltyApp.Close()

			res, err := seed.Apply(ctx, race.NewApp(st, clock), penaltyApp, plan)
			if err != nil {
				return err
			}
			log.Info().
				Int64("championship_id", res.ChampionshipID).
				Ints64("round_ids", res.RoundIDs).
				Int("teams", res.Teams).
				Int("members", res.Members).
				Int("penalties", res.Penalties).
				Msg("championship seeded")
			return nil
		},
	}
}
