package cmd

import (
	"github.com/bizxeon/tbc-colors/colorbot"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [token]",
		Short: "Starts the color bot and its status API",
		Long: "Starts the color bot and its status API. The discord bot token " +
			"may be given as the only argument, which overrides discord.token.",
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			if len(args) == 1 {
				cfg.Discord.Token = args[0]
			}

			bot, err := colorbot.New(cfg)
			if err != nil {
				log.Fatalf("error creating color bot: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running color bot: %s", err.Error())
			}
		},
	}
)

//nolint:gochecknoinits // cobra setup
func init() {
	rootCmd.AddCommand(runCmd)
}
