package main

import (
	"os"

	"github.com/go-go-golems/asynclang/cmd/asynclang/cmds"
	"github.com/go-go-golems/asynclang/pkg/config"
	"github.com/go-go-golems/asynclang/pkg/doc"
	"github.com/go-go-golems/glazed/pkg/help"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "asynclang",
	Short: "asynclang serves branching LLM conversation threads",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		return initLogger()
	},
}

func initLogger() error {
	s := config.LogSettings{}
	if err := viper.Unmarshal(&s); err != nil {
		return err
	}
	return config.InitLogger(s)
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	helpSystem := help.NewHelpSystem()
	err := doc.AddDocToHelpSystem(helpSystem)
	cobra.CheckErr(err)

	helpFunc, usageFunc := help.GetCobraHelpUsageFuncs(helpSystem)
	helpTemplate, usageTemplate := help.GetCobraHelpUsageTemplates(helpSystem)

	rootCmd.SetHelpFunc(helpFunc)
	rootCmd.SetUsageFunc(usageFunc)
	rootCmd.SetHelpTemplate(helpTemplate)
	rootCmd.SetUsageTemplate(usageTemplate)

	helpCmd := help.NewCobraHelpCommand(helpSystem)
	rootCmd.SetHelpCommand(helpCmd)

	config.AddFlags(rootCmd)

	// parse the flags one time just to catch --config
	configFile := ""
	for idx, arg := range os.Args {
		if arg == "--config" && len(os.Args) > idx+1 {
			configFile = os.Args[idx+1]
		}
	}

	err = config.InitViper(viper.GetViper(), rootCmd, configFile)
	cobra.CheckErr(err)
	cobra.CheckErr(initLogger())
	log.Debug().Str("config", viper.ConfigFileUsed()).Msg("Loaded configuration")

	threadsCmd, err := cmds.NewThreadsCommand()
	cobra.CheckErr(err)
	rootCmd.AddCommand(cmds.NewServeCommand(), threadsCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
