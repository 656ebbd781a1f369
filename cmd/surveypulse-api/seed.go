package main

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/surveypulse/internal/surveys"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var errMissingDefinition = errors.New("definition file is required")

func newSeedCommand() *cobra.Command {
	var definitionPath string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a questionnaire from a YAML or JSON definition and print its access code",
		RunE: func(cmd *cobra.Command, args []string) error {
			definition, err := loadDefinition(definitionPath)
			if err != nil {
				return err
			}

			store, logger, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			questionnaire, err := store.Create(cmd.Context(), definition)
			if err != nil {
				return err
			}
			logger.Info("questionnaire seeded",
				zap.Int64("questionnaire_id", questionnaire.ID),
				zap.String("access_code", questionnaire.AccessCode))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), questionnaire.AccessCode)
			return err
		},
	}
	cmd.Flags().StringVar(&definitionPath, "file", "", "Path to the questionnaire definition (yaml or json)")
	return cmd
}

// loadDefinition reads a questionnaire definition with its own viper instance so it never
// mixes with service configuration.
func loadDefinition(path string) (surveys.Definition, error) {
	if path == "" {
		return surveys.Definition{}, errMissingDefinition
	}
	definitionViper := viper.New()
	definitionViper.SetConfigFile(path)
	definitionViper.SetDefault("active", true)
	if err := definitionViper.ReadInConfig(); err != nil {
		return surveys.Definition{}, fmt.Errorf("read definition: %w", err)
	}
	var definition surveys.Definition
	if err := definitionViper.Unmarshal(&definition); err != nil {
		return surveys.Definition{}, fmt.Errorf("decode definition: %w", err)
	}
	return definition, nil
}
