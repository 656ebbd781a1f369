package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/surveypulse/internal/database"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/logging"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/surveys"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// newQuestionnaireCommand groups the lifecycle operations the authoring surface would otherwise own.
func newQuestionnaireCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "questionnaire",
		Short: "Manage questionnaire lifecycle",
	}
	cmd.AddCommand(
		newLifecycleCommand("activate", "Accept batch submissions for a questionnaire", func(cmd *cobra.Command, store *surveys.Store, code surveys.AccessCode) error {
			return store.SetActive(cmd.Context(), code, true)
		}),
		newLifecycleCommand("deactivate", "Stop accepting batch submissions for a questionnaire", func(cmd *cobra.Command, store *surveys.Store, code surveys.AccessCode) error {
			return store.SetActive(cmd.Context(), code, false)
		}),
		newLifecycleCommand("delete", "Soft delete a questionnaire and close it to live sessions", func(cmd *cobra.Command, store *surveys.Store, code surveys.AccessCode) error {
			return store.SoftDelete(cmd.Context(), code)
		}),
	)
	return cmd
}

type lifecycleAction func(cmd *cobra.Command, store *surveys.Store, code surveys.AccessCode) error

func newLifecycleCommand(use, short string, action lifecycleAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ACCESS_CODE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := surveys.NewAccessCode(args[0])
			if err != nil {
				return err
			}
			store, logger, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			if err := action(cmd, store, code); err != nil {
				return fmt.Errorf("%s %s: %w", use, code, err)
			}
			logger.Info("questionnaire updated", zap.String("action", use), zap.String("access_code", code.String()))
			return nil
		},
	}
}

// openStore opens the configured database for one-shot commands. The returned func releases it.
func openStore() (*surveys.Store, *zap.Logger, func(), error) {
	logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.format"))
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := database.OpenSQLite(viper.GetString("database.path"), logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, err
	}
	store, err := surveys.NewStore(surveys.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		_ = sqlDB.Close()
		_ = logger.Sync()
		return nil, nil, nil, err
	}
	release := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}
	return store, logger, release, nil
}
