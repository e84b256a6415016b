package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jagc-sh/jagc/internal/config"
)

const allowedUserIDsKey = "TELEGRAM_ALLOWED_USER_IDS"

func telegramCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telegram",
		Short: "Telegram gateway administration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "allow <user-id>",
		Short: "Grant a Telegram user access to the gateway",
		Long: "Adds the numeric Telegram user id to the allow list in the workspace .env\n" +
			"file. The daemon reads the list at startup; restart it to pick up changes.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := config.NormalizeUserID(args[0])
			if id == "" {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			env, err := readEnvFile(cfg.EnvFilePath())
			if err != nil {
				return err
			}
			ids := config.ParseAllowedUserIDs(env[allowedUserIDsKey])
			if slices.Contains(ids, id) {
				fmt.Printf("user %s is already allowed\n", id)
				return nil
			}
			ids = append(ids, id)
			env[allowedUserIDsKey] = strings.Join(ids, ",")
			if err := godotenv.Write(env, cfg.EnvFilePath()); err != nil {
				return fmt.Errorf("write %s: %w", cfg.EnvFilePath(), err)
			}
			fmt.Printf("allowed user %s (restart the daemon to apply)\n", id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deny <user-id>",
		Short: "Revoke a Telegram user's access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := config.NormalizeUserID(args[0])
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			env, err := readEnvFile(cfg.EnvFilePath())
			if err != nil {
				return err
			}
			ids := config.ParseAllowedUserIDs(env[allowedUserIDsKey])
			kept := slices.DeleteFunc(ids, func(v string) bool { return v == id })
			if len(kept) == len(ids) {
				fmt.Printf("user %s was not on the allow list\n", id)
				return nil
			}
			env[allowedUserIDsKey] = strings.Join(kept, ",")
			if err := godotenv.Write(env, cfg.EnvFilePath()); err != nil {
				return fmt.Errorf("write %s: %w", cfg.EnvFilePath(), err)
			}
			fmt.Printf("denied user %s (restart the daemon to apply)\n", id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "allowed",
		Short: "List allowed Telegram user ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if len(cfg.TelegramAllowedUserIDs) == 0 {
				fmt.Println("allow list is empty: every sender is rejected")
				return nil
			}
			for _, id := range cfg.TelegramAllowedUserIDs {
				fmt.Println(id)
			}
			return nil
		},
	})

	return cmd
}

// readEnvFile loads the workspace .env, tolerating a missing file.
func readEnvFile(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		return map[string]string{}, nil
	}
	return env, nil
}
