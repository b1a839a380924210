package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/antigravity/keygate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config with a fresh admin password",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "./config.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		}

		cfg, password, err := config.NewDefault()
		if err != nil {
			return err
		}
		if err := config.SaveConfig(cfg, path); err != nil {
			return err
		}
		fmt.Printf("Config written to %s\n", path)
		fmt.Printf("Admin password: %s\n", password)
		fmt.Println("Only its bcrypt hash is stored; save the password now.")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		redact(cfg)
		data, err := config.Render(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print the bcrypt hash for security.admin_password_hash",
	Long:  `Hashes the argument, or the first line of stdin when no argument is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}
		if password == "" {
			return errors.New("password must not be empty")
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(hash))
		return nil
	},
}

const redacted = "***"

func redact(cfg *config.Config) {
	secrets := []*string{
		&cfg.Security.AdminPassword,
		&cfg.Security.AdminPasswordHash,
		&cfg.Security.JWTSecret,
		&cfg.Storage.PostgresURL,
		&cfg.Storage.MongoURI,
		&cfg.Storage.RedisURL,
		&cfg.Backends.Perplexity.APIKey,
		&cfg.Backends.Gemini.APIKey,
		&cfg.Backends.Groq.APIKey,
		&cfg.Notify.TelegramToken,
	}
	for _, s := range secrets {
		if *s != "" {
			*s = redacted
		}
	}
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd, hashPasswordCmd)
}
