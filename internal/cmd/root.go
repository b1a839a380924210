package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Version   string
	BuildTime string
	cfgFile   string
)

var rootCmd = &cobra.Command{
	Use:   "keygate",
	Short: "Access control and routing gateway for AI assistant backends",
	Long: `Keygate issues API keys on tiered plans, authorizes every request against
the key's plan and rate limit, and routes it to the first healthy AI backend.`,
	SilenceUsage: true,
	RunE:         runServe, // 默认启动服务器
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// 全局标志
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "./data", "data directory")
	rootCmd.PersistentFlags().String("log-dir", "./logs", "log directory")
	rootCmd.PersistentFlags().String("storage", "", "storage driver (memory/postgres/mongo/firestore)")

	// 服务器标志（直接在root命令使用）
	rootCmd.Flags().String("host", "0.0.0.0", "server host")
	rootCmd.Flags().Int("port", 8045, "server port")
	rootCmd.Flags().String("mode", "release", "server mode (debug/release/test)")

	// 绑定到viper
	viper.BindPFlag("storage.data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("storage.logs_dir", rootCmd.PersistentFlags().Lookup("log-dir"))
	viper.BindPFlag("storage.driver", rootCmd.PersistentFlags().Lookup("storage"))
	viper.BindPFlag("server.host", rootCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", rootCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.mode", rootCmd.Flags().Lookup("mode"))
}

// envKeys may come from the environment (or a .env file) without appearing in config.yaml
var envKeys = []string{
	"security.admin_password",
	"security.admin_password_hash",
	"security.jwt_secret",
	"storage.postgres_url",
	"storage.mongo_uri",
	"storage.redis_url",
	"storage.firestore_project",
	"backends.perplexity.api_key",
	"backends.gemini.api_key",
	"backends.groq.api_key",
	"notify.telegram_token",
	"notify.telegram_channel_id",
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./data")
		viper.AddConfigPath("$HOME/.keygate")
	}

	// KEYGATE_STORAGE_POSTGRES_URL -> storage.postgres_url
	viper.SetEnvPrefix("keygate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	// Unmarshal 只会读取 viper 已知的键，密钥类配置需要显式绑定
	for _, key := range envKeys {
		viper.BindEnv(key)
	}

	// 尝试读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		// 配置文件不存在时由 LoadOrCreate 在命令执行时创建
		if cfgFile == "" {
			viper.SetConfigFile("./config.yaml")
		}
	} else {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
