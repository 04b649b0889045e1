package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/aweris/stash"
)

var rootCmd = &cobra.Command{
	Use:   "stash",
	Short: "Namespaced key/value storage CLI",
	Long:  "CLI for inspecting and manipulating stash storages (file, sftp, s3/b2, rclone).",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/stash/config.yaml)")
	rootCmd.PersistentFlags().StringSlice("levels", nil, `levels configuration, e.g. --levels config=0 --levels data=2 (use + for multiple depths: data=1+2)`)
	rootCmd.PersistentFlags().Bool("debug", false, "log every store operation")

	viper.BindPFlag("levels", rootCmd.PersistentFlags().Lookup("levels"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("STASH")
	viper.AutomaticEnv()

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "stash")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "stash")
	}
	return ".stash"
}

// getLevels parses the levels configuration. Without any configuration a
// flat+nested default is used that matches the demo layout.
func getLevels() (stash.Levels, error) {
	specs := viper.GetStringSlice("levels")
	if len(specs) == 0 {
		return stash.Levels{
			"config": {Depths: []int{0}},
			"data":   {Depths: []int{2}},
		}, nil
	}
	levels := make(stash.Levels, len(specs))
	for _, spec := range specs {
		label, depthsSpec, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("invalid levels spec %q (want ns=depth)", spec)
		}
		var depths []int
		for _, d := range strings.Split(depthsSpec, "+") {
			depth, err := strconv.Atoi(d)
			if err != nil {
				return nil, fmt.Errorf("invalid depth in %q: %w", spec, err)
			}
			depths = append(depths, depth)
		}
		levels[strings.TrimSuffix(label, "/")] = stash.Namespace{Depths: depths}
	}
	return levels, nil
}

func newLogger() *zap.Logger {
	if !viper.GetBool("debug") {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newStore(url string, opts ...stash.Option) (*stash.Store, error) {
	levels, err := getLevels()
	if err != nil {
		return nil, err
	}
	opts = append([]stash.Option{stash.WithLevels(levels), stash.WithLogger(newLogger())}, opts...)
	return stash.New(url, opts...)
}
