package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Fybrk/dupfinder/internal/config"
	"github.com/Fybrk/dupfinder/internal/logging"
	"github.com/Fybrk/dupfinder/pkg/dupfinder"
)

type commandContext struct {
	configFlag *string
	dbFlag     *string
	quietFlag  *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		path := strings.TrimSpace(*c.configFlag)
		if path == "" {
			c.config, c.configErr = config.LoadConfig()
		} else {
			c.config, c.configErr = config.LoadFrom(path)
		}
		if c.configErr == nil {
			if db := strings.TrimSpace(*c.dbFlag); db != "" {
				c.config.DBPath = db
			}
			if *c.quietFlag {
				c.config.Logging.Level = "error"
			}
		}
	})
	return c.config, c.configErr
}

// openEngine builds an engine from the loaded configuration. The returned
// cleanup closes the engine and flushes the logger.
func (c *commandContext) openEngine(watch bool, verify *bool) (*dupfinder.Engine, func() error, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return nil, nil, err
	}

	engineCfg := dupfinder.Config{
		DBPath:      cfg.DBPath,
		Watch:       watch || cfg.Watch,
		Fingerprint: cfg.FingerprintOptions(),
		Grouping:    cfg.GroupingOptions(),
		Logger:      log,
	}
	if verify != nil {
		engineCfg.Grouping.VerifyContents = *verify
	}

	engine, err := dupfinder.New(engineCfg)
	if err != nil {
		_ = log.Sync()
		return nil, nil, err
	}
	cleanup := func() error {
		err := engine.Close()
		if err != nil {
			log.Error("Failed to close engine", zap.Error(err))
		}
		_ = log.Sync()
		return err
	}
	return engine, cleanup, nil
}

func newRootCommand() *cobra.Command {
	var configFlag, dbFlag string
	var quietFlag bool

	ctx := &commandContext{
		configFlag: &configFlag,
		dbFlag:     &dbFlag,
		quietFlag:  &quietFlag,
	}

	rootCmd := &cobra.Command{
		Use:           "dupfinder",
		Short:         "Find duplicate files across directory trees",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "Database path (overrides db_path)")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Only log errors")

	rootCmd.AddCommand(newScanCommand(ctx))
	rootCmd.AddCommand(newConfirmCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("dupfinder version %s\n", Version)
		},
	}
}
