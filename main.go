package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowforge/flowd/agent"
	"github.com/flowforge/flowd/config"
	"github.com/flowforge/flowd/registry"
)

type cfg struct {
	config.Config
}

type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", "flowd", "namespace used in storage")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", "memory", "implementation of underline storage")
	cmd.Flags().Int("fire-capacity", 512, "fire and forget worker capacity")
	cmd.Flags().Duration("auto-resume-interval", 5*time.Second, "interval of the auto resume sweep")
	cmd.Flags().Duration("recovery-interval", 30*time.Second, "interval of the crash recovery sweep")
	cmd.Flags().Duration("staleness-threshold", 5*time.Minute, "heartbeat age after which a running flow is considered orphaned")
	cmd.Flags().Int("recovery-max-attempts", 3, "recovery retry budget per flow")
	cmd.Flags().Duration("cleanup-interval", 1*time.Hour, "interval of the retention cleanup sweep")
	cmd.Flags().Duration("retention-age", 720*time.Hour, "age after which terminal flows are deleted")
	cmd.Flags().Duration("subscription-ttl", 168*time.Hour, "age after which event subscriptions are evicted")
	cmd.Flags().Int64("max-delay-seconds", 86400, "maximum schedulable delay wait in seconds")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.FireWorkerCapacity = viper.GetInt("fire-capacity")
	c.cfg.AutoResumeInterval = viper.GetDuration("auto-resume-interval")
	c.cfg.RecoveryInterval = viper.GetDuration("recovery-interval")
	c.cfg.StalenessThreshold = viper.GetDuration("staleness-threshold")
	c.cfg.RecoveryMaxAttempts = viper.GetInt("recovery-max-attempts")
	c.cfg.CleanupInterval = viper.GetDuration("cleanup-interval")
	c.cfg.RetentionAge = viper.GetDuration("retention-age")
	c.cfg.SubscriptionTTL = viper.GetDuration("subscription-ttl")
	c.cfg.MaxDelaySeconds = viper.GetInt64("max-delay-seconds")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	// Flow definitions are registered by the embedding application;
	// the bare binary starts with an empty registry.
	reg := registry.NewRegistry()
	agent, err := agent.New(c.cfg.Config, reg)
	if err != nil {
		panic(err)
	}
	err = agent.Start()
	if err != nil {
		panic(err)
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return agent.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "flowd",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
