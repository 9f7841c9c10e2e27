package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Mtoly/XrayIPGuard/guard"
)

var (
	version = "0.1.0"

	cfgFile string
	rootCmd = &cobra.Command{
		Use: "XrayIPGuard",
		Run: func(cmd *cobra.Command, args []string) {
			if err := run(); err != nil {
				log.Fatal(err)
			}
		},
	}
)

func init() {
	// Configure global logger time format.
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05.000000",
	})

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file for XrayIPGuard.")
}

func showVersion() {
	fmt.Printf("XrayIPGuard %s\n", version)
}

func getConfig() *viper.Viper {
	config := viper.New()

	// Set custom path and name
	if cfgFile != "" {
		configName := path.Base(cfgFile)
		configFileExt := path.Ext(cfgFile)
		configNameOnly := strings.TrimSuffix(configName, configFileExt)
		configPath := path.Dir(cfgFile)
		config.SetConfigName(configNameOnly)
		config.SetConfigType(strings.TrimPrefix(configFileExt, "."))
		config.AddConfigPath(configPath)
	} else {
		// Set default config path
		config.SetConfigName("config")
		config.SetConfigType("yml")
		config.AddConfigPath(".")
	}

	guard.Bind(config)

	if err := config.ReadInConfig(); err != nil {
		// The whole configuration may legitimately come from the
		// environment.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			log.Panicf("Config file error: %s \n", err)
		}
		log.Info("No config file found, using environment variables only")
		return config
	}

	config.WatchConfig() // Watch the config

	return config
}

func run() error {
	showVersion()

	config := getConfig()
	guardConfig := &guard.Config{}
	if err := config.Unmarshal(guardConfig); err != nil {
		return fmt.Errorf("Parse config file %v failed: %s \n", cfgFile, err)
	}
	if guardConfig.PanelDomain() == "" {
		return fmt.Errorf("PanelAddress is required")
	}

	if guardConfig.Debug {
		log.SetLevel(log.DebugLevel)
		log.SetReportCaller(true)
	} else {
		log.SetLevel(log.InfoLevel)
		log.SetReportCaller(false)
	}

	// Create initial agent instance.
	g := guard.New(guardConfig)
	lastTime := time.Now()
	config.OnConfigChange(func(e fsnotify.Event) {
		// Discard events received within a short period of time after receiving an event.
		if !time.Now().After(lastTime.Add(3 * time.Second)) {
			return
		}

		// Hot reload function
		fmt.Println("Config file changed:", e.Name)

		// To avoid stopping a running agent on a temporary write/parse error,
		// read and parse the updated config into a new viper instance first,
		// and only swap when successful.
		newGuardConfig := &guard.Config{}
		newViper := viper.New()
		if e.Name != "" {
			newViper.SetConfigFile(e.Name)
		} else if cfgFile != "" {
			newViper.SetConfigFile(cfgFile)
		} else {
			// Fallback to the same search logic as getConfig
			newViper.SetConfigName("config")
			newViper.SetConfigType("yml")
			newViper.AddConfigPath(".")
		}
		guard.Bind(newViper)

		if err := newViper.ReadInConfig(); err != nil {
			log.Errorf("Hot reload: failed to read new config file %s: %v; keeping existing configuration", e.Name, err)
			return
		}
		if err := newViper.Unmarshal(newGuardConfig); err != nil {
			log.Errorf("Hot reload: failed to parse new config file %s: %v; keeping existing configuration", e.Name, err)
			return
		}
		if newGuardConfig.PanelDomain() == "" {
			log.Warnf("Hot reload: new config file %s has no PanelAddress; ignoring reload to avoid stopping the running agent", e.Name)
			return
		}

		// Swap to the new config and agent instance after successful parse.
		g.Close()
		// Delete old instance and trigger GC
		runtime.GC()

		if newGuardConfig.Debug {
			log.SetLevel(log.DebugLevel)
			log.SetReportCaller(true)
		} else {
			log.SetLevel(log.InfoLevel)
			log.SetReportCaller(false)
		}

		guardConfig = newGuardConfig
		g = guard.New(guardConfig)

		g.Start()
		lastTime = time.Now()
	})

	g.Start()
	defer g.Close()

	// Explicitly triggering GC to remove garbage from config loading.
	runtime.GC()
	// Running backend
	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
	<-osSignals

	return nil
}

func Execute() error {
	return rootCmd.Execute()
}
