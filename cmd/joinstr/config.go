package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Environment variables read by the CLI, prefixed with JOINSTR_. Flags
// override them.
var (
	Relay        = "RELAY"
	ElectrumAddr = "ELECTRUM_ADDR"
	ElectrumPort = "ELECTRUM_PORT"
	Network      = "NETWORK"
	Mnemonics    = "MNEMONICS"
	LogLevel     = "LOG_LEVEL"

	defaultElectrumPort = 50001
	defaultNetwork      = "signet"
	defaultLogLevel     = int(log.InfoLevel)
)

// Config carries the defaults every command starts from.
type Config struct {
	Relay        string
	ElectrumAddr string
	ElectrumPort uint16
	Network      string
	Mnemonics    string
	LogLevel     int
}

func loadConfig() *Config {
	viper.SetEnvPrefix("JOINSTR")
	viper.AutomaticEnv()

	viper.SetDefault(ElectrumPort, defaultElectrumPort)
	viper.SetDefault(Network, defaultNetwork)
	viper.SetDefault(LogLevel, defaultLogLevel)

	return &Config{
		Relay:        viper.GetString(Relay),
		ElectrumAddr: viper.GetString(ElectrumAddr),
		ElectrumPort: uint16(viper.GetUint32(ElectrumPort)),
		Network:      viper.GetString(Network),
		Mnemonics:    viper.GetString(Mnemonics),
		LogLevel:     viper.GetInt(LogLevel),
	}
}
