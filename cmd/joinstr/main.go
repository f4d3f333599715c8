package main

import (
	"fmt"
	"os"

	joinstr "github.com/joinstr/joinstr-go"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	cfg := loadConfig()
	log.SetLevel(log.Level(cfg.LogLevel))

	app := cli.NewApp()
	app.Version = version
	app.Name = "joinstr"
	app.Usage = "coinjoin coordination over nostr"
	app.Commands = []*cli.Command{
		listPoolsCommand(cfg),
		listCoinsCommand(cfg),
		initiateCommand(cfg),
		joinCommand(cfg),
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(fmt.Errorf("error: %v", err))
		os.Exit(1)
	}
}

func relayFlag(cfg *Config) *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "relay",
		Usage:    "websocket url of the nostr relay",
		Value:    cfg.Relay,
		Required: cfg.Relay == "",
	}
}

func networkFlag(cfg *Config) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "network",
		Usage: "bitcoin network (bitcoin, testnet, signet, regtest)",
		Value: cfg.Network,
	}
}

func mnemonicsFlag(cfg *Config) *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "mnemonics",
		Usage:    "BIP39 seed phrase of the wallet",
		Value:    cfg.Mnemonics,
		Required: cfg.Mnemonics == "",
	}
}

func electrumFlags(cfg *Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "electrum-addr",
			Usage:    "electrum server host",
			Value:    cfg.ElectrumAddr,
			Required: cfg.ElectrumAddr == "",
		},
		&cli.UintFlag{
			Name:  "electrum-port",
			Usage: "electrum server port",
			Value: uint(cfg.ElectrumPort),
		},
	}
}

func peerFlags(cfg *Config) []cli.Flag {
	flags := []cli.Flag{
		relayFlag(cfg),
		mnemonicsFlag(cfg),
		&cli.StringFlag{
			Name:  "input",
			Usage: "outpoint (txid:vout) of the coin to register, empty picks the smallest eligible one",
		},
		&cli.StringFlag{
			Name:     "output",
			Usage:    "address the denomination output is paid to",
			Required: true,
		},
	}
	return append(flags, electrumFlags(cfg)...)
}

func peerConfig(c *cli.Context) joinstr.PeerConfig {
	return joinstr.PeerConfig{
		ElectrumAddress: c.String("electrum-addr"),
		ElectrumPort:    uint16(c.Uint("electrum-port")),
		Mnemonics:       c.String("mnemonics"),
		Input:           c.String("input"),
		Output:          c.String("output"),
		Relay:           c.String("relay"),
	}
}

func listPoolsCommand(cfg *Config) *cli.Command {
	return &cli.Command{
		Name:  "list-pools",
		Usage: "list the pools advertised on the relay",
		Flags: []cli.Flag{
			relayFlag(cfg),
			&cli.Uint64Flag{
				Name:  "back",
				Usage: "how far back to search, in seconds",
				Value: 86400,
			},
			&cli.Uint64Flag{
				Name:  "timeout",
				Usage: "how long to wait for the relay, in seconds",
				Value: 10,
			},
		},
		Action: func(c *cli.Context) error {
			result := joinstr.ListPools(
				c.Context, c.Uint64("back"), c.Uint64("timeout"), c.String("relay"))
			return printResult(result.Pools, result.Error)
		},
	}
}

func listCoinsCommand(cfg *Config) *cli.Command {
	flags := []cli.Flag{
		mnemonicsFlag(cfg),
		networkFlag(cfg),
		&cli.UintFlag{
			Name:  "index-min",
			Usage: "first derivation index to scan",
			Value: uint(joinstr.DefaultIndexMin),
		},
		&cli.UintFlag{
			Name:  "index-max",
			Usage: "last derivation index to scan",
			Value: uint(joinstr.DefaultIndexMax),
		},
	}
	return &cli.Command{
		Name:  "list-coins",
		Usage: "list the unspent coins of the wallet",
		Flags: append(flags, electrumFlags(cfg)...),
		Action: func(c *cli.Context) error {
			network, err := joinstr.NetworkFromString(c.String("network"))
			if err != nil {
				return err
			}
			result := joinstr.ListCoins(
				c.Context,
				c.String("mnemonics"),
				c.String("electrum-addr"),
				uint16(c.Uint("electrum-port")),
				network,
				uint32(c.Uint("index-min")),
				uint32(c.Uint("index-max")),
			)
			return printResult(result.Coins, result.Error)
		},
	}
}

func initiateCommand(cfg *Config) *cli.Command {
	flags := []cli.Flag{
		networkFlag(cfg),
		&cli.Float64Flag{
			Name:     "denomination",
			Usage:    "output value every peer produces, in BTC",
			Required: true,
		},
		&cli.UintFlag{
			Name:  "fee",
			Usage: "minimum fee rate of the final transaction, in sat/vb",
			Value: 2,
		},
		&cli.Uint64Flag{
			Name:  "max-duration",
			Usage: "round lifetime, in seconds",
			Value: 3600,
		},
		&cli.IntFlag{
			Name:  "peers",
			Usage: "number of participants required to execute the round",
			Value: 5,
		},
	}
	return &cli.Command{
		Name:  "initiate",
		Usage: "create a pool and run the round as its initiator",
		Flags: append(flags, peerFlags(cfg)...),
		Action: func(c *cli.Context) error {
			network, err := joinstr.NetworkFromString(c.String("network"))
			if err != nil {
				return err
			}
			config := joinstr.PoolConfig{
				Denomination: c.Float64("denomination"),
				Fee:          uint32(c.Uint("fee")),
				MaxDuration:  c.Uint64("max-duration"),
				Peers:        c.Int("peers"),
				Network:      network,
			}
			result := joinstr.InitiateCoinjoin(c.Context, config, peerConfig(c))
			return printResult(result.Txid, result.Error)
		},
	}
}

func joinCommand(cfg *Config) *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     "pool",
			Usage:    "pool id or full JSON pool descriptor",
			Required: true,
		},
	}
	return &cli.Command{
		Name:  "join",
		Usage: "join an advertised pool and run the round",
		Flags: append(flags, peerFlags(cfg)...),
		Action: func(c *cli.Context) error {
			result := joinstr.JoinCoinjoin(c.Context, c.String("pool"), peerConfig(c))
			return printResult(result.Txid, result.Error)
		},
	}
}

func printResult(payload *string, code joinstr.Code) error {
	if code != joinstr.CodeNone {
		return fmt.Errorf("operation failed: %s", code)
	}
	fmt.Println(*payload)
	return nil
}
