// Command duoclient is a headless participant: it joins a lobby, negotiates
// the channel, stacks blocks for a fixed number of turns and prints the
// settlement.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/DoyleJ11/towerduo-backend/internal/channel"
	"github.com/DoyleJ11/towerduo-backend/internal/client"
	"github.com/DoyleJ11/towerduo-backend/internal/config"
	"github.com/DoyleJ11/towerduo-backend/internal/ledger"
	"github.com/DoyleJ11/towerduo-backend/internal/rules"
	"github.com/DoyleJ11/towerduo-backend/internal/signer"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:          "duoclient",
		Short:        "Play one towerduo session headlessly",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.New(envFile)
			if err != nil {
				return err
			}
			if err := bindFlags(cmd, v); err != nil {
				return err
			}
			cfg, err := config.LoadClient(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return play(ctx, cfg, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	f.String("server", "ws://localhost:8080/ws", "relay websocket url")
	f.String("ledger", "", "ledger base url; empty plays in simulated mode")
	f.String("participant", "", "participant id; random when empty")
	f.String("mode", rules.DefaultMode, "mode to join")
	f.String("seed", "", "hex ed25519 seed; random key when empty")
	f.Int("turns", 6, "turns to play before ending the session")
	f.String("log-level", "info", "debug, info, warn or error")
	return cmd
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	f := cmd.Flags()
	return errors.Join(
		v.BindPFlag("server.url", f.Lookup("server")),
		v.BindPFlag("ledger.url", f.Lookup("ledger")),
		v.BindPFlag("participant", f.Lookup("participant")),
		v.BindPFlag("mode", f.Lookup("mode")),
		v.BindPFlag("signer.seed", f.Lookup("seed")),
		v.BindPFlag("turns", f.Lookup("turns")),
		v.BindPFlag("log.level", f.Lookup("log-level")),
	)
}

func play(ctx context.Context, cfg config.ClientConfig, out io.Writer) error {
	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	key, err := newSigner(cfg.Signer.Seed)
	if err != nil {
		return err
	}
	if cfg.Participant == "" {
		cfg.Participant = uuid.NewString()
	}

	var l channel.Ledger
	if cfg.Ledger.URL != "" {
		l = ledger.NewClient(cfg.Ledger.URL, &http.Client{Timeout: 10 * time.Second})
	}

	conn, err := client.Dial(ctx, cfg.Server.URL, cfg.Participant)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Info("connected", zap.String("participant", cfg.Participant), zap.String("address", key.Address()))
	bot := client.NewBot(client.BotConfig{
		Participant: cfg.Participant,
		Mode:        cfg.Mode,
		Turns:       cfg.Turns,
		Signer:      key,
		Ledger:      l,
	}, conn, log)

	res, err := bot.Run(ctx)
	if res != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
	}
	return err
}

func newSigner(seed string) (*signer.KeySigner, error) {
	if seed == "" {
		return signer.Generate()
	}
	k, err := signer.NewKeySigner(seed)
	if err != nil {
		return nil, fmt.Errorf("signer.seed: %w", err)
	}
	return k, nil
}
