package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kargono/kgnet/internal/client"
	"github.com/kargono/kgnet/internal/events"
	"github.com/kargono/kgnet/internal/network"
	"github.com/kargono/kgnet/internal/protocol"
)

func clientCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to a kgnet server and exchange chat messages",
		Long: `Connects to the server named by the config file (or --address), prints
every message the server sends, and sends each line typed on stdin as a
client chat message.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(address)
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "server address (ip:port), overrides the config")

	return cmd
}

func runClient(address string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	netCfg := cfg.GetNetwork()
	if address != "" {
		netCfg.ServerAddress = address
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := events.NewEventBus(256)
	bus.Subscribe(events.EventMessageReceived, "console", func(_ context.Context, e events.Event) error {
		p, ok := e.Payload.(events.MessageReceivedPayload)
		if !ok {
			return nil
		}
		if text, err := p.Message.PopString(); err == nil {
			fmt.Printf("[type %d] %s\n", p.Message.Header.ID, text)
		} else {
			fmt.Printf("[type %d] %d byte payload\n", p.Message.Header.ID, p.Message.PayloadSize())
		}
		return nil
	})
	bus.Start(ctx)
	defer bus.Stop()

	c, err := client.New(netCfg, network.NewSocketContext(), bus, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	idx, err := c.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.Server(), err)
	}
	fmt.Printf("Connected to %s as client %d. Type a line to chat, Ctrl+C to leave.\n", c.Server(), idx)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			msg := protocol.NewMessage(protocol.MsgClientChat)
			msg.AppendString(scanner.Text())
			if err := c.SendMessage(msg); err != nil {
				log.Warn().Err(err).Msg("failed to send chat message")
			}
		}
	}()

	err = c.Run(ctx)
	switch {
	case err == nil:
		fmt.Println("Disconnecting...")
		return nil
	case errors.Is(err, client.ErrDisconnected):
		fmt.Println("The server closed the connection.")
		return nil
	default:
		return err
	}
}
