package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"plyline/pkg/bus"
	"plyline/services/intake/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "plyctl",
		Short:         "Operator utility for the plyline intake service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newAckCommand())
	cmd.AddCommand(newWatchCommand())
	return cmd
}

func newStatusCommand() *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Print the current snapshot of an upload batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(fmt.Sprintf("%s/photo/upload-status/%s", apiBase, args[0]))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("intake returned %s: %s", resp.Status, body)
			}

			var pretty map[string]any
			if err := json.Unmarshal(body, &pretty); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Fprintln(os.Stdout, string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&apiBase, "api", "http://127.0.0.1:8080", "Base URL of the intake service")
	return cmd
}

func newAckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <task-id>",
		Short: "Publish a consumer acknowledgement for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := connectBroker(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			msg := bus.NewMessage(bus.MessageAck, args[0])
			if err := client.Publish(cfg.Broker.AckSubject, msg); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "acknowledged task %s on %s\n", args[0], cfg.Broker.AckSubject)
			return nil
		},
	}
	return cmd
}

func newWatchCommand() *cobra.Command {
	var durable string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the artifact subject and summarize each envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, client, err := connectBroker(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			sub, err := client.Subscribe(ctx, cfg.Broker.Subject, durable, func(m bus.Message) {
				line := fmt.Sprintf("%s task=%s type=%s", m.Timestamp.Format(time.RFC3339), m.TaskID, m.Type)
				if m.Type == bus.MessageArtifact {
					if raw, err := base64.StdEncoding.DecodeString(m.Data); err == nil {
						line += fmt.Sprintf(" file=%s size=%d", m.FileName, len(raw))
					}
				}
				if m.Text != "" {
					line += " message=" + m.Text
				}
				fmt.Fprintln(os.Stdout, line)
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			fmt.Fprintf(os.Stdout, "watching %s (ctrl-c to stop)\n", cfg.Broker.Subject)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&durable, "durable", "plyctl-watch", "Durable consumer name")
	return cmd
}

func connectBroker(ctx context.Context) (config.Config, *bus.Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}

	client := bus.New(bus.Config{
		URL:      cfg.Broker.URL,
		ClientID: cfg.Broker.ClientID + "-ctl",
	}, log.New(os.Stderr, "", 0))
	client.Start(ctx)
	if !client.IsConnected() {
		client.Close()
		return config.Config{}, nil, fmt.Errorf("broker at %s is unreachable", cfg.Broker.URL)
	}
	return cfg, client, nil
}
