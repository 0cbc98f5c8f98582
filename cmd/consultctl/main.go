package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/loqalabs/consult-voice/internal/bus"
	"github.com/loqalabs/consult-voice/internal/config"
	"github.com/loqalabs/consult-voice/internal/consult"
	"github.com/loqalabs/consult-voice/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		importFile string
		publishURL string
		publishIn  string
	)
	importCmd := flag.NewFlagSet("import", flag.ExitOnError)
	importCmd.StringVar(&configPath, "config", "relay.yaml", "Path to configuration file")
	importCmd.StringVar(&importFile, "file", "consults.json", "JSON array of upstream message payloads")

	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listCmd.StringVar(&configPath, "config", "relay.yaml", "Path to configuration file")

	publishCmd := flag.NewFlagSet("publish", flag.ExitOnError)
	publishCmd.StringVar(&publishURL, "server", "nats://localhost:4222", "NATS server of a running relayd")
	publishCmd.StringVar(&publishIn, "file", "consults.json", "JSON array of upstream message payloads")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'import', 'list', 'publish' or 'version'")
		os.Exit(2)
	}
	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	var err error
	switch os.Args[1] {
	case "import":
		importCmd.Parse(os.Args[2:])
		err = runImport(ctx, configPath, importFile, logger)
	case "list":
		listCmd.Parse(os.Args[2:])
		err = runList(ctx, configPath, os.Stdout, logger)
	case "publish":
		publishCmd.Parse(os.Args[2:])
		err = runPublish(ctx, publishURL, publishIn, logger)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func readPayloads(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var payloads []json.RawMessage
	if err := json.Unmarshal(data, &payloads); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return payloads, nil
}

func openStore(ctx context.Context, configPath string, logger *slog.Logger) (*consult.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return consult.Open(ctx, cfg.ConsultStore, logger)
}

func runImport(ctx context.Context, configPath, file string, logger *slog.Logger) error {
	payloads, err := readPayloads(file)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, configPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ingestor := consult.NewIngestor(store, logger)
	for i, raw := range payloads {
		key, err := ingestor.Ingest(ctx, raw)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		fmt.Println("imported", key)
	}
	return nil
}

func runList(ctx context.Context, configPath string, out io.Writer, logger *slog.Logger) error {
	store, err := openStore(ctx, configPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRECEIVED\tMESSAGES\tSENDER\tSNIPPET")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.ReceivedAt.Format(time.RFC3339), s.MessageCount, s.SenderEmail, s.Snippet)
	}
	return tw.Flush()
}

func runPublish(ctx context.Context, server, file string, logger *slog.Logger) error {
	payloads, err := readPayloads(file)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := bus.Connect(ctx, config.BusConfig{Servers: []string{server}}, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	for i, raw := range payloads {
		reply, err := client.Conn().Request(protocol.SubjectConsultIngest, raw, 2*time.Second)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		var ack protocol.IngestAck
		if err := json.Unmarshal(reply.Data, &ack); err != nil {
			return fmt.Errorf("message %d: decode ack: %w", i, err)
		}
		if ack.Error != "" {
			return fmt.Errorf("message %d rejected: %s", i, ack.Error)
		}
		fmt.Println("published", ack.Key)
	}
	return nil
}
