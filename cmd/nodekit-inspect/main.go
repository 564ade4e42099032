// Package main implements nodekit-inspect, an operator tool for looking at
// a nodekit store over NATS: it lists registered schemas or dumps a single
// node as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/c360/nodekit/config"
	"github.com/c360/nodekit/session"
	"github.com/c360/nodekit/store"
	"github.com/c360/nodekit/store/natskv"
)

const (
	Version = "0.1.0"
	appName = "nodekit-inspect"
)

func main() {
	if err := run(); err != nil {
		slog.Error("inspect failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.NATSURL != "" {
		cfg.NATS.URL = cliCfg.NATSURL
	}
	if cliCfg.Bucket != "" {
		cfg.NATS.Bucket = cliCfg.Bucket
	}
	if cfg.NATS.URL == "" {
		return fmt.Errorf("no NATS URL: pass -nats-url or set nats.url in the config file")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cliCfg.Timeout)
	defer cancel()

	backend, err := natskv.Open(ctx, cfg.NATS.URL, cfg.NATS.Bucket, natskv.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}

	sess, err := session.New(ctx, cfg, backend, session.WithLogger(logger))
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("open session: %w", err)
	}
	defer func() { _ = sess.Close() }()

	if cliCfg.NodeID != "" {
		return dumpNode(sess, store.ID(cliCfg.NodeID), cliCfg.Format)
	}
	return listSchemas(ctx, sess, cliCfg.Format)
}

func listSchemas(ctx context.Context, sess *session.Session, format string) error {
	infos, err := sess.Registry().ListSchemas(ctx)
	if err != nil {
		return fmt.Errorf("list schemas: %w", err)
	}

	if format == "json" {
		out := make([]map[string]any, 0, len(infos))
		for _, info := range infos {
			out = append(out, map[string]any{
				"name":     info.Name,
				"id":       string(info.ID),
				"cotype":   string(info.Definition.CoType),
				"required": info.Definition.Required,
			})
		}
		return printJSON(out)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tCOTYPE\tFIELDS")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			info.Name, info.ID, info.Definition.CoType, len(info.Definition.Properties))
	}
	return w.Flush()
}

func dumpNode(sess *session.Session, id store.ID, format string) error {
	h, ok := sess.Facade().Node(id)
	if !ok {
		return fmt.Errorf("node %s is not known to this replica", id)
	}

	dump := map[string]any{
		"id":        string(h.ID()),
		"cotype":    string(h.CoType()),
		"group":     string(h.GroupID()),
		"available": h.Available(),
		"meta":      h.Header().Meta,
	}
	switch h.CoType() {
	case store.CoMap:
		dump["content"] = h.Content()
	default:
		dump["items"] = h.Items()
	}

	if format == "json" {
		return printJSON(dump)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id\t%s\n", dump["id"])
	fmt.Fprintf(w, "cotype\t%s\n", dump["cotype"])
	fmt.Fprintf(w, "group\t%s\n", dump["group"])
	fmt.Fprintf(w, "available\t%v\n", dump["available"])
	if content, ok := dump["content"].(map[string]any); ok {
		for k, v := range content {
			fmt.Fprintf(w, "content.%s\t%v\n", k, v)
		}
	}
	if items, ok := dump["items"].([]any); ok {
		for i, v := range items {
			fmt.Fprintf(w, "items[%d]\t%v\n", i, v)
		}
	}
	return w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
