package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"vutor/torrent"
)

func main() {
	maxPeers := flag.Int("max-peers", 0, "maximum concurrent peer sessions (default 45, or config override)")
	port := flag.Int("port", 0, "port advertised to the tracker (default 6881, or config override)")
	outDir := flag.String("out", ".", "directory the downloaded file is written to")
	configPath := flag.String("config", "", "optional YAML file overriding engine defaults")
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <path-to-torrent-file>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := torrent.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *maxPeers > 0 {
		cfg.MaxPeers = *maxPeers
	}
	if *port > 0 {
		cfg.Port = *port
	}

	engine, err := torrent.NewEngine(args[0], *outDir, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}
