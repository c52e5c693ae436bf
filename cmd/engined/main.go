package main

import (
	"flag"
	"log"
	"os"
	"strconv"

	"github.com/dynashard/dynashard/config"
	"github.com/dynashard/dynashard/internal/engine"
	"github.com/dynashard/dynashard/internal/protocol"
)

func main() {
	configPath := flag.String("config", "config/config.json", "Path to config file")
	port := flag.Int("port", 8545, "HTTP port")
	verifySigs := flag.Bool("verify-signatures", false, "Require secp256k1 signatures on transactions")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("No config at %s (%v), using defaults", *configPath, err)
		cfg = config.Default()
	}

	// Allow environment variable overrides
	if envShards := os.Getenv("SHARD_COUNT"); envShards != "" {
		if n, err := strconv.Atoi(envShards); err == nil {
			cfg.ShardCount = n
		}
	}
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			*port = p
		}
	}
	if envWAL := os.Getenv("WAL_DIR"); envWAL != "" {
		cfg.WALDir = envWAL
	}

	var verifier protocol.SignatureVerifier = protocol.AcceptAllVerifier{}
	if *verifySigs {
		verifier = protocol.RecoverVerifier{}
	}

	eng, err := engine.New(cfg, verifier)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer eng.Close()

	server := engine.NewServer(eng, cfg)
	defer server.Close()
	log.Fatal(server.Start(*port))
}
