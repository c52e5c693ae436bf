// Command genesis seeds per-shard WAL checkpoints with deterministic funded
// accounts, so a fresh engine starts with usable balances instead of an
// empty state.
package main

import (
	"crypto/sha256"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/dynashard/dynashard/config"
	"github.com/dynashard/dynashard/internal/protocol"
	"github.com/dynashard/dynashard/internal/router"
	"github.com/dynashard/dynashard/internal/wal"
)

func main() {
	configPath := flag.String("config", "config/config.json", "Path to config file")
	accountNum := flag.Int("accounts", 100, "Number of test accounts to generate")
	balance := flag.String("balance", "1000000000000000000", "Initial balance per account")
	addressFile := flag.String("address-file", "", "Optional file to write generated addresses to")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.WALDir == "" {
		log.Fatal("wal_dir must be set to seed a durable genesis")
	}

	initial, err := uint256.FromDecimal(*balance)
	if err != nil {
		log.Fatalf("Invalid balance: %v", err)
	}

	addresses := generateAddresses(*accountNum)
	if *addressFile != "" {
		if err := writeAddressFile(*addressFile, addresses); err != nil {
			log.Fatalf("Failed to write address file: %v", err)
		}
	}

	// Partition accounts by route and checkpoint each shard's WAL.
	byShard := make(map[int][]*protocol.Account)
	for _, addr := range addresses {
		sid := router.Route(addr, cfg.ShardCount)
		byShard[sid] = append(byShard[sid], &protocol.Account{
			Address: addr,
			Balance: new(uint256.Int).Set(initial),
		})
	}

	for sid := 0; sid < cfg.ShardCount; sid++ {
		walLog, err := wal.OpenLevelDB(cfg.WALDir, sid)
		if err != nil {
			log.Fatalf("Failed to open WAL for shard %d: %v", sid, err)
		}
		if err := walLog.WriteCheckpoint(byShard[sid]); err != nil {
			log.Fatalf("Failed to checkpoint shard %d: %v", sid, err)
		}
		walLog.Close()
		fmt.Printf("Seeded shard %d with %d accounts\n", sid, len(byShard[sid]))
	}
}

// generateAddresses derives deterministic test addresses from fixed seeds
func generateAddresses(n int) []common.Address {
	addrs := make([]common.Address, n)
	for i := 0; i < n; i++ {
		seed := fmt.Sprintf("shard-test-account-%d", i)
		hash := sha256.Sum256([]byte(seed))
		addrs[i] = common.BytesToAddress(hash[:])
	}
	return addrs
}

func writeAddressFile(path string, addrs []common.Address) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	for _, addr := range addrs {
		if _, err := fmt.Fprintln(file, addr.Hex()); err != nil {
			return err
		}
	}
	return nil
}
