// Command loadgen drives a running engine over HTTP: it funds a set of test
// accounts and submits transfers between them, printing shard load at the
// end. With network delays enabled in config it approximates WAN clients.
package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dynashard/dynashard/config"
	"github.com/dynashard/dynashard/internal/network"
)

func main() {
	url := flag.String("url", "http://localhost:8545", "Engine URL")
	accounts := flag.Int("accounts", 20, "Number of test accounts")
	txCount := flag.Int("txs", 200, "Number of transfers to submit")
	configPath := flag.String("config", "config/config.json", "Path to config file")
	flag.Parse()

	var networkCfg config.NetworkConfig
	if cfg, err := config.Load(*configPath); err == nil {
		networkCfg = cfg.Network
		if networkCfg.DelayEnabled {
			log.Printf("Network delay simulation enabled: %d-%dms",
				networkCfg.MinDelayMs, networkCfg.MaxDelayMs)
		}
	}
	client := network.NewHTTPClient(networkCfg, 10*time.Second)

	addrs := make([]common.Address, *accounts)
	for i := range addrs {
		hash := sha256.Sum256(fmt.Appendf(nil, "loadgen-account-%d", i))
		addrs[i] = common.BytesToAddress(hash[:])
	}

	log.Printf("Funding %d accounts", *accounts)
	for _, addr := range addrs {
		post(client, *url+"/faucet", map[string]string{
			"address": addr.Hex(),
			"amount":  "1000000000",
		})
	}

	log.Printf("Submitting %d transfers", *txCount)
	nonces := make(map[common.Address]uint64)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < *txCount; i++ {
		from := addrs[rng.Intn(len(addrs))]
		to := addrs[rng.Intn(len(addrs))]
		if from == to {
			continue
		}
		post(client, *url+"/tx/submit", map[string]interface{}{
			"from":   from.Hex(),
			"to":     to.Hex(),
			"amount": "100",
			"nonce":  nonces[from],
		})
		nonces[from]++
	}

	resp, err := client.Get(*url + "/shards")
	if err != nil {
		log.Fatalf("Failed to query shard status: %v", err)
	}
	defer resp.Body.Close()
	status, _ := io.ReadAll(resp.Body)
	fmt.Printf("Shard status: %s\n", status)
}

func post(client *http.Client, url string, body interface{}) {
	data, _ := json.Marshal(body)
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		log.Printf("POST %s failed: %v", url, err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
