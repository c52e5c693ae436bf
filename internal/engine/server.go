package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	"github.com/dynashard/dynashard/config"
	"github.com/dynashard/dynashard/internal/protocol"
)

const (
	// Default block production interval (used if config not available)
	DefaultBlockInterval = 2 * time.Second

	// MaxBlockBuffer is the maximum number of out-of-order blocks to buffer
	MaxBlockBuffer = 100
)

// Server exposes the engine over HTTP: block ingestion from the production
// layer, transaction submission into the next self-produced block, and the
// read-only query surface. Queries never block block processing.
type Server struct {
	engine        *Engine
	router        *mux.Router
	buffer        *BlockBuffer
	blockInterval time.Duration

	pendingMu sync.Mutex
	pending   []protocol.Transaction

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a server and starts the block producer, which sweeps
// submitted transactions into a block every block interval.
func NewServer(e *Engine, cfg *config.Config) *Server {
	s := newServer(e, cfg)
	s.done = make(chan struct{})
	go s.blockProducer()
	return s
}

// NewServerForTest creates a server without starting the block producer (for testing)
func NewServerForTest(e *Engine, cfg *config.Config) *Server {
	return newServer(e, cfg)
}

func newServer(e *Engine, cfg *config.Config) *Server {
	interval := DefaultBlockInterval
	if cfg != nil && cfg.BlockTimeMs > 0 {
		interval = time.Duration(cfg.BlockTimeMs) * time.Millisecond
	}
	s := &Server{
		engine:        e,
		router:        mux.NewRouter(),
		buffer:        NewBlockBuffer(e.ledger.Height()+1, MaxBlockBuffer),
		blockInterval: interval,
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP router for testing
func (s *Server) Router() *mux.Router {
	return s.router
}

// Close stops the block producer. Idempotent; safe on test servers.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.done != nil {
			close(s.done)
		}
	})
}

func (s *Server) setupRoutes() {
	// Block ingestion from the production layer
	s.router.HandleFunc("/block", s.handleBlock).Methods("POST")
	s.router.HandleFunc("/block/latest", s.handleLatestBlock).Methods("GET")
	s.router.HandleFunc("/block/{height}", s.handleGetBlock).Methods("GET")

	// Transaction submission and funding
	s.router.HandleFunc("/tx/submit", s.handleTxSubmit).Methods("POST")
	s.router.HandleFunc("/faucet", s.handleFaucet).Methods("POST")
	s.router.HandleFunc("/receipt/{txid}", s.handleReceipt).Methods("GET")

	// Query surface
	s.router.HandleFunc("/balance/{address}", s.handleGetBalance).Methods("GET")
	s.router.HandleFunc("/shards", s.handleShards).Methods("GET")
	s.router.HandleFunc("/stateroot/{shard}", s.handleStateRoot).Methods("GET")

	// Expansion
	s.router.HandleFunc("/expansions", s.handleExpansions).Methods("GET")
	s.router.HandleFunc("/expand", s.handleExpand).Methods("POST")

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("Engine server starting on %s (%d shards)", addr, s.engine.ShardCount())
	return http.ListenAndServe(addr, s.router)
}

// blockProducer sweeps pending transactions into a block periodically
func (s *Server) blockProducer() {
	ticker := time.NewTicker(s.blockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			log.Printf("Engine: block producer stopping")
			return
		case <-ticker.C:
			if _, err := s.ProduceBlock(); err != nil {
				log.Printf("Engine: block production failed: %v", err)
			}
		}
	}
}

// ProduceBlock sweeps the pending pool into the next block (also used by tests)
func (s *Server) ProduceBlock() (*protocol.BlockResult, error) {
	s.pendingMu.Lock()
	txs := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	if len(txs) == 0 && s.engine.DeferredCount() == 0 {
		return nil, nil
	}

	height := s.engine.ledger.Height() + 1
	ctx, cancel := context.WithTimeout(context.Background(), s.blockInterval*2)
	defer cancel()
	return s.engine.ProcessBlock(ctx, height, txs)
}

// Handler implementations

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var block protocol.ConsensusBlock
	if err := json.NewDecoder(r.Body).Decode(&block); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ready := s.buffer.Add(&block)
	if ready == nil {
		json.NewEncoder(w).Encode(map[string]string{"status": "buffered"})
		return
	}

	var results []*protocol.BlockResult
	for _, b := range ready {
		result, err := s.engine.ProcessBlock(r.Context(), b.Height, b.Transactions)
		if err != nil {
			// Add already advanced the cursor past this block, so realign the
			// buffer with what the ledger actually accepted.
			s.buffer.Reset(s.engine.ledger.Height() + 1)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		results = append(results, result)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"results": results,
	})
}

type TxSubmitRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Nonce  uint64 `json:"nonce"`
}

func (s *Server) handleTxSubmit(w http.ResponseWriter, r *http.Request) {
	var req TxSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}

	tx := protocol.Transaction{
		ID:     uuid.New().String(),
		From:   common.HexToAddress(req.From),
		To:     common.HexToAddress(req.To),
		Amount: amount,
		Nonce:  req.Nonce,
	}

	s.pendingMu.Lock()
	s.pending = append(s.pending, tx)
	s.pendingMu.Unlock()

	crossShard := s.engine.route(tx.From) != s.engine.route(tx.To)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"tx_id":       tx.ID,
		"status":      "queued",
		"cross_shard": crossShard,
	})
}

type FaucetRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}

	sid, err := s.engine.Faucet(common.HexToAddress(req.Address), amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "shard_id": sid})
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	receipt := s.engine.Receipt(vars["txid"])
	if receipt == nil {
		http.Error(w, "receipt not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(receipt)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr := common.HexToAddress(vars["address"])
	balance, nonce, sid := s.engine.GetBalance(addr)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"address":  addr.Hex(),
		"balance":  balance.Dec(),
		"nonce":    nonce,
		"shard_id": sid,
	})
}

func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.engine.ShardStatuses())
}

func (s *Server) handleStateRoot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	shardID, err := strconv.Atoi(vars["shard"])
	if err != nil {
		http.Error(w, "invalid shard id", http.StatusBadRequest)
		return
	}
	root, err := s.engine.StateRoot(shardID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"shard_id":   shardID,
		"state_root": root.Hex(),
	})
}

func (s *Server) handleExpansions(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.engine.ExpansionHistory())
}

func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	event, err := s.engine.Expand(s.engine.ledger.Height())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(event)
}

func (s *Server) handleLatestBlock(w http.ResponseWriter, r *http.Request) {
	block := s.engine.Ledger().Latest()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"height": block.Height,
		"block":  block,
	})
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	height, err := strconv.ParseUint(vars["height"], 10, 64)
	if err != nil {
		http.Error(w, "invalid height", http.StatusBadRequest)
		return
	}
	block := s.engine.Ledger().Get(height)
	if block == nil {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(block)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"shard_count": s.engine.ShardCount(),
		"max_shards":  s.engine.cfg.MaxShards,
		"height":      s.engine.Ledger().Height(),
		"expansion":   string(s.engine.expansion.State()),
	})
}
