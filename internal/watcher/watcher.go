// Package watcher keeps trade records in step with the escrow contract.
//
// It polls the chain for TradeCancelled, TradeDeclined and TradeAccepted
// events and hands each one to the trade manager, so a trade resolved
// directly against the contract still leaves pending off-chain.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/nftswap/internal/chain"
	"github.com/mbd888/nftswap/internal/escrow"
	"github.com/mbd888/nftswap/internal/logging"
	"github.com/mbd888/nftswap/internal/metrics"
	"github.com/mbd888/nftswap/internal/trades"
)

// Syncer applies a decoded resolution event to the stored trade.
type Syncer interface {
	SyncResolution(ctx context.Context, res escrow.Resolution, txHash string) (trades.SyncOutcome, error)
}

// Config for the escrow event watcher
type Config struct {
	PollInterval  time.Duration
	StartBlock    uint64 // 0 = latest
	MaxBlockRange uint64 // blocks per log query
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:  15 * time.Second,
		StartBlock:    0,
		MaxBlockRange: 2000,
	}
}

// Watcher polls the escrow contract for resolution events.
type Watcher struct {
	reader   chain.LogReader
	contract *escrow.Contract
	syncer   Syncer
	config   Config
	logger   *slog.Logger

	mu        sync.Mutex
	lastBlock uint64              // last block fully processed
	processed map[string]struct{} // logs handled in the block range being retried

	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a watcher. Zero config fields take their defaults.
func New(reader chain.LogReader, contract *escrow.Contract, syncer Syncer, cfg Config, logger *slog.Logger) *Watcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = def.MaxBlockRange
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Watcher{
		reader:    reader,
		contract:  contract,
		syncer:    syncer,
		config:    cfg,
		logger:    logger,
		processed: make(map[string]struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start sets the block cursor and begins polling in the background.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.initCursor(ctx); err != nil {
		return err
	}

	w.logger.Info("escrow watcher started",
		"contract", w.contract.Address().Hex(),
		"startBlock", w.LastBlock()+1,
		"interval", w.config.PollInterval,
	)

	w.running.Store(true)
	go w.pollLoop(ctx)
	return nil
}

// Stop stops the poll loop and waits for the current poll to finish.
// It is safe to call more than once and before Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.running.Load() {
		<-w.done
	}
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// LastBlock returns the last block fully processed.
func (w *Watcher) LastBlock() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastBlock
}

func (w *Watcher) initCursor(ctx context.Context) error {
	var last uint64
	if w.config.StartBlock == 0 {
		head, err := w.reader.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		last = head
	} else {
		last = w.config.StartBlock - 1
	}
	w.mu.Lock()
	w.lastBlock = last
	w.mu.Unlock()
	metrics.SyncLastBlock.Set(float64(last))
	return nil
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safePoll(ctx)
		}
	}
}

func (w *Watcher) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in escrow watcher", "panic", fmt.Sprint(r))
		}
	}()

	if err := w.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error("escrow event sync failed", "error", err)
	}
}

// Poll scans every block after the cursor up to the chain head, in chunks of
// at most MaxBlockRange blocks. The cursor advances past a chunk only once
// every event in it was applied; a failed chunk is rescanned on the next
// poll and events already applied from it are skipped.
func (w *Watcher) Poll(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	head, err := w.reader.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}
	if head <= w.lastBlock {
		metrics.SyncLagBlocks.Set(0)
		return nil
	}
	metrics.SyncLagBlocks.Set(float64(head - w.lastBlock))

	topics := w.contract.ResolutionTopics()
	for from := w.lastBlock + 1; from <= head; {
		to := min(from+w.config.MaxBlockRange-1, head)

		logs, err := w.reader.FilterLogs(ctx, chain.LogFilter{
			Address:   w.contract.Address(),
			FromBlock: from,
			ToBlock:   to,
			Topics:    topics,
		})
		if err != nil {
			return fmt.Errorf("failed to filter logs: %w", err)
		}

		for _, l := range logs {
			if err := w.process(ctx, l); err != nil {
				return fmt.Errorf("failed to sync %s log %d: %w", l.TxHash.Hex(), l.Index, err)
			}
		}

		w.lastBlock = to
		clear(w.processed)
		metrics.SyncLastBlock.Set(float64(to))
		metrics.SyncLagBlocks.Set(float64(head - to))
		from = to + 1
	}
	return nil
}

// process applies one log. Callers hold w.mu.
func (w *Watcher) process(ctx context.Context, l chain.Log) error {
	key := fmt.Sprintf("%s:%d", l.TxHash.Hex(), l.Index)
	if _, ok := w.processed[key]; ok {
		return nil
	}

	res, ok := w.contract.DecodeResolution(l)
	if !ok {
		metrics.SyncEventsTotal.WithLabelValues("undecodable").Inc()
		w.logger.Warn("skipping undecodable escrow log", "tx", l.TxHash.Hex(), "logIndex", l.Index)
		w.processed[key] = struct{}{}
		return nil
	}

	outcome, err := w.syncer.SyncResolution(ctx, res, l.TxHash.Hex())
	if err != nil {
		metrics.SyncEventsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.SyncEventsTotal.WithLabelValues(string(outcome)).Inc()
	w.processed[key] = struct{}{}

	w.logger.Debug("escrow event synced",
		"event", res.Event,
		"tradeId", res.TradeID,
		"tx", l.TxHash.Hex(),
		"block", l.BlockNumber,
		"outcome", outcome,
	)
	return nil
}
