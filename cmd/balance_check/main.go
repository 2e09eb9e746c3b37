// Package main provides a CLI that compares a wallet's on-chain balances with
// what every backup tier currently holds for it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/balance-sentinel/internal/adapter"
	"github.com/balance-sentinel/internal/backup"
	"github.com/balance-sentinel/internal/config"
	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/service"
	"github.com/balance-sentinel/internal/storage"
	"github.com/balance-sentinel/internal/types"
)

func main() {
	userFlag := flag.String("user", "", "User id owning the wallet")
	addrFlag := flag.String("address", "", "Wallet address")
	networkFlag := flag.String("network", "mainnet", "Network: mainnet or testnet")
	persistFlag := flag.Bool("persist", false, "Write the fresh chain snapshot to every tier")
	flag.Parse()

	if *userFlag == "" || *addrFlag == "" {
		fmt.Println("Usage: balance_check -user <id> -address <0x...> [-network testnet] [-persist]")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(logging.ParseLogLevel("warn"), logging.FormatText)

	network, err := types.ParseNetwork(*networkFlag)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	key := types.NewBalanceKey(*userFlag, *addrFlag, network)
	if err := key.Validate(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	tiers, cache, cleanup := openTiers(ctx, cfg)
	defer cleanup()

	// === 1. On-chain balances ===
	fmt.Printf("=== Balance check for %s ===\n\n", key)
	chain := adapter.NewFailoverClient(adapter.NewProvider("explorer", adapter.NewExplorerClient(cfg.Chains)))
	chainCtx, chainCancel := context.WithTimeout(ctx, cfg.Chains.Timeout)
	raw, err := chain.FetchBalances(chainCtx, key.Address, key.Network)
	chainCancel()

	var onChain *types.BalanceSnapshot
	if err != nil {
		fmt.Printf("Chain: ERROR %v\n\n", err)
	} else {
		onChain, err = adapter.Normalize(key.Address, key.Network, cfg.Chains.Networks[key.Network].NativeSymbol, raw, time.Now().UTC())
		if err != nil {
			fmt.Printf("Chain: ERROR normalizing response: %v\n\n", err)
		} else {
			printSnapshot("Chain", onChain)
		}
	}

	// === 2. Shared cache and tiers ===
	var views []*types.BalanceSnapshot
	if cache != nil {
		snap, err := cache.Get(ctx, key)
		views = append(views, report(string(types.SourceSharedCache), snap, err))
	}
	for _, tier := range tiers {
		snap, err := backup.SafeGet(ctx, tier, key)
		views = append(views, report(string(tier.Source()), snap, err))
	}

	// === 3. Drift against chain ===
	if onChain != nil {
		fmt.Printf("=== Drift against chain ===\n")
		for _, view := range views {
			if view == nil {
				continue
			}
			deltas := service.Diff(view, onChain, decimal.Zero)
			if len(deltas) == 0 {
				fmt.Printf("  %-12s ✅ MATCH\n", view.Source)
				continue
			}
			fmt.Printf("  %-12s ❌ %d token(s) differ (captured %s ago)\n", view.Source, len(deltas), time.Since(view.CapturedAt).Round(time.Second))
			for _, d := range deltas {
				fmt.Printf("      %-10s %s -> %s (%s)\n", d.Token, d.Previous.StringFixed(6), d.Current.StringFixed(6), d.Direction())
			}
		}
		fmt.Println()

		if *persistFlag {
			writer := backup.NewWriter(cache, tiers, backup.WriterConfig{Timeout: cfg.Backup.WriteTimeout, CacheTTL: cfg.Cache.TTL}, logger)
			for target, err := range writer.PersistSync(ctx, key, onChain) {
				status := "ok"
				if err != nil {
					status = err.Error()
				}
				fmt.Printf("Persist %-12s %s\n", target, status)
			}
		}
	}
}

// openTiers opens every reachable store. Unreachable ones are reported and
// skipped.
func openTiers(ctx context.Context, cfg *config.Config) ([]backup.Tier, backup.SharedCache, func()) {
	var closers []func()
	var tiers []backup.Tier
	var cache backup.SharedCache

	if redis, err := storage.NewRedisCache(ctx, &cfg.Database.Redis); err != nil {
		fmt.Printf("Redis: unavailable (%v)\n", err)
	} else {
		closers = append(closers, func() { _ = redis.Close() })
		cache = storage.NewBalanceCache(redis, cfg.Cache.TTL)
	}

	if wal, err := backup.OpenWALTier(backup.WALConfig{Dir: cfg.Backup.WALDir}); err != nil {
		fmt.Printf("WAL: unavailable (%v)\n", err)
	} else {
		closers = append(closers, func() { _ = wal.Close() })
		tiers = append(tiers, wal)
	}

	if pg, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres); err != nil {
		fmt.Printf("Postgres: unavailable (%v)\n", err)
	} else {
		closers = append(closers, pg.Close)
		tiers = append(tiers, backup.NewPostgresTier(pg.Pool()))
	}

	if ch, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse); err != nil {
		fmt.Printf("ClickHouse: unavailable (%v)\n", err)
	} else {
		closers = append(closers, func() { _ = ch.Close() })
		tiers = append(tiers, backup.ChainSourcedOnly(backup.NewClickHouseTier(ch.Conn())))
	}
	fmt.Println()

	return tiers, cache, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}

func report(name string, snap *types.BalanceSnapshot, err error) *types.BalanceSnapshot {
	switch {
	case err != nil:
		fmt.Printf("%s: ERROR %v\n\n", name, err)
		return nil
	case snap == nil:
		fmt.Printf("%s: empty\n\n", name)
		return nil
	}
	printSnapshot(name, snap)
	return snap
}

func printSnapshot(name string, snap *types.BalanceSnapshot) {
	fmt.Printf("%s (source %s, captured %s):\n", name, snap.Source, snap.CapturedAt.Format(time.RFC3339))
	for _, sym := range snap.Symbols() {
		fmt.Printf("  %-10s %s\n", sym, snap.Balances[sym])
	}
	fmt.Println()
}
