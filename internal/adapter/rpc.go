package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/balance-sentinel/internal/config"
	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/types"
)

// ERC20 ABI minimal part for balanceOf
const erc20ABI = `[{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"}]`

var (
	parsedERC20ABI  abi.ABI
	parsedERC20Once sync.Once
)

func erc20() abi.ABI {
	parsedERC20Once.Do(func() {
		var err error
		parsedERC20ABI, err = abi.JSON(strings.NewReader(erc20ABI))
		if err != nil {
			panic(fmt.Sprintf("failed to parse ERC20 ABI: %v", err))
		}
	})
	return parsedERC20ABI
}

// RPCClient reads the native balance and the configured ERC-20 tokens over
// JSON-RPC, one batch per wallet
type RPCClient struct {
	networks map[types.Network]*rpcNetwork
}

type rpcNetwork struct {
	client         *ethclient.Client
	nativeDecimals int
	tokens         []config.TokenConfig
}

// DialRPCClient connects to every network with an RPC URL
func DialRPCClient(ctx context.Context, cfg config.ChainsConfig) (*RPCClient, error) {
	c := &RPCClient{networks: make(map[types.Network]*rpcNetwork)}
	for network, netCfg := range cfg.Networks {
		if netCfg.RPCURL == "" {
			continue
		}
		client, err := ethclient.DialContext(ctx, netCfg.RPCURL)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect to %s RPC: %w", network, err)
		}
		c.networks[network] = &rpcNetwork{
			client:         client,
			nativeDecimals: netCfg.NativeDecimals,
			tokens:         netCfg.Tokens,
		}
	}
	return c, nil
}

// Supports reports whether the client is connected for network
func (c *RPCClient) Supports(network types.Network) bool {
	_, ok := c.networks[network]
	return ok
}

// Close closes every connection
func (c *RPCClient) Close() {
	for _, n := range c.networks {
		n.client.Close()
	}
}

// FetchBalances batches eth_getBalance with one eth_call balanceOf per
// configured token. A token whose call fails is left out; a failed native
// balance fails the whole fetch.
func (c *RPCClient) FetchBalances(ctx context.Context, address string, network types.Network) (*RawBalances, error) {
	n, ok := c.networks[network]
	if !ok {
		return nil, NewAdapterError(network, "rpc", ErrUnsupportedNetwork, nil)
	}
	if !common.IsHexAddress(address) {
		return nil, NewAdapterError(network, "rpc", ErrInvalidAddress, map[string]interface{}{"address": address})
	}

	wallet := common.HexToAddress(address)
	callData, err := erc20().Pack("balanceOf", wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}

	batch := make([]rpc.BatchElem, 0, len(n.tokens)+1)
	var native hexutil.Big
	batch = append(batch, rpc.BatchElem{
		Method: "eth_getBalance",
		Args:   []interface{}{wallet, "latest"},
		Result: &native,
	})
	results := make([]hexutil.Bytes, len(n.tokens))
	for i, tok := range n.tokens {
		batch = append(batch, rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{map[string]interface{}{
				"to":   common.HexToAddress(tok.Contract),
				"data": hexutil.Bytes(callData),
			}, "latest"},
			Result: &results[i],
		})
	}

	if err := n.client.Client().BatchCallContext(ctx, batch); err != nil {
		return nil, NewAdapterError(network, "rpc", upstreamError("rpc", classifyTransportError(ctx, err)), map[string]interface{}{"address": address})
	}
	if batch[0].Error != nil {
		return nil, NewAdapterError(network, "rpc", apperrors.NewUpstreamError("rpc", fmt.Errorf("%w: eth_getBalance: %v", ErrProviderUnavailable, batch[0].Error)), map[string]interface{}{"address": address})
	}

	raw := &RawBalances{
		Native:         (*big.Int)(&native).String(),
		NativeDecimals: n.nativeDecimals,
		Tokens:         make([]RawToken, 0, len(n.tokens)),
	}

	log := logging.FromContext(ctx)
	for i, tok := range n.tokens {
		elem := batch[i+1]
		if elem.Error != nil {
			log.WithFields(map[string]interface{}{
				"network": network,
				"token":   tok.Symbol,
			}).WithError(elem.Error).Warn("balanceOf call failed")
			continue
		}
		balance, err := unpackBalance(results[i])
		if err != nil {
			log.WithFields(map[string]interface{}{
				"network": network,
				"token":   tok.Symbol,
			}).WithError(err).Warn("Unreadable balanceOf result")
			continue
		}
		raw.Tokens = append(raw.Tokens, RawToken{
			Symbol:     tok.Symbol,
			Decimals:   tok.Decimals,
			BalanceRaw: balance.String(),
		})
	}
	return raw, nil
}

// unpackBalance decodes a balanceOf return value; empty data means zero
func unpackBalance(data hexutil.Bytes) (*big.Int, error) {
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	unpacked, err := erc20().Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(unpacked) == 0 {
		return nil, fmt.Errorf("balanceOf returned no data")
	}
	balance, ok := unpacked[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf type %T", unpacked[0])
	}
	return balance, nil
}
