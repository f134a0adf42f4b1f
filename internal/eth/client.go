// Package eth is the settlement-chain adapter: an event poller that feeds the
// coordinator in block order, and an operator that submits the contract calls
// the coordinator is authorized to make.
package eth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/chainassassin/server/internal/config"
)

// Client bundles the RPC connection, the parsed contract ABI, and the
// operator identity.
type Client struct {
	rpc      *ethclient.Client
	abi      abi.ABI
	contract common.Address
	chainID  *big.Int

	key     *ecdsa.PrivateKey
	keyAddr common.Address

	cfg config.ChainConfig
	log *zap.Logger
}

func NewClient(ctx context.Context, cfg config.ChainConfig, log *zap.Logger) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", cfg.RPCURL, err)
	}

	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}

	c := &Client{
		rpc:      rpc,
		abi:      parsed,
		contract: common.HexToAddress(cfg.ContractAddress),
		chainID:  chainID,
		cfg:      cfg,
		log:      log,
	}

	if cfg.OperatorKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorKey, "0x"))
		if err != nil {
			rpc.Close()
			return nil, fmt.Errorf("parse operator key: %w", err)
		}
		c.key = key
		c.keyAddr = crypto.PubkeyToAddress(key.PublicKey)
		log.Info("operator key loaded", zap.String("address", c.keyAddr.Hex()))
	}

	return c, nil
}

// OperatorAddress is the address of the loaded operator key, or the zero
// address when no key is configured.
func (c *Client) OperatorAddress() common.Address {
	return c.keyAddr
}

func (c *Client) Close() {
	c.rpc.Close()
}
