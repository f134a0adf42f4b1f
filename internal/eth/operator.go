package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainassassin/server/internal/model"
)

// Contract phase enum values.
var phaseByCode = map[uint8]model.Phase{
	0: model.PhaseRegistration,
	1: model.PhaseActive,
	2: model.PhaseEnded,
	3: model.PhaseCancelled,
}

// Operator submits settlement transactions with the operator key. All
// submissions are serialized under one mutex so nonces never race; the
// coordinator already runs these off the request path.
type Operator struct {
	c  *Client
	mu sync.Mutex
}

func NewOperator(c *Client) (*Operator, error) {
	if c.key == nil {
		return nil, errors.New("eth: operator key not configured")
	}
	return &Operator{c: c}, nil
}

func (o *Operator) StartGame(ctx context.Context, gameID uint64) (string, error) {
	return o.submit(ctx, "startGame", new(big.Int).SetUint64(gameID))
}

func (o *Operator) RecordKill(ctx context.Context, gameID uint64, hunterNumber, targetNumber int) (string, error) {
	return o.submit(ctx, "recordKill",
		new(big.Int).SetUint64(gameID), uint32(hunterNumber), uint32(targetNumber))
}

func (o *Operator) EliminatePlayer(ctx context.Context, gameID uint64, playerNumber int, reason string) (string, error) {
	return o.submit(ctx, "eliminatePlayer",
		new(big.Int).SetUint64(gameID), uint32(playerNumber), reason)
}

func (o *Operator) EndGame(ctx context.Context, gameID uint64, w1, w2, w3, topKiller int) (string, error) {
	return o.submit(ctx, "endGame",
		new(big.Int).SetUint64(gameID), uint32(w1), uint32(w2), uint32(w3), uint32(topKiller))
}

func (o *Operator) TriggerCancellation(ctx context.Context, gameID uint64) (string, error) {
	return o.submit(ctx, "triggerCancellation", new(big.Int).SetUint64(gameID))
}

func (o *Operator) TriggerExpiry(ctx context.Context, gameID uint64) (string, error) {
	return o.submit(ctx, "triggerExpiry", new(big.Int).SetUint64(gameID))
}

func (o *Operator) GamePhase(ctx context.Context, gameID uint64) (model.Phase, error) {
	data, err := o.c.abi.Pack("phaseOf", new(big.Int).SetUint64(gameID))
	if err != nil {
		return "", fmt.Errorf("pack phaseOf: %w", err)
	}
	out, err := o.c.rpc.CallContract(ctx, ethereum.CallMsg{To: &o.c.contract, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("call phaseOf: %w", err)
	}
	vals, err := o.c.abi.Unpack("phaseOf", out)
	if err != nil {
		return "", fmt.Errorf("unpack phaseOf: %w", err)
	}
	code, ok := vals[0].(uint8)
	if !ok {
		return "", fmt.Errorf("phaseOf returned %T", vals[0])
	}
	phase, ok := phaseByCode[code]
	if !ok {
		return "", fmt.Errorf("unknown phase code %d", code)
	}
	return phase, nil
}

func (o *Operator) BlockTime(ctx context.Context) (time.Time, error) {
	header, err := o.c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest header: %w", err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// submit signs, sends, and waits for the receipt of one contract call.
func (o *Operator) submit(ctx context.Context, method string, args ...any) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	data, err := o.c.abi.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("pack %s: %w", method, err)
	}

	nonce, err := o.c.rpc.PendingNonceAt(ctx, o.c.keyAddr)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := o.c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := o.c.rpc.EstimateGas(ctx, ethereum.CallMsg{
		From: o.c.keyAddr,
		To:   &o.c.contract,
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("estimate gas for %s: %w", method, err)
	}

	tx := types.NewTransaction(nonce, o.c.contract, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(o.c.chainID), o.c.key)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", method, err)
	}
	if err := o.c.rpc.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send %s: %w", method, err)
	}

	hash := signed.Hash()
	o.c.log.Info("operator tx submitted",
		zap.String("method", method), zap.String("tx", hash.Hex()))

	if err := o.waitMined(ctx, hash); err != nil {
		return hash.Hex(), err
	}
	return hash.Hex(), nil
}

// waitMined polls for the receipt until ConfirmTimeout.
func (o *Operator) waitMined(ctx context.Context, hash common.Hash) error {
	deadline := time.Now().Add(o.c.cfg.ConfirmTimeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := o.c.rpc.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("tx %s reverted", hash.Hex())
			}
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("tx %s unconfirmed after %s", hash.Hex(), o.c.cfg.ConfirmTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
