package ethereum

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"PulseFi-Session/internal/web3"
)

func TestClientVerifyChainID(t *testing.T) {
	ctx := context.Background()
	backend := newStubBackend(84532)

	client := NewClientWithBackend(Config{Name: "base-sepolia", ChainID: 84532}, backend)
	id, err := client.VerifyChainID(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Int64() != 84532 {
		t.Fatalf("unexpected chain id %s", id)
	}

	wrong := NewClientWithBackend(Config{ChainID: 1}, backend)
	if _, err := wrong.VerifyChainID(ctx); err == nil {
		t.Fatal("expected chain id mismatch")
	}

	snap, err := client.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ChainID != "0x14a34" || snap.BlockNumber != "0x2a" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestRouterSignerBroadcastsExecute(t *testing.T) {
	ctx := context.Background()
	backend := newStubBackend(84532)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tx, err := NewTransactor(ctx, backend, key)
	if err != nil {
		t.Fatalf("transactor: %v", err)
	}
	router := common.HexToAddress("0x492E6456D9528771018DeB9E87ef7750EF184104")
	signer, err := NewRouterSigner(tx, RouterConfig{Router: router})
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	receipt, err := signer.SendTransaction(ctx, web3.TradeIntent{
		SessionID:    "s1",
		FromToken:    common.HexToAddress("0x01"),
		ToToken:      common.HexToAddress("0x02"),
		AmountIn:     decimal.NewFromInt(1),
		MinAmountOut: decimal.RequireFromString("0.0003"),
		Deadline:     time.Unix(1_700_000_000, 0),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	sent := backend.transactions()
	if len(sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(sent))
	}
	got := sent[0]
	if receipt.Hash != got.Hash().Hex() {
		t.Fatalf("receipt hash %s != tx hash %s", receipt.Hash, got.Hash().Hex())
	}
	if got.To() == nil || *got.To() != router {
		t.Fatalf("unexpected recipient %v", got.To())
	}
	if got.ChainId().Int64() != 84532 {
		t.Fatalf("unexpected chain id %s", got.ChainId())
	}
	if got.Gas() != 120_000 {
		t.Fatalf("expected padded gas limit, got %d", got.Gas())
	}
	from, err := coretypes.Sender(coretypes.LatestSignerForChainID(got.ChainId()), got)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from != signer.Address() {
		t.Fatalf("unexpected sender %s", from.Hex())
	}

	parsed, _ := abi.JSON(strings.NewReader(universalRouterABI))
	method := parsed.Methods["execute"]
	if !bytes.Equal(got.Data()[:4], method.ID) {
		t.Fatalf("calldata does not target execute")
	}
	args, err := method.Inputs.Unpack(got.Data()[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if cmds := args[0].([]byte); len(cmds) != 1 || cmds[0] != commandV4Swap {
		t.Fatalf("unexpected commands %x", cmds)
	}
	if deadline := args[2].(*big.Int); deadline.Int64() != 1_700_000_000 {
		t.Fatalf("unexpected deadline %s", deadline)
	}
}

func TestRouterSignerRejectsZeroAmount(t *testing.T) {
	ctx := context.Background()
	backend := newStubBackend(84532)
	key, _ := crypto.GenerateKey()
	tx, err := NewTransactor(ctx, backend, key)
	if err != nil {
		t.Fatalf("transactor: %v", err)
	}
	signer, err := NewRouterSigner(tx, RouterConfig{Router: common.HexToAddress("0x03")})
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	if _, err := signer.SendTransaction(ctx, web3.TradeIntent{}); err == nil {
		t.Fatal("expected zero amount to be rejected")
	}
	if n := len(backend.transactions()); n != 0 {
		t.Fatalf("expected no broadcast, got %d", n)
	}
}

func TestEscrowContract(t *testing.T) {
	ctx := context.Background()
	backend := newStubBackend(84532)
	key, _ := crypto.GenerateKey()
	tx, err := NewTransactor(ctx, backend, key)
	if err != nil {
		t.Fatalf("transactor: %v", err)
	}
	escrowAddr := common.HexToAddress("0x66B72352B6C3F71320F24683f3ee91e84C23667c")
	tokenAddr := common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	escrow, err := NewEscrowContract(tx, EscrowConfig{Escrow: escrowAddr, Token: tokenAddr})
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}

	allowance := big.NewInt(10_000_000) // 10 USDC
	held := big.NewInt(24_900_000)
	backend.call = func(msg gethcore.CallMsg) ([]byte, error) {
		switch {
		case *msg.To == tokenAddr:
			return escrow.erc20.Methods["allowance"].Outputs.Pack(allowance)
		case *msg.To == escrowAddr:
			return escrow.abi.Methods["balanceOf"].Outputs.Pack(held)
		}
		return nil, errors.New("unexpected call")
	}
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	_, err = escrow.Lock(ctx, web3.LockRequest{SessionID: "s1", Owner: owner, Amount: decimal.NewFromInt(25)})
	if !errors.Is(err, web3.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if n := len(backend.transactions()); n != 0 {
		t.Fatalf("rejected lock must not broadcast, got %d", n)
	}

	allowance = big.NewInt(25_000_000)
	conf, err := escrow.Lock(ctx, web3.LockRequest{SessionID: "s1", Owner: owner, Amount: decimal.NewFromInt(25)})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if conf.Ref == "" {
		t.Fatal("expected lock ref")
	}

	bal, err := escrow.BalanceOf(ctx, "s1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("24.9")) {
		t.Fatalf("unexpected balance %s", bal)
	}

	receipt, err := escrow.Release(ctx, web3.ReleaseRequest{SessionID: "s1", Owner: owner, Amount: decimal.NewFromInt(25)})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !receipt.FinalAmount.Equal(decimal.RequireFromString("24.9")) {
		t.Fatalf("release should be capped by escrow balance, got %s", receipt.FinalAmount)
	}

	sent := backend.transactions()
	if len(sent) != 2 {
		t.Fatalf("expected lock and release broadcasts, got %d", len(sent))
	}
	release := escrow.abi.Methods["release"]
	if !bytes.Equal(sent[1].Data()[:4], release.ID) {
		t.Fatal("second broadcast should call release")
	}
	args, err := release.Inputs.Unpack(sent[1].Data()[4:])
	if err != nil {
		t.Fatalf("unpack release: %v", err)
	}
	if slot := args[0].([32]byte); slot != SessionSlot("s1") {
		t.Fatalf("unexpected session slot %x", slot)
	}
	if amount := args[1].(*big.Int); amount.Cmp(held) != 0 {
		t.Fatalf("unexpected release amount %s", amount)
	}
}

func TestKeys(t *testing.T) {
	raw, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(raw, "0x") || len(raw) != 66 {
		t.Fatalf("unexpected key encoding %q", raw)
	}
	if _, err := ParsePrivateKey(raw); err != nil {
		t.Fatalf("parse generated key: %v", err)
	}
	if _, err := ParsePrivateKey("zz"); err == nil {
		t.Fatal("expected malformed key to fail")
	}
}
