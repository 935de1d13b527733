package market

import (
	"context"
	"math/big"
	"strings"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// stubChainReader 用预置数据模拟节点的只读调用。
type stubChainReader struct {
	balance  *big.Int
	abi      abi.ABI
	tokenBal *big.Int
	decimals uint8
	symbol   string
}

func newStubChainReader(t *testing.T) *stubChainReader {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		t.Fatalf("解析 ABI 失败: %v", err)
	}
	return &stubChainReader{
		balance:  big.NewInt(2500000000000000000), // 2.5 ETH
		abi:      parsed,
		tokenBal: big.NewInt(12345600),
		decimals: 6,
		symbol:   "USDC",
	}
}

func (s *stubChainReader) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	return new(big.Int).Set(s.balance), nil
}

func (s *stubChainReader) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	for name, method := range s.abi.Methods {
		if len(call.Data) < 4 || string(call.Data[:4]) != string(method.ID) {
			continue
		}
		switch name {
		case "balanceOf":
			return method.Outputs.Pack(s.tokenBal)
		case "decimals":
			return method.Outputs.Pack(s.decimals)
		case "symbol":
			return method.Outputs.Pack(s.symbol)
		}
	}
	return nil, nil
}

func TestNativeBalance(t *testing.T) {
	reader, err := newOnchainReaderWithBackend(newStubChainReader(t))
	if err != nil {
		t.Fatalf("创建链上读取器失败: %v", err)
	}

	balance, err := reader.NativeBalance(context.Background(), "0x742d35Cc6634C0532925a3b844Bc454e4438f44e")
	if err != nil {
		t.Fatalf("查询原生币余额失败: %v", err)
	}
	if balance.Amount != "2.5" {
		t.Errorf("期望余额 2.5，实际 %q", balance.Amount)
	}
	if balance.Symbol != "ETH" || balance.Decimals != 18 {
		t.Errorf("余额元信息异常: %+v", balance)
	}
}

func TestNativeBalanceRejectsInvalidAddress(t *testing.T) {
	reader, err := newOnchainReaderWithBackend(newStubChainReader(t))
	if err != nil {
		t.Fatalf("创建链上读取器失败: %v", err)
	}
	if _, err := reader.NativeBalance(context.Background(), "not-an-address"); err == nil {
		t.Fatal("无效地址应返回错误")
	}
}

func TestERC20Balance(t *testing.T) {
	reader, err := newOnchainReaderWithBackend(newStubChainReader(t))
	if err != nil {
		t.Fatalf("创建链上读取器失败: %v", err)
	}

	balance, err := reader.ERC20Balance(context.Background(),
		"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		"0x742d35Cc6634C0532925a3b844Bc454e4438f44e")
	if err != nil {
		t.Fatalf("查询代币余额失败: %v", err)
	}
	if balance.Symbol != "USDC" {
		t.Errorf("期望符号 USDC，实际 %q", balance.Symbol)
	}
	if balance.Decimals != 6 {
		t.Errorf("期望精度 6，实际 %d", balance.Decimals)
	}
	if balance.Amount != "12.3456" {
		t.Errorf("期望余额 12.3456，实际 %q", balance.Amount)
	}
}

func TestFormatUnits(t *testing.T) {
	cases := []struct {
		raw      *big.Int
		decimals int
		want     string
	}{
		{big.NewInt(0), 18, "0"},
		{big.NewInt(1000000000000000000), 18, "1"},
		{big.NewInt(1500000000000000000), 18, "1.5"},
		{big.NewInt(1), 18, "0.000000000000000001"},
		{big.NewInt(12345600), 6, "12.3456"},
		{big.NewInt(42), 0, "42"},
	}
	for _, tc := range cases {
		if got := formatUnits(tc.raw, tc.decimals); got != tc.want {
			t.Errorf("formatUnits(%s, %d) = %q, 期望 %q", tc.raw, tc.decimals, got, tc.want)
		}
	}
}
