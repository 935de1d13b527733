package market

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABI = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"}
]`

// chainReader 是链上只读查询所需的最小能力集，便于测试替换。
type chainReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TokenBalance 描述一次链上余额查询的结果。
type TokenBalance struct {
	Address  string `json:"address"`
	Token    string `json:"token,omitempty"`
	Symbol   string `json:"symbol"`
	Raw      string `json:"raw"`
	Decimals uint8  `json:"decimals"`
	Amount   string `json:"amount"`
}

// OnchainReader 通过以太坊节点读取原生币与 ERC-20 余额。
type OnchainReader struct {
	reader chainReader
	eth    *ethclient.Client
	abi    abi.ABI
}

// NewOnchainReader 连接以太坊 RPC 节点。
func NewOnchainReader(ctx context.Context, rpcURL string) (*OnchainReader, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("解析 ERC-20 ABI 失败: %w", err)
	}
	return &OnchainReader{reader: eth, eth: eth, abi: parsed}, nil
}

// newOnchainReaderWithBackend 供测试注入后端。
func newOnchainReaderWithBackend(reader chainReader) (*OnchainReader, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC-20 ABI 失败: %w", err)
	}
	return &OnchainReader{reader: reader, abi: parsed}, nil
}

// Close 关闭节点连接。
func (r *OnchainReader) Close() {
	if r.eth != nil {
		r.eth.Close()
		r.eth = nil
	}
}

// NativeBalance 查询地址的原生币余额。
func (r *OnchainReader) NativeBalance(ctx context.Context, address string) (*TokenBalance, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("无效的钱包地址: %s", address)
	}

	balance, err := r.reader.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("查询原生币余额失败: %w", err)
	}

	return &TokenBalance{
		Address:  address,
		Symbol:   "ETH",
		Raw:      balance.String(),
		Decimals: 18,
		Amount:   formatUnits(balance, 18),
	}, nil
}

// ERC20Balance 查询地址持有的 ERC-20 代币余额，
// 同时读取合约的 decimals 与 symbol。
func (r *OnchainReader) ERC20Balance(ctx context.Context, tokenAddress, holderAddress string) (*TokenBalance, error) {
	tokenAddress = strings.TrimSpace(tokenAddress)
	holderAddress = strings.TrimSpace(holderAddress)
	if !common.IsHexAddress(tokenAddress) {
		return nil, fmt.Errorf("无效的代币合约地址: %s", tokenAddress)
	}
	if !common.IsHexAddress(holderAddress) {
		return nil, fmt.Errorf("无效的钱包地址: %s", holderAddress)
	}

	token := common.HexToAddress(tokenAddress)
	holder := common.HexToAddress(holderAddress)

	var balance *big.Int
	if err := r.callInto(ctx, token, "balanceOf", &balance, holder); err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}

	var decimals uint8 = 18
	if err := r.callInto(ctx, token, "decimals", &decimals); err != nil {
		// 少数合约不实现 decimals，按 18 位处理。
		decimals = 18
	}

	symbol := ""
	if err := r.callInto(ctx, token, "symbol", &symbol); err != nil {
		symbol = ""
	}

	return &TokenBalance{
		Address:  holderAddress,
		Token:    tokenAddress,
		Symbol:   symbol,
		Raw:      balance.String(),
		Decimals: decimals,
		Amount:   formatUnits(balance, int(decimals)),
	}, nil
}

func (r *OnchainReader) callInto(ctx context.Context, contract common.Address, method string, out any, args ...any) error {
	input, err := r.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	raw, err := r.reader.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return fmt.Errorf("执行 %s 调用失败: %w", method, err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("%s 调用返回空数据", method)
	}
	results, err := r.abi.Unpack(method, raw)
	if err != nil {
		return fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	if len(results) == 0 {
		return fmt.Errorf("%s 调用无返回值", method)
	}
	return assignResult(out, results[0])
}

func assignResult(out, value any) error {
	switch target := out.(type) {
	case **big.Int:
		v, ok := value.(*big.Int)
		if !ok {
			return fmt.Errorf("返回值类型不是 uint256")
		}
		*target = v
	case *uint8:
		v, ok := value.(uint8)
		if !ok {
			return fmt.Errorf("返回值类型不是 uint8")
		}
		*target = v
	case *string:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("返回值类型不是 string")
		}
		*target = v
	default:
		return fmt.Errorf("不支持的返回值目标类型")
	}
	return nil
}

// formatUnits 将最小单位的整数余额格式化为十进制字符串。
func formatUnits(raw *big.Int, decimals int) string {
	if raw == nil {
		return "0"
	}
	if decimals <= 0 {
		return raw.String()
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	quotient := new(big.Int)
	remainder := new(big.Int)
	quotient.QuoRem(raw, divisor, remainder)

	if remainder.Sign() == 0 {
		return quotient.String()
	}

	frac := strings.TrimRight(fmt.Sprintf("%0*s", decimals, remainder.String()), "0")
	return quotient.String() + "." + frac
}
