// Package market 提供代币行情数据的访问层。
// 行情来自外部聚合 API，链上余额通过以太坊节点直接读取。
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "ChainChat/internal/errors"
	"ChainChat/pkg/retry"
)

// Quote 描述一个代币在某个交易对上的行情快照。
type Quote struct {
	Name           string  `json:"name"`
	Symbol         string  `json:"symbol"`
	Address        string  `json:"address"`
	Chain          string  `json:"chain"`
	DEX            string  `json:"dex"`
	PriceUSD       float64 `json:"price_usd"`
	PriceChange24h float64 `json:"price_change_24h"`
	Volume24h      float64 `json:"volume_24h"`
	LiquidityUSD   float64 `json:"liquidity_usd"`
	MarketCap      float64 `json:"market_cap"`
	FetchedAt      int64   `json:"fetched_at"`
}

// Source 抽象行情数据源。标识符可以是符号、名称或合约地址。
type Source interface {
	FetchByIdentifier(ctx context.Context, identifier string) (*Quote, error)
}

// Config 描述行情 API 的连接参数。
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPSource 通过 DEX 聚合 API 查询行情，
// 同一代币存在多个交易对时返回流动性最高的一个。
type HTTPSource struct {
	baseURL string
	client  *http.Client
	policy  retry.Policy
}

// NewHTTPSource 创建行情客户端。
func NewHTTPSource(cfg Config) (*HTTPSource, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置行情服务地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		policy:  retry.DefaultPolicy(),
	}, nil
}

type pairPayload struct {
	ChainID   string `json:"chainId"`
	DexID     string `json:"dexId"`
	BaseToken struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceUSD    string `json:"priceUsd"`
	PriceChange struct {
		H24 float64 `json:"h24"`
	} `json:"priceChange"`
	Volume struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	MarketCap float64 `json:"marketCap"`
}

// FetchByIdentifier 按符号、名称或地址查询行情。
func (s *HTTPSource) FetchByIdentifier(ctx context.Context, identifier string) (*Quote, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "行情查询标识不能为空")
	}

	endpoint := fmt.Sprintf("%s/latest/dex/search?q=%s", s.baseURL, url.QueryEscape(identifier))

	var payload struct {
		Pairs []pairPayload `json:"pairs"`
	}
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeUnknown, err, "构建行情请求失败")
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeExternalService, err, "请求行情服务失败")
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return xerrors.New(xerrors.CodeExternalService,
				fmt.Sprintf("行情服务返回 %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("行情服务拒绝请求 %d", resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return xerrors.Wrap(xerrors.CodeExternalService, err, "解析行情响应失败")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(payload.Pairs) == 0 {
		return nil, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("未找到代币行情: %s", identifier))
	}

	best := payload.Pairs[0]
	for _, pair := range payload.Pairs[1:] {
		if pair.Liquidity.USD > best.Liquidity.USD {
			best = pair
		}
	}

	price, err := strconv.ParseFloat(strings.TrimSpace(best.PriceUSD), 64)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "解析行情价格失败")
	}

	return &Quote{
		Name:           best.BaseToken.Name,
		Symbol:         best.BaseToken.Symbol,
		Address:        best.BaseToken.Address,
		Chain:          best.ChainID,
		DEX:            best.DexID,
		PriceUSD:       price,
		PriceChange24h: best.PriceChange.H24,
		Volume24h:      best.Volume.H24,
		LiquidityUSD:   best.Liquidity.USD,
		MarketCap:      best.MarketCap,
		FetchedAt:      time.Now().Unix(),
	}, nil
}

var _ Source = (*HTTPSource)(nil)
