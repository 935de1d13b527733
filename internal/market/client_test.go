package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "ChainChat/internal/errors"
)

func TestFetchByIdentifierPicksDeepestLiquidity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/latest/dex/search" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("q"); got != "SOL" {
			t.Errorf("期望查询参数 q=SOL，实际 %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"pairs": []map[string]any{
				{
					"chainId":   "solana",
					"dexId":     "raydium",
					"baseToken": map[string]string{"address": "So111", "name": "Solana", "symbol": "SOL"},
					"priceUsd":  "150.25",
					"liquidity": map[string]float64{"usd": 1000},
				},
				{
					"chainId":     "solana",
					"dexId":       "orca",
					"baseToken":   map[string]string{"address": "So111", "name": "Solana", "symbol": "SOL"},
					"priceUsd":    "150.50",
					"priceChange": map[string]float64{"h24": 2.5},
					"volume":      map[string]float64{"h24": 5000000},
					"liquidity":   map[string]float64{"usd": 90000000},
					"marketCap":   70000000000,
				},
			},
		})
	}))
	defer server.Close()

	source, err := NewHTTPSource(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("创建行情客户端失败: %v", err)
	}

	quote, err := source.FetchByIdentifier(context.Background(), "SOL")
	if err != nil {
		t.Fatalf("查询行情失败: %v", err)
	}
	if quote.DEX != "orca" {
		t.Errorf("期望选中流动性最高的交易对 orca，实际 %q", quote.DEX)
	}
	if quote.PriceUSD != 150.50 {
		t.Errorf("期望价格 150.50，实际 %f", quote.PriceUSD)
	}
	if quote.PriceChange24h != 2.5 {
		t.Errorf("期望涨跌幅 2.5，实际 %f", quote.PriceChange24h)
	}
	if quote.Symbol != "SOL" || quote.Chain != "solana" {
		t.Errorf("基础信息解析异常: %+v", quote)
	}
}

func TestFetchByIdentifierNoPairsReturnsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"pairs": []any{}})
	}))
	defer server.Close()

	source, err := NewHTTPSource(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("创建行情客户端失败: %v", err)
	}

	_, err = source.FetchByIdentifier(context.Background(), "NOSUCHTOKEN")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("期望 NOT_FOUND 错误，实际 %v", err)
	}
}

func TestFetchByIdentifierRejectsEmptyInput(t *testing.T) {
	source, err := NewHTTPSource(Config{BaseURL: "http://localhost:1"})
	if err != nil {
		t.Fatalf("创建行情客户端失败: %v", err)
	}
	if _, err := source.FetchByIdentifier(context.Background(), "   "); err == nil {
		t.Fatal("空标识应返回错误")
	}
}

func TestNewHTTPSourceRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPSource(Config{}); err == nil {
		t.Fatal("缺少服务地址时应返回错误")
	}
}
