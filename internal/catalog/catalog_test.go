package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func sampleCatalog() *Catalog {
	return New([]Token{
		{Name: "Solana", Symbol: "SOL", Address: "So11111111111111111111111111111111111111112", Chain: "solana"},
		{Name: "Ethereum", Symbol: "ETH", Address: "0x0000000000000000000000000000000000000000", Chain: "ethereum"},
		{Name: "Solend", Symbol: "SLND", Address: "SLNDpmoWTVADgEdndyvWzroNL7zSi1dF9PC3xHGtPwp", Chain: "solana"},
	}, 5)
}

func TestSearchExactSymbolFirst(t *testing.T) {
	cat := sampleCatalog()

	results := cat.Search("sol")
	if len(results) < 2 {
		t.Fatalf("期望至少命中 Solana 与 Solend，实际 %d 条", len(results))
	}
	if results[0].Symbol != "SOL" {
		t.Errorf("符号精确匹配应排在首位，实际 %q", results[0].Symbol)
	}
}

func TestSearchIsCaseInsensitive(t *testing.T) {
	cat := sampleCatalog()

	results := cat.Search("ETHEREUM")
	if len(results) != 1 || results[0].Symbol != "ETH" {
		t.Fatalf("大小写不敏感匹配失败: %+v", results)
	}
}

func TestSearchEmptyQueryReturnsNothing(t *testing.T) {
	cat := sampleCatalog()
	if results := cat.Search("   "); results != nil {
		t.Fatalf("空查询不应有结果: %+v", results)
	}
}

func TestSearchRespectsMaxResults(t *testing.T) {
	cat := New([]Token{
		{Name: "Alpha One", Symbol: "A1"},
		{Name: "Alpha Two", Symbol: "A2"},
		{Name: "Alpha Three", Symbol: "A3"},
	}, 2)

	results := cat.Search("alpha")
	if len(results) != 2 {
		t.Fatalf("期望截断到 2 条，实际 %d 条", len(results))
	}
}

func TestFindByAddress(t *testing.T) {
	cat := sampleCatalog()

	token, ok := cat.FindByAddress("0x0000000000000000000000000000000000000000")
	if !ok || token.Symbol != "ETH" {
		t.Fatalf("按地址查找失败: %+v ok=%v", token, ok)
	}
	if _, ok := cat.FindByAddress("0xmissing"); ok {
		t.Fatal("未知地址不应命中")
	}
}

func TestTokenDocumentFormat(t *testing.T) {
	token := Token{Name: "Solana", Symbol: "SOL", Address: "So111"}
	want := "Token: Solana | Symbol: SOL | Address: So111"
	if got := token.Document(); got != want {
		t.Errorf("索引文档格式不符: %q", got)
	}
}

func TestParseDocumentRoundTrip(t *testing.T) {
	token := Token{Name: "Solana", Symbol: "SOL", Address: "So111"}
	parsed, ok := ParseDocument(token.Document())
	if !ok {
		t.Fatal("标准文本应能解析")
	}
	if parsed.Name != "Solana" || parsed.Symbol != "SOL" || parsed.Address != "So111" {
		t.Errorf("解析结果不符: %+v", parsed)
	}

	if _, ok := ParseDocument("random chat about markets"); ok {
		t.Error("非标准文本不应解析成功")
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.yaml")
	content := `tokens:
  - name: Solana
    symbol: SOL
    address: So11111111111111111111111111111111111111112
    chain: solana
  - name: Ethereum
    symbol: ETH
    address: "0x0000000000000000000000000000000000000000"
    chain: ethereum
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入测试文件失败: %v", err)
	}

	cat, err := Load(path, 5)
	if err != nil {
		t.Fatalf("加载目录失败: %v", err)
	}
	if len(cat.All()) != 2 {
		t.Fatalf("期望 2 个代币，实际 %d 个", len(cat.All()))
	}
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	if _, err := Load("  ", 5); err == nil {
		t.Fatal("空路径应返回错误")
	}
}
