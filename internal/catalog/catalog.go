// Package catalog 提供静态的代币目录。目录从 YAML 文件加载，
// 既是实体解析的保底数据源，也是向量库 token-identity 集合的种子。
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Token 描述目录中的一个代币条目。
type Token struct {
	Name    string `yaml:"name" json:"name"`
	Symbol  string `yaml:"symbol" json:"symbol"`
	Address string `yaml:"address" json:"address"`
	Chain   string `yaml:"chain" json:"chain"`
}

// Document 将代币渲染为向量库索引用的标准文本。
func (t Token) Document() string {
	return fmt.Sprintf("Token: %s | Symbol: %s | Address: %s", t.Name, t.Symbol, t.Address)
}

// Catalog 持有全部代币条目并提供大小写不敏感的子串检索。
type Catalog struct {
	tokens     []Token
	maxResults int
}

// New 创建代币目录实例。
func New(tokens []Token, maxResults int) *Catalog {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Catalog{
		tokens:     tokens,
		maxResults: maxResults,
	}
}

// Load 从 YAML 文件加载代币目录。
func Load(path string, maxResults int) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("代币目录文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析代币目录路径失败: %w", err)
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取代币目录文件失败: %w", err)
	}

	var file struct {
		Tokens []Token `yaml:"tokens"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("解析代币目录文件失败: %w", err)
	}
	if len(file.Tokens) == 0 {
		return nil, fmt.Errorf("代币目录文件为空: %s", absPath)
	}

	return New(file.Tokens, maxResults), nil
}

// All 返回目录中的全部代币，供索引器做种子写入。
func (c *Catalog) All() []Token {
	if c == nil {
		return nil
	}
	result := make([]Token, len(c.tokens))
	copy(result, c.tokens)
	return result
}

// Search 按名称或符号做大小写不敏感的子串匹配。
// 符号精确匹配的条目排在前面。
func (c *Catalog) Search(query string) []Token {
	if c == nil {
		return nil
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	var exact, partial []Token
	for _, token := range c.tokens {
		symbol := strings.ToLower(token.Symbol)
		name := strings.ToLower(token.Name)
		switch {
		case symbol == query || name == query:
			exact = append(exact, token)
		case strings.Contains(name, query) || strings.Contains(symbol, query) ||
			strings.Contains(query, symbol) || strings.Contains(query, name):
			partial = append(partial, token)
		}
	}

	results := append(exact, partial...)
	if len(results) > c.maxResults {
		results = results[:c.maxResults]
	}
	return results
}

// ParseDocument 解析 Token.Document 渲染出的标准文本。
// 无法识别的文本返回 false。
func ParseDocument(text string) (Token, bool) {
	var token Token
	for _, part := range strings.Split(text, "|") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "Token:"):
			token.Name = strings.TrimSpace(strings.TrimPrefix(part, "Token:"))
		case strings.HasPrefix(part, "Symbol:"):
			token.Symbol = strings.TrimSpace(strings.TrimPrefix(part, "Symbol:"))
		case strings.HasPrefix(part, "Address:"):
			token.Address = strings.TrimSpace(strings.TrimPrefix(part, "Address:"))
		}
	}
	if token.Name == "" && token.Symbol == "" {
		return Token{}, false
	}
	return token, true
}

// FindByAddress 根据链上地址精确查找代币。
func (c *Catalog) FindByAddress(address string) (Token, bool) {
	if c == nil {
		return Token{}, false
	}
	address = strings.ToLower(strings.TrimSpace(address))
	for _, token := range c.tokens {
		if strings.ToLower(token.Address) == address {
			return token, true
		}
	}
	return Token{}, false
}
