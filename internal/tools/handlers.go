package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"ChainChat/internal/catalog"
	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/llm"
	"ChainChat/internal/market"
	"ChainChat/internal/storage/mysql"
	"ChainChat/internal/vector"
	"ChainChat/pkg/logger"
)

// Deps 汇总工具处理函数依赖的全部下游能力。
// Onchain 允许为空，此时 get_wallet_balance 返回未实现错误。
// LLM 允许为空，此时实体解析跳过检索短语优化。
type Deps struct {
	Store   mysql.Store
	Vector  vector.Store
	Market  market.Source
	Onchain *market.OnchainReader
	Catalog *catalog.Catalog
	LLM     llm.Client
	Now     func() int64
}

func (d Deps) now() int64 {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().Unix()
}

// Chainer 由工具结果实现，用于声明一次后续调用。
// 执行器只跟进一跳，后续调用的结果不再继续链式展开。
type Chainer interface {
	NextCall() (tool string, args json.RawMessage, ok bool)
}

// IntentResult 是 evaluate_query_intent 的结果。
// 需要检索时携带指向 semantic_query 的后续调用。
type IntentResult struct {
	Intent       string `json:"intent"`
	RefinedQuery string `json:"refined_query"`
	NeedsLookup  bool   `json:"needs_lookup"`
	Collection   string `json:"collection,omitempty"`
}

// NextCall 实现 Chainer：需要检索时链入 semantic_query，
// 携带优化后的查询与目标集合。
func (r IntentResult) NextCall() (string, json.RawMessage, bool) {
	if !r.NeedsLookup {
		return "", nil, false
	}
	next := map[string]any{"query": r.RefinedQuery}
	if r.Collection != "" {
		next["collection"] = r.Collection
	}
	args, err := json.Marshal(next)
	if err != nil {
		return "", nil, false
	}
	return "semantic_query", args, true
}

// decodeArgs 解析工具参数。模型经常附带 schema 之外的字段，
// 未知字段不算解析失败，必填字段由各处理函数自行校验。
func decodeArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return xerrors.Wrap(xerrors.CodeArgumentParse, err, "工具参数解析失败")
	}
	return nil
}

// RegisterAll 将全部内置工具注册到注册表。
func RegisterAll(registry *Registry, deps Deps) error {
	definitions := []Definition{
		{
			Name:        "get_token_price",
			Description: "Fetch the current USD price and 24h stats for a token by symbol, name or contract address.",
			Parameters: objectSchema(map[string]any{
				"identifier": map[string]any{"type": "string", "description": "Token symbol, name or contract address."},
			}, "identifier"),
			Views:   []View{ViewMain},
			Handler: deps.getTokenPrice,
		},
		{
			Name:        "get_token_info",
			Description: "Look up catalog identity and market stats for a token.",
			Parameters: objectSchema(map[string]any{
				"identifier": map[string]any{"type": "string", "description": "Token symbol, name or contract address."},
			}, "identifier"),
			Views:   []View{ViewMain},
			Handler: deps.getTokenInfo,
		},
		{
			Name:        "get_wallet_balance",
			Description: "Read the native or ERC-20 balance of a wallet address from the chain.",
			Parameters: objectSchema(map[string]any{
				"address":       map[string]any{"type": "string", "description": "Wallet address."},
				"token_address": map[string]any{"type": "string", "description": "Optional ERC-20 contract address. Omit for the native balance."},
			}, "address"),
			Views:   []View{ViewMain},
			Handler: deps.getWalletBalance,
		},
		{
			Name:        "store_memory_item",
			Description: "Persist a single fact about the user as a key/value pair. Writing the same key again overwrites the value.",
			Parameters: objectSchema(map[string]any{
				"key":        map[string]any{"type": "string"},
				"value":      map[string]any{"type": "string"},
				"value_type": map[string]any{"type": "string", "enum": []string{"string", "number", "boolean"}},
				"provenance": map[string]any{"type": "string", "enum": []string{"user_stated", "model_inferred"}},
				"confidence": map[string]any{"type": "number"},
			}, "key", "value"),
			Views:   []View{ViewMain, ViewMemory},
			Handler: deps.storeMemoryItem,
		},
		{
			Name:        "store_memory_object",
			Description: "Persist a structured document grouped by type and name, e.g. a watchlist or a strategy.",
			Parameters: objectSchema(map[string]any{
				"object_type": map[string]any{"type": "string"},
				"name":        map[string]any{"type": "string"},
				"payload":     map[string]any{"type": "object", "description": "Arbitrary JSON payload."},
			}, "object_type", "name", "payload"),
			Views:   []View{ViewMain, ViewMemory},
			Handler: deps.storeMemoryObject,
		},
		{
			Name:        "recall_memory_items",
			Description: "List every stored key/value fact for this conversation.",
			Parameters:  objectSchema(map[string]any{}),
			Views:       []View{ViewMemory},
			Handler:     deps.recallMemoryItems,
		},
		{
			Name:        "recall_memory_objects",
			Description: "List stored structured documents, optionally filtered by type.",
			Parameters: objectSchema(map[string]any{
				"object_type": map[string]any{"type": "string", "description": "Optional type filter."},
			}),
			Views:   []View{ViewMemory},
			Handler: deps.recallMemoryObjects,
		},
		{
			Name:        "search_conversation_memory",
			Description: "Semantically search earlier messages of this conversation.",
			Parameters: objectSchema(map[string]any{
				"query": map[string]any{"type": "string"},
				"top_k": map[string]any{"type": "integer"},
			}, "query"),
			Views:   []View{ViewMemory},
			Handler: deps.searchConversationMemory,
		},
		{
			Name:        "evaluate_query_intent",
			Description: "Classify what the user is asking for and refine the query before retrieval.",
			Parameters: objectSchema(map[string]any{
				"query": map[string]any{"type": "string"},
			}, "query"),
			Views:   []View{ViewMain},
			Handler: deps.evaluateQueryIntent,
		},
		{
			Name:        "semantic_query",
			Description: "Search a vector collection for documents matching a natural language query. Defaults to the token identity index.",
			Parameters: objectSchema(map[string]any{
				"query":      map[string]any{"type": "string"},
				"collection": map[string]any{"type": "string", "description": "Optional collection name. Omit for the token identity index."},
				"top_k":      map[string]any{"type": "integer"},
			}, "query"),
			Views:   []View{ViewMain},
			Handler: deps.semanticQuery,
		},
		{
			Name:        "resolve_token_entity",
			Description: "Resolve a free-form token mention to its canonical name, symbol and address.",
			Parameters: objectSchema(map[string]any{
				"phrase": map[string]any{"type": "string", "description": "The token mention to resolve."},
			}, "phrase"),
			Views:   []View{ViewResolution},
			Handler: deps.resolveTokenEntity,
		},
	}

	for _, def := range definitions {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (d Deps) getTokenPrice(ctx context.Context, req Request) (any, error) {
	var args struct {
		Identifier string `json:"identifier"`
	}
	if err := decodeArgs(req.Arguments, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Identifier) == "" {
		return nil, xerrors.New(xerrors.CodeArgumentParse, "identifier 不能为空")
	}
	quote, err := d.Market.FetchByIdentifier(ctx, args.Identifier)
	if err != nil {
		return nil, err
	}
	return quote, nil
}

func (d Deps) getTokenInfo(ctx context.Context, req Request) (any, error) {
	var args struct {
		Identifier string `json:"identifier"`
	}
	if err := decodeArgs(req.Arguments, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Identifier) == "" {
		return nil, xerrors.New(xerrors.CodeArgumentParse, "identifier 不能为空")
	}

	result := map[string]any{"identifier": args.Identifier}
	if d.Catalog != nil {
		if token, ok := d.Catalog.FindByAddress(args.Identifier); ok {
			result["catalog"] = token
		} else if matches := d.Catalog.Search(args.Identifier); len(matches) > 0 {
			result["catalog"] = matches[0]
		}
	}
	if quote, err := d.Market.FetchByIdentifier(ctx, args.Identifier); err == nil {
		result["market"] = quote
	}
	if len(result) == 1 {
		return nil, xerrors.New(xerrors.CodeNotFound, "未找到代币信息: "+args.Identifier)
	}
	return result, nil
}

func (d Deps) getWalletBalance(ctx context.Context, req Request) (any, error) {
	var args struct {
		Address      string `json:"address"`
		TokenAddress string `json:"token_address"`
	}
	if err := decodeArgs(req.Arguments, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Address) == "" {
		return nil, xerrors.New(xerrors.CodeArgumentParse, "address 不能为空")
	}
	if d.Onchain == nil {
		return nil, xerrors.New(xerrors.CodeActionNotImplemented, "链上读取未启用")
	}
	if strings.TrimSpace(args.TokenAddress) != "" {
		return d.Onchain.ERC20Balance(ctx, args.TokenAddress, args.Address)
	}
	return d.Onchain.NativeBalance(ctx, args.Address)
}

func (d Deps) storeMemoryItem(ctx context.Context, req Request) (any, error) {
	var args struct {
		Key        string  `json:"key"`
		Value      string  `json:"value"`
		ValueType  string  `json:"value_type"`
		Provenance string  `json:"provenance"`
		Confidence float64 `json:"confidence"`
	}
	if err := decodeArgs(req.Arguments, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Key) == "" || strings.TrimSpace(args.Value) == "" {
		return nil, xerrors.New(xerrors.CodeArgumentParse, "key 与 value 不能为空")
	}
	if args.ValueType == "" {
		args.ValueType = "string"
	}
	if args.Provenance == "" {
		args.Provenance = string(mysql.ProvenanceUserStated)
	}
	if args.Confidence <= 0 || args.Confidence > 1 {
		args.Confidence = 1
	}

	now := d.now()
	item := &mysql.MemoryItem{
		ConversationID: req.ConversationID,
		Key:            args.Key,
		Value:          args.Value,
		ValueType:      args.ValueType,
		Provenance:     mysql.Provenance(args.Provenance),
		Confidence:     args.Confidence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.Store.UpsertMemoryItem(ctx, item); err != nil {
		return nil, err
	}
	return map[string]any{"stored": true, "key": args.Key}, nil
}

func (d Deps) storeMemoryObject(ctx context.Context, req Request) (any, error) {
	var args struct {
		ObjectType string         `json:"object_type"`
		Name       string         `json:"name"`
		Payload    map[string]any `json:"payload"`
	}
	if err := decodeArgs(req.Arguments, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.ObjectType) == "" || strings.TrimSpace(args.Name) == "" {
		return nil, xerrors.New(xerrors.CodeArgumentParse, "object_type 与 name 不能为空")
	}
	if args.Payload == nil {
		return nil, xerrors.New(xerrors.CodeArgumentParse, "payload 不能为空")
	}

	payloadJSON, err := json.Marshal(args.Payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArgumentParse, err, "序列化 payload 失败")
	}

	now := d.now()
	obj := &mysql.MemoryObject{
		ConversationID: req.ConversationID,
		ObjectType:     args.ObjectType,
		Name:           args.Name,
		PayloadJSON:    string(payloadJSON),
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.Store.UpsertMemoryObject(ctx, obj); err != nil {
		return nil, err
	}
	return map[string]any{"stored": true, "object_type": args.ObjectType, "name": args.Name}, nil
}

func (d Deps) recallMemoryItems(ctx context.Context, req Request) (any, error) {
	items, err := d.Store.ListMemoryItems(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": items}, nil
}

func (d Deps) recallMemoryObjects(ctx context.Context, req Request) (any, error) {
	var args struct {
		ObjectType string `json:"object_type"`
	}
	if err := decodeArgs(req.Arguments, &args); err != nil {
		return nil, err
	}
	objects, err := d.Store.ListMemoryObjects(ctx, req.ConversationID, args.ObjectType)
	if err != nil {
		return nil, err
	}
	return map[string]any{"objects": objects}, nil
}

func (d Deps) searchConversationMemory(ctx context.Context, req Request) (any, error) {
	var args struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := decodeArgs(req.Arguments, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Query) == "" {
		return nil, xerrors.New(xerrors.CodeArgumentParse, "query 不能为空")
	}
	hits, err := d.Vector.Query(ctx, vector.ConversationCollection(req.ConversationID), args.Query, args.TopK)
	if err != nil {
		return nil, err
	}
	return map[string]any{"hits": hits}, nil
}

// evaluateQueryIntent 对查询做轻量意图分类。
// 涉及具体代币的问题会链入一次 semantic_query 检索。
func (d Deps) evaluateQueryIntent(_ context.Context, req Request) (any, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(req.Arguments, &args); err != nil {
		return nil, err
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return nil, xerrors.New(xerrors.CodeArgumentParse, "query 不能为空")
	}

	lower := strings.ToLower(query)
	result := IntentResult{Intent: "general", RefinedQuery: query}
	switch {
	case containsAny(lower, "price", "worth", "cost", "价格", "多少钱"):
		result.Intent = "price"
		result.NeedsLookup = true
		result.Collection = vector.CollectionTokenIdentity
	case containsAny(lower, "balance", "holding", "wallet", "余额", "持仓"):
		result.Intent = "balance"
	case containsAny(lower, "what is", "tell me about", "info", "介绍", "是什么"):
		result.Intent = "info"
		result.NeedsLookup = true
		result.Collection = vector.CollectionTokenIdentity
	case containsAny(lower, "remember", "note", "记住"):
		result.Intent = "memory"
	}
	return result, nil
}

func (d Deps) semanticQuery(ctx context.Context, req Request) (any, error) {
	var args struct {
		Query      string `json:"query"`
		Collection string `json:"collection"`
		TopK       int    `json:"top_k"`
	}
	if err := decodeArgs(req.Arguments, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Query) == "" {
		return nil, xerrors.New(xerrors.CodeArgumentParse, "query 不能为空")
	}
	collection := strings.TrimSpace(args.Collection)
	if collection == "" {
		collection = vector.CollectionTokenIdentity
	}
	hits, err := d.Vector.Query(ctx, collection, args.Query, args.TopK)
	if err != nil {
		return nil, err
	}
	return map[string]any{"hits": hits}, nil
}

const phraseOptimizeSystem = `You rewrite a cryptocurrency token mention into a concise search phrase
for an embedding index of token identities.
Reply with JSON only: {"query": "<search phrase>"}.`

// optimizePhrase 用一次 JSON 模式的短调用改写检索短语。
// 模型不可用或输出不合法时退回原始提及。
func (d Deps) optimizePhrase(ctx context.Context, phrase string) string {
	if d.LLM == nil {
		return phrase
	}
	resp, err := d.LLM.Chat(ctx, llm.ChatRequest{
		System:    phraseOptimizeSystem,
		Prompt:    phrase,
		ForceJSON: true,
	})
	if err != nil {
		logger.L().Warn("检索短语优化失败，使用原始提及", slog.Any("error", err))
		return phrase
	}
	var parsed struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil || strings.TrimSpace(parsed.Query) == "" {
		return phrase
	}
	return strings.TrimSpace(parsed.Query)
}

func (d Deps) resolveTokenEntity(ctx context.Context, req Request) (any, error) {
	var args struct {
		Phrase string `json:"phrase"`
	}
	if err := decodeArgs(req.Arguments, &args); err != nil {
		return nil, err
	}
	phrase := strings.TrimSpace(args.Phrase)
	if phrase == "" {
		return nil, xerrors.New(xerrors.CodeArgumentParse, "phrase 不能为空")
	}

	var candidates []catalog.Token
	hits, err := d.Vector.Query(ctx, vector.CollectionTokenIdentity, d.optimizePhrase(ctx, phrase), 3)
	if err == nil {
		for _, hit := range hits {
			if token, ok := catalog.ParseDocument(hit.Text); ok {
				candidates = append(candidates, token)
			}
		}
	}
	// 向量检索失败或无结果时退回目录子串匹配。
	if len(candidates) == 0 && d.Catalog != nil {
		candidates = d.Catalog.Search(phrase)
	}
	if len(candidates) == 0 {
		return nil, xerrors.New(xerrors.CodeNotFound, "无法解析代币: "+phrase)
	}
	return map[string]any{"phrase": phrase, "candidates": candidates}, nil
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
