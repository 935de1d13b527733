// Package tools 维护可供大模型调用的工具注册表。
// 不同会话阶段暴露不同的过滤视图：主会话、记忆解析、实体解析。
package tools

import (
	"context"
	"encoding/json"
	"sort"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/llm"
)

// View 标识一个工具所属的会话阶段视图。
type View string

const (
	ViewMain       View = "main"
	ViewMemory     View = "memory"
	ViewResolution View = "resolution"
)

// Request 携带一次工具调用的上下文与原始参数。
type Request struct {
	ConversationID string
	UserID         string
	MessageID      string
	Arguments      json.RawMessage
}

// Handler 执行一个工具并返回可序列化的结果。
type Handler func(ctx context.Context, req Request) (any, error)

// Definition 描述一个已注册的工具。
// Parameters 使用 JSON Schema 片段，原样透传给大模型。
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Views       []View
	Handler     Handler
}

func (d Definition) inView(view View) bool {
	for _, v := range d.Views {
		if v == view {
			return true
		}
	}
	return false
}

// Registry 持有全部工具定义。注册在启动期完成，运行期只读。
type Registry struct {
	definitions map[string]Definition
}

// NewRegistry 创建空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]Definition)}
}

// Register 注册一个工具，重名注册返回冲突错误。
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	if def.Handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具未提供处理函数: "+def.Name)
	}
	if _, exists := r.definitions[def.Name]; exists {
		return xerrors.New(xerrors.CodeConflict, "工具重复注册: "+def.Name)
	}
	r.definitions[def.Name] = def
	return nil
}

// MustRegister 注册工具，失败时 panic。仅用于启动期的静态注册。
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup 按名称查找工具定义。
func (r *Registry) Lookup(name string) (Definition, bool) {
	def, ok := r.definitions[name]
	return def, ok
}

// Specs 返回某个视图下的工具描述，按名称排序后交给大模型。
func (r *Registry) Specs(view View) []llm.Tool {
	var specs []llm.Tool
	for _, def := range r.definitions {
		if !def.inView(view) {
			continue
		}
		specs = append(specs, llm.Tool{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Names 返回某个视图下的全部工具名，主要用于日志与测试。
func (r *Registry) Names(view View) []string {
	specs := r.Specs(view)
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}
	return names
}
