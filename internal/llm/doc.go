// Package llm contains adapters and orchestration types for invoking large
// language models. It abstracts away provider-specific APIs and normalizes
// chat, tool-calling, and embedding lifecycles for use within the
// conversation pipeline.
package llm
