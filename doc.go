// Package gryag implements a group-chat assistant with a layered,
// persistent conversation memory.
//
// The bot observes every message in the chats it joins, records them with
// embeddings, distills durable facts about users and chats, consolidates
// bursts of conversation into episodes, and answers only when addressed.
// Each addressed turn assembles a token-budgeted, multi-tier context
// (immediate, recent, relevant, background, episodic) and drives a
// tool-augmented LLM request guarded by quotas and a circuit breaker.
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider]: LLM backend (generate, tool calling, search grounding)
//   - [EmbeddingProvider]: text-to-vector embedding
//   - [Store]: the full persistence surface (messages, facts, episodes,
//     summaries, quotas, bans, prompts, media cache)
//   - [Frontend]: the messaging transport (poll, send, download)
//   - [Tool]: pluggable capability for LLM function calling
//   - [Coordinator]: locks and windowed counters (in-process or Redis)
//
// # Included Implementations
//
// Providers: provider/gemini (Google Gemini REST).
// Storage: store/sqlite (single WAL database file, FTS5 keyword search).
// Transport: frontend/telegram (long-poll Bot API).
// Coordination: coord/redis (distributed), in-process default.
// Tools: tools/websearch, tools/webfetch, tools/weather, tools/currency,
// tools/calculator, tools/imagegen, tools/coderun, tools/recall.
//
// See the cmd/gryag directory for the complete application wiring.
package gryag
