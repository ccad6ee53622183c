// Package chatflow runs streaming chat turns against OpenAI-compatible
// chat completion endpoints.
//
// A [Session] owns one conversation. Each call to [Session.Send] runs a turn:
// it issues a streaming request through a [Transport], merges the chunk
// deltas into an assistant message as they arrive, and lets plugins decide
// whether another request follows (for example after tool calls). The turn
// can be aborted at any time with [Session.Abort] or by cancelling the
// context; an aborted turn keeps whatever was streamed so far.
//
// # Quick Start
//
//	transport := chatflow.WithRetry(
//		openaicompat.New(apiKey, "gpt-4o-mini", "https://api.openai.com/v1"),
//	)
//	registry := tools.NewRegistry()
//	registry.Add(fetch.New(), file.New("."))
//
//	s := chatflow.New(transport,
//		chatflow.WithPlugins(
//			toolcall.New(registry.Call, toolcall.WithListTools(registry.List)),
//			length.New(),
//		),
//		chatflow.WithOnUpdate(func(snap chatflow.Snapshot) { render(snap) }),
//	)
//	err := s.SendMessage(ctx, "Summarize README.md")
//
// # Plugins
//
// A [Plugin] has a name and implements any of the hook interfaces:
//
//   - [TurnStarter] runs when a turn begins and may return a cleanup
//   - [BeforeRequester] edits the outgoing [RequestBody]
//   - [ChunkObserver] sees every chunk and the message it was merged into
//   - [MessageAppender] sees messages before they join the conversation
//   - [AfterRequester] inspects the finished response and may append
//     messages or ask for a follow-up request
//   - [TurnEnder] runs when the turn is over, even after an abort
//
// # Included Implementations
//
// Transport: provider/openaicompat, wrapped by [WithRetry] and [WithRateLimit].
// Plugins: plugins/toolcall (tool calling), plugins/length (truncated replies),
// observer (OpenTelemetry). Tools: tools/fetch, tools/file, tools/shell, and
// any MCP server through package mcp.
//
// See cmd/chatflow for a complete terminal client.
package chatflow
