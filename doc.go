// Package caravan is a runtime for tool-using LLM agents.
//
// A caravan run drives a goal-directed conversation on a persistent
// thread: it assembles context, streams a model reply, executes any
// tools the model requests, feeds the results back, and repeats until
// the model stops or the continuation budget runs out. Every step is
// emitted on an ordered event stream that a client can consume live.
//
// # Quick Start
//
//	client := openaicompat.New("https://api.openai.com/v1", apiKey)
//	store, _ := sqlite.New("caravan.db")
//	_ = store.Init(ctx)
//
//	coord := caravan.NewCoordinator(caravan.CoordinatorConfig{
//		Client:   client,
//		Threads:  store,
//		Messages: store,
//		Runs:     store,
//		Provider: caravan.NewToolRegistry(web.New()),
//		Defaults: caravan.RunConfig{Model: "gpt-4o-mini"},
//	})
//
//	thread, _ := coord.CreateThread(ctx, "", nil)
//	handle, _ := coord.StartRun(ctx, caravan.StartRunRequest{
//		ThreadID: thread.ID,
//		Input:    "What is the weather in Jakarta?",
//	})
//	for ev := range handle.Events() {
//		fmt.Println(ev.Type)
//	}
//
// # Core Interfaces
//
//   - [LLMClient] — chat completion backend (implemented by llm/openaicompat)
//   - [ToolProvider] — uniform tool lookup ([ToolRegistry], [Aggregator], openapi.Connector)
//   - [Tool] — a named capability the model may invoke
//   - [ThreadStore], [MessageStore], [RunStore] — persistence (store/sqlite, store/postgres, [MemoryStore])
//   - [EventSink] — consumer of the run event stream
//   - [Tracer] — optional span tracing (the observer package provides an OTEL-backed one)
//
// # Included Implementations
//
// llm/openaicompat speaks the OpenAI chat completions API and works with
// any compatible endpoint. The openapi package compiles an OpenAPI
// document into tools and executes operations over HTTP. store/sqlite
// and store/postgres persist threads, messages, and runs. tools/web and
// tools/document provide built-in fetch and file-reading tools.
//
// See cmd/caravan for a complete HTTP server wiring all of the above.
package caravan
