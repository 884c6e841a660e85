package server

import (
	"context"

	"meridian.dev/server/internal/dispatcher"
	"meridian.dev/server/internal/episodic"
	"meridian.dev/server/internal/executor"
	"meridian.dev/server/internal/model"
	"meridian.dev/server/internal/monitor"
	"meridian.dev/server/internal/registry"
	"meridian.dev/server/internal/workingmem"
)

// Builtins are the subsystems behind Meridian's built-in tools. The
// domain handlers (code indexer, docs catalog, backups, ...) are
// external collaborators that register alongside these.
type Builtins struct {
	Episodic   *episodic.Store
	Working    *workingmem.Memory
	Monitor    *monitor.Monitor
	Dispatcher *dispatcher.Dispatcher
	Executor   *executor.Pool
}

// RegisterBuiltins adds the system.* and memory.*/attention.* tools to
// reg.
func (b Builtins) RegisterBuiltins(reg *registry.Registry) error {
	tools := []struct {
		meta    model.ToolMetadata
		handler registry.HandlerFunc
	}{
		{
			model.ToolMetadata{Name: "system.ping", Version: "1.0.0", Description: "Liveness check"},
			b.ping,
		},
		{
			model.ToolMetadata{Name: "system.list_tools", Version: "1.0.0", Description: "List registered tools"},
			func(ctx context.Context, req *model.RpcRequest) (*model.RpcResponse, error) {
				return ok(req, reg.List()), nil
			},
		},
		{
			model.ToolMetadata{Name: "system.stats", Version: "1.0.0", Description: "Server load and latency statistics"},
			b.stats,
		},
		{
			model.ToolMetadata{Name: "memory.record_episode", Version: "1.0.0", Description: "Persist a completed-task episode"},
			b.recordEpisode,
		},
		{
			model.ToolMetadata{Name: "memory.find_similar", Version: "1.0.0", Description: "Find past episodes similar to a query", SupportsStreaming: true},
			b.findSimilar,
		},
		{
			model.ToolMetadata{Name: "memory.recent", Version: "1.0.0", Description: "List the most recently recorded episodes"},
			b.recentEpisodes,
		},
		{
			model.ToolMetadata{Name: "memory.consolidate", Version: "1.0.0", Description: "Prune old low-value episodes"},
			b.consolidate,
		},
		{
			model.ToolMetadata{Name: "memory.extract_patterns", Version: "1.0.0", Description: "Cluster episodes into advisory patterns"},
			b.extractPatterns,
		},
		{
			model.ToolMetadata{Name: "attention.add_symbol", Version: "1.0.0", Description: "Admit a symbol into working memory"},
			b.addSymbol,
		},
		{
			model.ToolMetadata{Name: "attention.update", Version: "1.0.0", Description: "Apply an attention pattern to working memory"},
			b.updateAttention,
		},
		{
			model.ToolMetadata{Name: "attention.stats", Version: "1.0.0", Description: "Working-memory occupancy"},
			func(ctx context.Context, req *model.RpcRequest) (*model.RpcResponse, error) {
				return ok(req, b.Working.Stats()), nil
			},
		},
	}

	for _, t := range tools {
		if err := reg.Register(t.meta, t.handler); err != nil {
			return err
		}
	}
	return nil
}

func ok(req *model.RpcRequest, result any) *model.RpcResponse {
	return &model.RpcResponse{Version: req.Version, ID: req.ID, Result: result}
}

func fail(req *model.RpcRequest, kind model.ErrorKind, msg string) *model.RpcResponse {
	return &model.RpcResponse{Version: req.Version, ID: req.ID, Error: model.NewError(kind, msg, nil)}
}

func (b Builtins) ping(_ context.Context, req *model.RpcRequest) (*model.RpcResponse, error) {
	return ok(req, map[string]any{}), nil
}

func (b Builtins) stats(_ context.Context, req *model.RpcRequest) (*model.RpcResponse, error) {
	out := map[string]any{}
	if b.Monitor != nil {
		out["monitor"] = b.Monitor.CollectMetrics()
	}
	if b.Dispatcher != nil {
		out["dispatcher"] = b.Dispatcher.GetStats()
	}
	if b.Executor != nil {
		out["executor"] = b.Executor.GetStats()
	}
	return ok(req, out), nil
}

func (b Builtins) recordEpisode(ctx context.Context, req *model.RpcRequest) (*model.RpcResponse, error) {
	var ep model.Episode
	if err := decodeParams(req.Params, &ep); err != nil {
		return fail(req, model.ErrMalformedParams, err.Error()), nil
	}
	if ep.TaskDescription == "" {
		return fail(req, model.ErrInvalidQuery, "task_description must not be empty"), nil
	}
	recorded, err := b.Episodic.RecordEpisode(ctx, ep)
	if err != nil {
		return fail(req, model.ErrDatabase, err.Error()), nil
	}
	return ok(req, recorded), nil
}

func (b Builtins) findSimilar(ctx context.Context, req *model.RpcRequest) (*model.RpcResponse, error) {
	var params struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return fail(req, model.ErrMalformedParams, err.Error()), nil
	}
	if params.Query == "" {
		return fail(req, model.ErrInvalidQuery, "query must not be empty"), nil
	}
	episodes, err := b.Episodic.FindSimilar(ctx, params.Query, params.K)
	if err != nil {
		return fail(req, model.ErrDatabase, err.Error()), nil
	}
	return ok(req, episodes), nil
}

func (b Builtins) recentEpisodes(ctx context.Context, req *model.RpcRequest) (*model.RpcResponse, error) {
	var params struct {
		Limit int `json:"limit"`
	}
	if req.Params != nil {
		if err := decodeParams(req.Params, &params); err != nil {
			return fail(req, model.ErrMalformedParams, err.Error()), nil
		}
	}
	if params.Limit <= 0 {
		params.Limit = 20
	}
	episodes, err := b.Episodic.RecentEpisodes(ctx, params.Limit)
	if err != nil {
		return fail(req, model.ErrDatabase, err.Error()), nil
	}
	return ok(req, episodes), nil
}

func (b Builtins) consolidate(ctx context.Context, req *model.RpcRequest) (*model.RpcResponse, error) {
	if err := b.Episodic.Consolidate(ctx); err != nil {
		return fail(req, model.ErrDatabase, err.Error()), nil
	}
	return ok(req, map[string]any{}), nil
}

func (b Builtins) extractPatterns(ctx context.Context, req *model.RpcRequest) (*model.RpcResponse, error) {
	episodes, err := b.Episodic.Episodes(ctx)
	if err != nil {
		return fail(req, model.ErrDatabase, err.Error()), nil
	}
	return ok(req, episodic.ExtractPatterns(episodes)), nil
}

func (b Builtins) addSymbol(_ context.Context, req *model.RpcRequest) (*model.RpcResponse, error) {
	var params struct {
		SymbolID  string `json:"symbol_id"`
		TokenCost int    `json:"token_cost"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return fail(req, model.ErrMalformedParams, err.Error()), nil
	}
	if params.SymbolID == "" {
		return fail(req, model.ErrSymbolNotFound, "symbol_id must not be empty"), nil
	}
	b.Working.AddSymbol(params.SymbolID, params.TokenCost)
	return ok(req, b.Working.Stats()), nil
}

func (b Builtins) updateAttention(_ context.Context, req *model.RpcRequest) (*model.RpcResponse, error) {
	var pattern model.AttentionPattern
	if err := decodeParams(req.Params, &pattern); err != nil {
		return fail(req, model.ErrMalformedParams, err.Error()), nil
	}
	b.Working.Update(pattern)
	return ok(req, b.Working.Stats()), nil
}
