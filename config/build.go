package config

import (
	"context"
	"fmt"
	"io"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/agentflow/engine"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/memory"
	"github.com/hupe1980/agentflow/memory/vecstore"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/model/anthropic"
	"github.com/hupe1980/agentflow/model/gemini"
	"github.com/hupe1980/agentflow/model/openai"
	"github.com/hupe1980/agentflow/runstore"
)

// NewLogger builds the structured logger writing to out.
func (c *Config) NewLogger(out io.Writer) *logging.AgentFlowLogger {
	return logging.NewLogger(&logging.LoggerConfig{
		Level:       logging.ParseLevel(c.Logging.Level),
		Format:      c.Logging.Format,
		Output:      out,
		AddSource:   c.Logging.AddSource,
		Component:   "agentflow",
		CustomAttrs: map[string]any{},
	})
}

// EngineConfig converts the engine section.
func (c *Config) EngineConfig() engine.Config {
	timeout, _ := c.Timeout()
	return engine.Config{
		Timeout:        timeout,
		MaxConcurrency: c.Engine.MaxConcurrency,
		StrictLoops:    c.Engine.StrictLoops,
	}
}

// OpenMemoryStorage opens the configured thread storage.
func (c *Config) OpenMemoryStorage(logger logging.Logger) (memory.Storage, error) {
	switch c.Memory.Backend {
	case "badger":
		return memory.NewBadgerStorage(func(o *memory.BadgerOptions) {
			o.Dir = c.Memory.Dir
			o.Logger = logger
		})
	default:
		return memory.NewInMemoryStorage(), nil
	}
}

// NewMemoryManager builds a manager over storage. With memory.semantic set
// the embedder feeds an in-process vector index.
func (c *Config) NewMemoryManager(storage memory.Storage, embedder memory.Embedder, logger logging.Logger) *memory.Manager {
	return memory.NewManager(storage, func(o *memory.Options) {
		o.KRecent = c.Memory.KRecent
		o.KSemantic = c.Memory.KSemantic
		o.MaxWorkingMemoryBytes = c.Memory.MaxWorkingMemoryBytes
		o.Logger = logger
		if c.Memory.Semantic && embedder != nil {
			o.Embedder = embedder
			o.VectorStore = vecstore.New(func(vo *vecstore.Options) {
				if c.Memory.Metric != "" {
					vo.Metric = vecstore.Metric(c.Memory.Metric)
				}
			})
		}
	})
}

// OpenRunStore opens the configured run store. It returns nil for the
// "none" driver.
func (c *Config) OpenRunStore(ctx context.Context) (runstore.Store, error) {
	switch c.RunStore.Driver {
	case "none":
		return nil, nil
	case "sqlite":
		return runstore.OpenSQLite(c.RunStore.DSN)
	case "postgres":
		return runstore.OpenPostgres(ctx, c.RunStore.DSN)
	case "redis":
		return runstore.OpenRedis(ctx, c.RunStore.DSN, func(o *runstore.RedisOptions) {
			if c.RunStore.Prefix != "" {
				o.Prefix = c.RunStore.Prefix
			}
		})
	case "mongo":
		return runstore.OpenMongo(ctx, c.RunStore.DSN, func(o *runstore.MongoOptions) {
			if c.RunStore.Prefix != "" {
				o.Database = c.RunStore.Prefix
			}
		})
	default:
		return runstore.NewMemory(), nil
	}
}

// NewProvider creates the configured model provider. Empty fields keep the
// provider defaults; credentials fall back to the SDK environment variables.
func (c *Config) NewProvider(ctx context.Context) (model.Provider, error) {
	m := c.Model
	switch m.Provider {
	case "", "openai":
		var opts []option.RequestOption
		if m.APIKey != "" {
			opts = append(opts, option.WithAPIKey(m.APIKey))
		}
		if m.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(m.BaseURL))
		}
		client := openaisdk.NewClient(opts...)
		return openai.NewProviderFromClient(&client, func(o *openai.Options) {
			if m.Model != "" {
				o.Model = m.Model
			}
			if m.EmbeddingModel != "" {
				o.EmbeddingModel = m.EmbeddingModel
			}
			o.Temperature = m.Temperature
			if m.MaxTokens > 0 {
				o.MaxCompletionTokens = int64(m.MaxTokens)
			}
		}), nil
	case "anthropic":
		return anthropic.NewProvider(func(o *anthropic.Options) {
			o.APIKey = m.APIKey
			if m.Model != "" {
				o.Model = anthropicsdk.Model(m.Model)
			}
			o.Temperature = m.Temperature
			if m.MaxTokens > 0 {
				o.MaxTokens = int64(m.MaxTokens)
			}
		}), nil
	case "gemini":
		return gemini.NewProvider(ctx, func(o *gemini.Options) {
			o.APIKey = m.APIKey
			if m.Model != "" {
				o.Model = m.Model
			}
			if m.EmbeddingModel != "" {
				o.EmbeddingModel = m.EmbeddingModel
			}
			o.Temperature = float32(m.Temperature)
			if m.MaxTokens > 0 {
				o.MaxOutputTokens = int32(m.MaxTokens)
			}
		})
	case "mock":
		return model.NewMockProvider(m.Model), nil
	}
	return nil, fmt.Errorf("unknown model provider %q", m.Provider)
}
