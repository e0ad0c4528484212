package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/llmgw/internal/attachment"
	"github.com/rakunlabs/llmgw/internal/chat"
	"github.com/rakunlabs/llmgw/internal/chat/anthropic"
	"github.com/rakunlabs/llmgw/internal/chat/openai"
	"github.com/rakunlabs/llmgw/internal/config"
	"github.com/rakunlabs/llmgw/internal/crypto"
	"github.com/rakunlabs/llmgw/internal/imageupload"
	"github.com/rakunlabs/llmgw/internal/objectstore"
	"github.com/rakunlabs/llmgw/internal/transport"
	"github.com/rakunlabs/llmgw/internal/usage"
)

var (
	name    = "llmgw"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// requestEnvelope is the wire shape of a CHAT_PROCESS message.
type requestEnvelope struct {
	WorkspaceID           string               `json:"workspaceId"`
	AIChatThreadID        string               `json:"aiChatThreadId"`
	AIModelMetaInfo       chat.AIModelMetaInfo `json:"aiModelMetaInfo"`
	Messages              []chat.Message       `json:"messages"`
	EventMeta             map[string]any       `json:"eventMeta,omitempty"`
	EnableImageGeneration bool                 `json:"enableImageGeneration,omitempty"`
	ImageSize             string               `json:"imageSize,omitempty"`
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	secrets := crypto.Secrets{
		OpenAIAPIKey:    cfg.OpenAI.APIKey,
		AnthropicAPIKey: cfg.Anthropic.APIKey,
		NatsNkeySeed:    cfg.NATS.NkeySeed,
		NatsToken:       cfg.NATS.Token,
		NatsPassword:    cfg.NATS.Password,
	}
	if cfg.EncryptionKey != "" {
		key, err := crypto.DeriveKey(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive encryption key: %w", err)
		}
		secrets, err = crypto.DecryptSecrets(secrets, key)
		if err != nil {
			return fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	tp := transport.New(transport.Config{
		Servers:              cfg.NATS.Servers,
		Name:                 cfg.NATS.Name,
		NkeySeed:             secrets.NatsNkeySeed,
		UserID:               cfg.NATS.UserID,
		Token:                secrets.NatsToken,
		User:                 cfg.NATS.User,
		Password:             secrets.NatsPassword,
		TLSCACert:            cfg.NATS.TLSCACert,
		MaxReconnectAttempts: cfg.NATS.MaxReconnectAttempts,
		ReconnectTimeWait:    cfg.NATS.ReconnectTimeWait,
		ConnectTimeout:       cfg.NATS.ConnectTimeout,
		RequestTimeout:       cfg.NATS.RequestTimeout,
		JWTExpiryHours:       cfg.NATS.JWTExpiryHours,
	})

	store := objectstore.New(tp)

	imageUpload, err := imageupload.New(cfg.ImageStore.BaseURL)
	if err != nil {
		return fmt.Errorf("build image upload client: %w", err)
	}

	usageReporter := usage.NewReporter(usage.LogSink{})

	registry := chat.NewRegistry(adapterFactory(secrets, imageUpload, store))

	workflow := &chat.Workflow{
		Publisher: tp,
		Usage:     usageReporter,
		Timeout:   timeoutFromSeconds(cfg.LLMTimeoutSeconds),
	}

	specs := []transport.SubscriptionSpec{
		{
			Subject:         "ai.interaction.chat.process",
			Kind:            transport.KindSubscribe,
			PayloadEncoding: transport.EncodingJSON,
			QueueGroup:      "llm-workers",
			Handler:         processHandler(registry, workflow),
		},
		{
			Subject:         "ai.interaction.chat.stop.*.*",
			Kind:            transport.KindSubscribe,
			PayloadEncoding: transport.EncodingBuffer,
			Handler:         stopHandler(registry),
		},
	}

	slog.Info("connecting to nats", "servers", cfg.NATS.Servers)
	if err := tp.Connect(ctx, specs); err != nil {
		// An unreachable broker does not reach here: RetryOnFailedConnect
		// hands the initial dial to the same background reconnect loop as a
		// mid-session disconnect. An error here comes from building the
		// options (bad JWT seed, bad TLS cert) or installing a subscription,
		// which no reconnect repairs, so startup fails.
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer func() {
		if err := tp.Drain(); err != nil {
			slog.Error("failed to drain nats connection", "error", err)
		}
	}()

	<-ctx.Done()
	registry.Shutdown()
	return nil
}

func adapterFactory(secrets crypto.Secrets, imageUpload *imageupload.Client, store attachment.ObjectStoreFetcher) chat.AdapterFactory {
	return func(vendor chat.Vendor) (chat.Adapter, error) {
		switch vendor {
		case chat.VendorOpenAI:
			if secrets.OpenAIAPIKey == "" {
				return nil, fmt.Errorf("openai api key is not configured")
			}
			return openai.New(secrets.OpenAIAPIKey, "", imageUpload, store)
		case chat.VendorAnthropic:
			if secrets.AnthropicAPIKey == "" {
				return nil, fmt.Errorf("anthropic api key is not configured")
			}
			return anthropic.New(secrets.AnthropicAPIKey, "", store)
		default:
			return nil, fmt.Errorf("unknown provider %q", vendor)
		}
	}
}

// processHandler decodes a CHAT_PROCESS envelope, acquires its instance, and
// runs the workflow to completion. A busy instance is rejected with a
// structured error rather than silently dropped.
func processHandler(registry *chat.Registry, workflow *chat.Workflow) transport.Handler {
	return func(ctx context.Context, subject string, data []byte) ([]byte, error) {
		var req requestEnvelope
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode request envelope: %w", err)
		}

		state := &chat.RequestState{
			Messages:              req.Messages,
			AIModelMetaInfo:       req.AIModelMetaInfo,
			WorkspaceID:           req.WorkspaceID,
			ThreadID:              req.AIChatThreadID,
			Provider:              req.AIModelMetaInfo.Provider,
			ModelVersion:          req.AIModelMetaInfo.ModelVersion,
			EventMeta:             req.EventMeta,
			EnableImageGeneration: req.EnableImageGeneration,
			ImageSize:             req.ImageSize,
		}

		key := state.InstanceKey()

		inst, err := registry.Acquire(key, state.Provider)
		if err != nil {
			if errors.Is(err, chat.ErrInstanceBusy) {
				slog.Warn("rejecting chat request for busy instance", "key", key)
				_ = chat.PublishError(workflow.Publisher, state.WorkspaceID, state.ThreadID, err.Error(), "", "")
				return nil, nil
			}
			_ = chat.PublishError(workflow.Publisher, state.WorkspaceID, state.ThreadID, err.Error(), "", "")
			return nil, err
		}

		runErr := workflow.Run(ctx, inst, state)
		registry.Remove(key)

		if runErr != nil {
			slog.Error("chat workflow finished with error", "key", key, "error", runErr)
		}
		return nil, nil
	}
}

// stopHandler parses the (workspaceId, threadId) key out of the subject and
// signals cancellation to that instance, if one is live.
func stopHandler(registry *chat.Registry) transport.Handler {
	return func(ctx context.Context, subject string, data []byte) ([]byte, error) {
		const prefix = "ai.interaction.chat.stop."
		rest := strings.TrimPrefix(subject, prefix)
		parts := strings.SplitN(rest, ".", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed stop subject: %s", subject)
		}

		key := chat.NewInstanceKey(parts[0], parts[1])
		registry.Stop(key)
		return nil, nil
	}
}

func timeoutFromSeconds(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
