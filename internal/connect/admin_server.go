// Package connect serves the read-only relay admin API over Connect-RPC.
package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/otelconnect"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sarathsp06/relay/internal/logger"
	"github.com/sarathsp06/relay/internal/observability"
	"github.com/sarathsp06/relay/internal/presence"
	"github.com/sarathsp06/relay/internal/registry"
	"github.com/sarathsp06/relay/internal/webhooks"
)

// Admin service procedures.
const (
	ServiceName = "relay.admin.v1.AdminService"

	GetStatsProcedure   = "/" + ServiceName + "/GetStats"
	ListOnlineProcedure = "/" + ServiceName + "/ListOnline"
	GetWebhookProcedure = "/" + ServiceName + "/GetWebhook"
)

// GetStatsRequest has no fields.
type GetStatsRequest struct{}

// GetStatsResponse reports registry counters.
type GetStatsResponse struct {
	Connections   int `json:"connections"`
	Authenticated int `json:"authenticated"`
	Identities    int `json:"identities"`
	Online        int `json:"online"`
}

// ListOnlineRequest has no fields.
type ListOnlineRequest struct{}

// OnlineIdentity is one online identity and its live connection count.
type OnlineIdentity struct {
	DID         string `json:"did"`
	Connections int    `json:"connections"`
}

// ListOnlineResponse lists online identities sorted by DID.
type ListOnlineResponse struct {
	Identities []OnlineIdentity `json:"identities"`
}

// GetWebhookRequest names the chat to look up.
type GetWebhookRequest struct {
	ChatID string `json:"chatId"`
}

// WebhookSummary is a webhook configuration without its secret.
type WebhookSummary struct {
	ChatID        string            `json:"chatId"`
	OwnerIdentity string            `json:"ownerIdentity"`
	URL           string            `json:"url"`
	Events        []string          `json:"events"`
	IsActive      bool              `json:"isActive"`
	Secret        string            `json:"secret"`
	RetryAttempts int               `json:"retryAttempts"`
	TimeoutMillis int               `json:"timeout"`
	Headers       map[string]string `json:"headers,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	LastUsedAt    *time.Time        `json:"lastUsedAt,omitempty"`
}

// GetWebhookResponse wraps the webhook summary.
type GetWebhookResponse struct {
	Webhook *WebhookSummary `json:"webhook"`
}

// WebhookReader looks up webhook configurations.
type WebhookReader interface {
	Get(ctx context.Context, chatID string) (*webhooks.WebhookConfig, error)
}

// AdminServer implements the admin service.
type AdminServer struct {
	reg     *registry.Registry
	tracker *presence.Tracker
	hooks   WebhookReader
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewAdminServer creates a new admin server instance
func NewAdminServer(reg *registry.Registry, tracker *presence.Tracker, hooks WebhookReader) *AdminServer {
	return &AdminServer{
		reg:     reg,
		tracker: tracker,
		hooks:   hooks,
		logger:  logger.NewLogger("connect-admin-server"),
		tracer:  observability.GetTracer("relay.connect.admin"),
	}
}

// GetStats returns connection and identity counts.
func (s *AdminServer) GetStats(
	ctx context.Context,
	_ *connect.Request[GetStatsRequest],
) (*connect.Response[GetStatsResponse], error) {
	_, span := s.tracer.Start(ctx, "connect.admin.stats")
	defer span.End()

	st := s.reg.Stats()
	res := &GetStatsResponse{
		Connections:   st.Connections,
		Authenticated: st.Authenticated,
		Identities:    st.Identities,
		Online:        len(s.tracker.Online()),
	}
	span.SetAttributes(
		attribute.Int("connections", res.Connections),
		attribute.Int("online", res.Online),
	)
	return connect.NewResponse(res), nil
}

// ListOnline returns every online identity.
func (s *AdminServer) ListOnline(
	ctx context.Context,
	_ *connect.Request[ListOnlineRequest],
) (*connect.Response[ListOnlineResponse], error) {
	_, span := s.tracer.Start(ctx, "connect.admin.list_online")
	defer span.End()

	online := s.tracker.Online()
	sort.Strings(online)
	res := &ListOnlineResponse{Identities: make([]OnlineIdentity, 0, len(online))}
	for _, did := range online {
		res.Identities = append(res.Identities, OnlineIdentity{
			DID:         did,
			Connections: len(s.reg.LookupByIdentity(did)),
		})
	}
	span.SetAttributes(attribute.Int("online", len(res.Identities)))
	return connect.NewResponse(res), nil
}

// GetWebhook returns a chat's webhook configuration with the secret masked.
func (s *AdminServer) GetWebhook(
	ctx context.Context,
	req *connect.Request[GetWebhookRequest],
) (*connect.Response[GetWebhookResponse], error) {
	ctx, span := s.tracer.Start(ctx, "connect.admin.get_webhook",
		trace.WithAttributes(attribute.String("chat_id", req.Msg.ChatID)),
	)
	defer span.End()

	if req.Msg.ChatID == "" {
		span.SetStatus(otelcodes.Error, "chatId is required")
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("chatId is required"))
	}

	cfg, err := s.hooks.Get(ctx, req.Msg.ChatID)
	if errors.Is(err, webhooks.ErrNotFound) {
		span.SetStatus(otelcodes.Error, "webhook not found")
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("no webhook for chat %s", req.Msg.ChatID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "failed to load webhook")
		s.logger.Error("Failed to load webhook", "chat_id", req.Msg.ChatID, "error", err)
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("failed to load webhook: %w", err))
	}

	return connect.NewResponse(&GetWebhookResponse{Webhook: summarize(cfg)}), nil
}

func summarize(cfg *webhooks.WebhookConfig) *WebhookSummary {
	return &WebhookSummary{
		ChatID:        cfg.ChatID,
		OwnerIdentity: cfg.OwnerIdentity,
		URL:           cfg.URL,
		Events:        cfg.Events,
		IsActive:      cfg.Active,
		Secret:        maskSecret(cfg.Secret),
		RetryAttempts: cfg.RetryAttempts,
		TimeoutMillis: cfg.TimeoutMillis,
		Headers:       cfg.Headers,
		CreatedAt:     cfg.CreatedAt,
		UpdatedAt:     cfg.UpdatedAt,
		LastUsedAt:    cfg.LastUsedAt,
	}
}

// maskSecret keeps the last four characters of secrets long enough to
// identify without revealing them.
func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// Handler returns the Connect-RPC handler and the path it serves.
func (s *AdminServer) Handler() (string, http.Handler, error) {
	otelInterceptor, err := otelconnect.NewInterceptor()
	if err != nil {
		return "", nil, fmt.Errorf("failed to create otel interceptor: %w", err)
	}
	opts := []connect.HandlerOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(otelInterceptor),
	}

	mux := http.NewServeMux()
	mux.Handle(GetStatsProcedure, connect.NewUnaryHandler(GetStatsProcedure, s.GetStats, opts...))
	mux.Handle(ListOnlineProcedure, connect.NewUnaryHandler(ListOnlineProcedure, s.ListOnline, opts...))
	mux.Handle(GetWebhookProcedure, connect.NewUnaryHandler(GetWebhookProcedure, s.GetWebhook, opts...))
	return "/" + ServiceName + "/", mux, nil
}
