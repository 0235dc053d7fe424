package connect

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// AdminClient calls the admin service.
type AdminClient struct {
	getStats   *connect.Client[GetStatsRequest, GetStatsResponse]
	listOnline *connect.Client[ListOnlineRequest, ListOnlineResponse]
	getWebhook *connect.Client[GetWebhookRequest, GetWebhookResponse]
}

// NewAdminClient creates a client for the admin service at baseURL.
func NewAdminClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *AdminClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &AdminClient{
		getStats:   connect.NewClient[GetStatsRequest, GetStatsResponse](httpClient, baseURL+GetStatsProcedure, opts...),
		listOnline: connect.NewClient[ListOnlineRequest, ListOnlineResponse](httpClient, baseURL+ListOnlineProcedure, opts...),
		getWebhook: connect.NewClient[GetWebhookRequest, GetWebhookResponse](httpClient, baseURL+GetWebhookProcedure, opts...),
	}
}

// GetStats calls AdminService.GetStats.
func (c *AdminClient) GetStats(ctx context.Context) (*GetStatsResponse, error) {
	res, err := c.getStats.CallUnary(ctx, connect.NewRequest(&GetStatsRequest{}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// ListOnline calls AdminService.ListOnline.
func (c *AdminClient) ListOnline(ctx context.Context) (*ListOnlineResponse, error) {
	res, err := c.listOnline.CallUnary(ctx, connect.NewRequest(&ListOnlineRequest{}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// GetWebhook calls AdminService.GetWebhook.
func (c *AdminClient) GetWebhook(ctx context.Context, chatID string) (*WebhookSummary, error) {
	res, err := c.getWebhook.CallUnary(ctx, connect.NewRequest(&GetWebhookRequest{ChatID: chatID}))
	if err != nil {
		return nil, err
	}
	return res.Msg.Webhook, nil
}
