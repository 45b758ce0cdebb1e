package bitrix

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/chatlinehq/crmbridge/pkg/metrics"
	"github.com/guonaihong/gout"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

var jsonApi = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is a thin stateless wrapper over the portal's connector and event
// RPC surface. Every business outcome comes back as a CallResult; a Go
// error is returned only on transport failure, which callers must treat as
// "unknown, verify later", never as confirmed failure.
type Client struct {
	timeout time.Duration
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{timeout: timeout}
}

type apiEnvelope struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// Call posts one RPC method. The CRM reports business failure via the
// error field in a 200 body, never via HTTP status.
func (c *Client) Call(ctx context.Context, sess Session, method string, params map[string]interface{}) (*CallResult, error) {
	if sess.Endpoint == "" {
		return nil, errors.New("bitrix: empty portal endpoint")
	}

	body := map[string]interface{}{"auth": sess.Token}
	for k, v := range params {
		body[k] = v
	}

	u := strings.TrimRight(sess.Endpoint, "/") + "/" + method

	var (
		raw  []byte
		code int
	)
	metrics.IncrCounter(metrics.MetricRemoteCalls, 1)
	err := gout.POST(u).
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetJSON(body).
		BindBody(&raw).
		Code(&code).
		Do()
	if err != nil {
		metrics.IncrCounter(metrics.MetricRemoteCallsFailed, 1)
		zap.L().Warn("bitrix: transport failure",
			zap.String("method", method), zap.Error(err))
		return nil, errors.Wrapf(err, "bitrix: %s transport failure", method)
	}
	if code >= http.StatusInternalServerError {
		metrics.IncrCounter(metrics.MetricRemoteCallsFailed, 1)
		return nil, errors.Errorf("bitrix: %s remote unavailable (http %d)", method, code)
	}

	var env apiEnvelope
	if err := jsonApi.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrapf(err, "bitrix: %s unparseable response", method)
	}

	res := &CallResult{
		ErrorCode:   env.Error,
		Description: env.ErrorDescription,
		Result:      env.Result,
	}
	res.OK = env.Error == "" || res.AlreadyDone()
	if !res.OK {
		zap.L().Debug("bitrix: business error",
			zap.String("method", method),
			zap.String("code", res.ErrorCode),
			zap.String("description", res.Description))
	}
	return res, nil
}

// RegisterConnector registers this platform's connector id on the portal.
// An already-existing registration counts as success.
func (c *Client) RegisterConnector(ctx context.Context, sess Session, connectorId, name string) (*CallResult, error) {
	return c.Call(ctx, sess, "imconnector.register", map[string]interface{}{
		"ID":         connectorId,
		"NAME":       name,
		"CHAT_GROUP": "N",
	})
}

// UnregisterConnector removes a connector registration from the portal.
func (c *Client) UnregisterConnector(ctx context.Context, sess Session, connectorId string) (*CallResult, error) {
	return c.Call(ctx, sess, "imconnector.unregister", map[string]interface{}{
		"ID": connectorId,
	})
}

// ListConnectors returns the portal's connector registry. The endpoint
// answers either a map of id to title or a plain list of ids.
func (c *Client) ListConnectors(ctx context.Context, sess Session) ([]RemoteConnector, *CallResult, error) {
	res, err := c.Call(ctx, sess, "imconnector.list", nil)
	if err != nil {
		return nil, nil, err
	}
	if !res.OK || len(res.Result) == 0 {
		return nil, res, nil
	}

	var byId map[string]interface{}
	if err := jsonApi.Unmarshal(res.Result, &byId); err == nil {
		out := make([]RemoteConnector, 0, len(byId))
		for id, v := range byId {
			out = append(out, RemoteConnector{Id: id, Name: cast.ToString(v)})
		}
		return out, res, nil
	}

	var ids []string
	if err := jsonApi.Unmarshal(res.Result, &ids); err == nil {
		out := make([]RemoteConnector, 0, len(ids))
		for _, id := range ids {
			out = append(out, RemoteConnector{Id: id})
		}
		return out, res, nil
	}
	return nil, res, nil
}

// SetLineActivity activates or deactivates the connector on one line.
func (c *Client) SetLineActivity(ctx context.Context, sess Session, connectorId string, line int, active bool) (*CallResult, error) {
	act := 0
	if active {
		act = 1
	}
	return c.Call(ctx, sess, "imconnector.activate", map[string]interface{}{
		"CONNECTOR": connectorId,
		"LINE":      line,
		"ACTIVE":    act,
	})
}

// SetConnectorData publishes the connector's display data (name and the
// settings URL shown inside the portal) for one line.
func (c *Client) SetConnectorData(ctx context.Context, sess Session, connectorId string, line int, data ConnectorData) (*CallResult, error) {
	return c.Call(ctx, sess, "imconnector.connector.data.set", map[string]interface{}{
		"CONNECTOR": connectorId,
		"LINE":      line,
		"DATA": map[string]interface{}{
			"id":     data.Id,
			"url_im": data.Url,
			"name":   data.Name,
		},
	})
}

// LineStatus queries and normalizes the activity state of one line.
func (c *Client) LineStatus(ctx context.Context, sess Session, connectorId string, line int) (LineStatus, *CallResult, error) {
	res, err := c.Call(ctx, sess, "imconnector.status", map[string]interface{}{
		"CONNECTOR": connectorId,
		"LINE":      line,
	})
	if err != nil {
		return LineStatus{}, nil, err
	}
	if !res.OK {
		return LineStatus{}, res, nil
	}
	return parseLineStatus(res.Result), res, nil
}

// ListLines returns the portal's open lines.
func (c *Client) ListLines(ctx context.Context, sess Session) ([]Line, *CallResult, error) {
	res, err := c.Call(ctx, sess, "imopenlines.config.list.get", map[string]interface{}{
		"PARAMS": map[string]interface{}{"select": []string{"ID", "LINE_NAME"}},
	})
	if err != nil {
		return nil, nil, err
	}
	if !res.OK || len(res.Result) == 0 {
		return nil, res, nil
	}

	var rows []map[string]interface{}
	if err := jsonApi.Unmarshal(res.Result, &rows); err != nil {
		return nil, res, nil
	}
	out := make([]Line, 0, len(rows))
	for _, row := range rows {
		var ln Line
		if v, ok := field(row, "ID"); ok {
			ln.Id = cast.ToInt(v)
		}
		if v, ok := field(row, "LINE_NAME", "NAME"); ok {
			ln.Name = cast.ToString(v)
		}
		if ln.Id > 0 {
			out = append(out, ln)
		}
	}
	return out, res, nil
}

// BindEvent subscribes handler to an event. Binding an already-bound
// handler counts as success.
func (c *Client) BindEvent(ctx context.Context, sess Session, event, handler string) (*CallResult, error) {
	return c.Call(ctx, sess, "event.bind", map[string]interface{}{
		"event":   event,
		"handler": handler,
	})
}

// UnbindEvent removes one event handler subscription.
func (c *Client) UnbindEvent(ctx context.Context, sess Session, event, handler string) (*CallResult, error) {
	return c.Call(ctx, sess, "event.unbind", map[string]interface{}{
		"event":   event,
		"handler": handler,
	})
}

// ListBoundEvents returns all event subscriptions on the portal, ours and
// foreign alike.
func (c *Client) ListBoundEvents(ctx context.Context, sess Session) ([]EventBinding, *CallResult, error) {
	res, err := c.Call(ctx, sess, "event.get", nil)
	if err != nil {
		return nil, nil, err
	}
	if !res.OK || len(res.Result) == 0 {
		return nil, res, nil
	}

	var rows []map[string]interface{}
	if err := jsonApi.Unmarshal(res.Result, &rows); err != nil {
		return nil, res, nil
	}
	out := make([]EventBinding, 0, len(rows))
	for _, row := range rows {
		var eb EventBinding
		if v, ok := field(row, "event"); ok {
			eb.Event = cast.ToString(v)
		}
		if v, ok := field(row, "handler"); ok {
			eb.Handler = cast.ToString(v)
		}
		if eb.Event != "" {
			out = append(out, eb)
		}
	}
	return out, res, nil
}

// BindPlacement registers a UI placement handler on the portal.
func (c *Client) BindPlacement(ctx context.Context, sess Session, placement, handler, title string) (*CallResult, error) {
	return c.Call(ctx, sess, "placement.bind", map[string]interface{}{
		"PLACEMENT": placement,
		"HANDLER":   handler,
		"TITLE":     title,
	})
}

// UnbindPlacement removes all handlers we registered for a placement.
func (c *Client) UnbindPlacement(ctx context.Context, sess Session, placement string) (*CallResult, error) {
	return c.Call(ctx, sess, "placement.unbind", map[string]interface{}{
		"PLACEMENT": placement,
	})
}

// ListPlacements returns the placements this application has bound.
func (c *Client) ListPlacements(ctx context.Context, sess Session) ([]PlacementBinding, *CallResult, error) {
	res, err := c.Call(ctx, sess, "placement.get", nil)
	if err != nil {
		return nil, nil, err
	}
	if !res.OK || len(res.Result) == 0 {
		return nil, res, nil
	}

	var rows []map[string]interface{}
	if err := jsonApi.Unmarshal(res.Result, &rows); err != nil {
		return nil, res, nil
	}
	out := make([]PlacementBinding, 0, len(rows))
	for _, row := range rows {
		var pb PlacementBinding
		if v, ok := field(row, "placement"); ok {
			pb.Placement = cast.ToString(v)
		}
		if v, ok := field(row, "handler"); ok {
			pb.Handler = cast.ToString(v)
		}
		if v, ok := field(row, "title"); ok {
			pb.Title = cast.ToString(v)
		}
		if pb.Placement != "" {
			out = append(out, pb)
		}
	}
	return out, res, nil
}
