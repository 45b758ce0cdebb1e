package bitrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePortal answers portal RPC methods with canned envelopes and records
// every request body it sees.
type fakePortal struct {
	mu        sync.Mutex
	server    *httptest.Server
	responses map[string]string
	requests  map[string][]map[string]interface{}
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	p := &fakePortal{
		responses: map[string]string{},
		requests:  map[string][]map[string]interface{}{},
	}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[1:]

		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		p.requests[method] = append(p.requests[method], body)
		resp, found := p.responses[method]
		p.mu.Unlock()

		if !found {
			resp = `{"result":true}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakePortal) respond(method, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[method] = body
}

func (p *fakePortal) calls(method string) []map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[method]
}

func (p *fakePortal) session() Session {
	return Session{Endpoint: p.server.URL, Token: "tok-1"}
}

func TestCallMergesAuthIntoBody(t *testing.T) {
	portal := newFakePortal(t)
	client := NewClient(5 * time.Second)

	res, err := client.Call(context.Background(), portal.session(), "imconnector.register",
		map[string]interface{}{"ID": "conn_1"})
	require.NoError(t, err)
	assert.True(t, res.OK)

	calls := portal.calls("imconnector.register")
	require.Len(t, calls, 1)
	assert.Equal(t, "tok-1", calls[0]["auth"])
	assert.Equal(t, "conn_1", calls[0]["ID"])
}

func TestCallBusinessErrorIsNotAGoError(t *testing.T) {
	portal := newFakePortal(t)
	portal.respond("imconnector.activate", `{"error":"ERROR_LINE_NOT_FOUND","error_description":"no such line"}`)
	client := NewClient(5 * time.Second)

	res, err := client.Call(context.Background(), portal.session(), "imconnector.activate", nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "ERROR_LINE_NOT_FOUND", res.ErrorCode)
	assert.Equal(t, "no such line", res.Description)
}

func TestCallAlreadyDoneCodesCountAsSuccess(t *testing.T) {
	codes := []string{
		"ERROR_CONNECTOR_ALREADY_EXISTS",
		"ERROR_HANDLER_ALREADY_BIND",
		"ERROR_PLACEMENT_ALREADY_BIND",
	}
	for _, code := range codes {
		portal := newFakePortal(t)
		portal.respond("event.bind", `{"error":"`+code+`"}`)
		client := NewClient(5 * time.Second)

		res, err := client.Call(context.Background(), portal.session(), "event.bind", nil)
		require.NoError(t, err)
		assert.True(t, res.OK, "code %s should be remapped to success", code)
		assert.Equal(t, code, res.ErrorCode)
	}
}

func TestCallServerErrorIsTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	client := NewClient(5 * time.Second)

	res, err := client.Call(context.Background(), Session{Endpoint: server.URL, Token: "t"}, "imconnector.status", nil)
	assert.Error(t, err)
	assert.Nil(t, res)
}

func TestCallUnreachableEndpointIsTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()
	client := NewClient(2 * time.Second)

	res, err := client.Call(context.Background(), Session{Endpoint: server.URL, Token: "t"}, "imconnector.status", nil)
	assert.Error(t, err)
	assert.Nil(t, res)
}

func TestCallEmptyEndpointRejected(t *testing.T) {
	client := NewClient(time.Second)
	_, err := client.Call(context.Background(), Session{}, "imconnector.status", nil)
	assert.Error(t, err)
}

func TestLineStatusNormalization(t *testing.T) {
	cases := []struct {
		name string
		body string
		want LineStatus
	}{
		{
			name: "bare boolean",
			body: `{"result":true}`,
			want: LineStatus{Registered: true, Active: true, Connected: true},
		},
		{
			name: "yn flags",
			body: `{"result":{"REGISTER":"Y","STATUS":"N","CONNECTION":"N"}}`,
			want: LineStatus{Registered: true},
		},
		{
			name: "numeric and lowercase fields",
			body: `{"result":{"register":1,"active":"true","connected":0}}`,
			want: LineStatus{Registered: true, Active: true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			portal := newFakePortal(t)
			portal.respond("imconnector.status", tc.body)
			client := NewClient(5 * time.Second)

			st, res, err := client.LineStatus(context.Background(), portal.session(), "conn_1", 3)
			require.NoError(t, err)
			require.True(t, res.OK)
			assert.Equal(t, tc.want, st)
		})
	}
}

func TestListConnectorsMapShape(t *testing.T) {
	portal := newFakePortal(t)
	portal.respond("imconnector.list", `{"result":{"chatline_wa_t1":"WhatsApp by ChatLine","telegram":"Telegram"}}`)
	client := NewClient(5 * time.Second)

	conns, res, err := client.ListConnectors(context.Background(), portal.session())
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Len(t, conns, 2)

	byId := map[string]string{}
	for _, c := range conns {
		byId[c.Id] = c.Name
	}
	assert.Equal(t, "WhatsApp by ChatLine", byId["chatline_wa_t1"])
}

func TestListConnectorsListShape(t *testing.T) {
	portal := newFakePortal(t)
	portal.respond("imconnector.list", `{"result":["chatline_wa_t1","livechat"]}`)
	client := NewClient(5 * time.Second)

	conns, res, err := client.ListConnectors(context.Background(), portal.session())
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Len(t, conns, 2)
	assert.Equal(t, "chatline_wa_t1", conns[0].Id)
}

func TestListLinesMixedFieldCasing(t *testing.T) {
	portal := newFakePortal(t)
	portal.respond("imopenlines.config.list.get", `{"result":[{"ID":"1","LINE_NAME":"Sales"},{"id":2,"NAME":"Support"},{"LINE_NAME":"orphan"}]}`)
	client := NewClient(5 * time.Second)

	lines, res, err := client.ListLines(context.Background(), portal.session())
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Len(t, lines, 2)
	assert.Equal(t, 1, lines[0].Id)
	assert.Equal(t, "Sales", lines[0].Name)
	assert.Equal(t, 2, lines[1].Id)
	assert.Equal(t, "Support", lines[1].Name)
}

func TestListBoundEvents(t *testing.T) {
	portal := newFakePortal(t)
	portal.respond("event.get", `{"result":[{"event":"OnImConnectorMessageAdd","handler":"https://x/callback/crm/event"},{"event":"ONCRMDEALADD","handler":"https://foreign/hook"}]}`)
	client := NewClient(5 * time.Second)

	events, res, err := client.ListBoundEvents(context.Background(), portal.session())
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Len(t, events, 2)
	assert.Equal(t, "OnImConnectorMessageAdd", events[0].Event)
}
