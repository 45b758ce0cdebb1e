package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/chatlinehq/crmbridge/internal/bitrix"
	"github.com/chatlinehq/crmbridge/internal/domain"
	"github.com/chatlinehq/crmbridge/pkg/common"
	"github.com/spf13/cast"
	"gorm.io/gorm"
)

const testCallbackBase = "https://bridge.example"

// fakePortal simulates the CRM host's connector, open-lines, event and
// placement registries with real state, so idempotency and cleanup
// behavior can be observed instead of scripted.
type fakePortal struct {
	mu         sync.Mutex
	server     *httptest.Server
	connectors map[string]string
	active     map[string]bool
	bindings   []bitrix.EventBinding
	placements []bitrix.PlacementBinding
	lines      []map[string]interface{}
	calls      map[string]int

	rejectActivate bool
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	p := &fakePortal{
		connectors: map[string]string{},
		active:     map[string]bool{},
		calls:      map[string]int{},
		lines: []map[string]interface{}{
			{"ID": "1", "LINE_NAME": "Sales"},
		},
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakePortal) handle(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[1:]
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[method]++

	write := func(v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	result := func(v interface{}) { write(map[string]interface{}{"result": v}) }
	remoteError := func(code string) { write(map[string]interface{}{"error": code}) }

	switch method {
	case "imconnector.register":
		id := cast.ToString(body["ID"])
		if _, exists := p.connectors[id]; exists {
			remoteError("ERROR_CONNECTOR_ALREADY_EXISTS")
			return
		}
		p.connectors[id] = cast.ToString(body["NAME"])
		result(true)

	case "imconnector.unregister":
		delete(p.connectors, cast.ToString(body["ID"]))
		result(true)

	case "imconnector.list":
		out := map[string]string{}
		for id, name := range p.connectors {
			out[id] = name
		}
		result(out)

	case "imconnector.activate":
		if p.rejectActivate {
			remoteError("ERROR_ACTIVATE_REJECTED")
			return
		}
		key := lineKey(cast.ToString(body["CONNECTOR"]), cast.ToInt(body["LINE"]))
		p.active[key] = cast.ToInt(body["ACTIVE"]) == 1
		result(true)

	case "imconnector.connector.data.set":
		result(true)

	case "imconnector.status":
		id := cast.ToString(body["CONNECTOR"])
		_, registered := p.connectors[id]
		active := p.active[lineKey(id, cast.ToInt(body["LINE"]))]
		result(map[string]string{
			"REGISTER":   yn(registered),
			"STATUS":     yn(active),
			"CONNECTION": yn(active),
		})

	case "imopenlines.config.list.get":
		result(p.lines)

	case "event.get":
		result(p.bindings)

	case "event.bind":
		event := cast.ToString(body["event"])
		handler := cast.ToString(body["handler"])
		for _, b := range p.bindings {
			if b.Event == event && b.Handler == handler {
				remoteError("ERROR_HANDLER_ALREADY_BIND")
				return
			}
		}
		p.bindings = append(p.bindings, bitrix.EventBinding{Event: event, Handler: handler})
		result(true)

	case "event.unbind":
		// the portal removes every copy of the (event, handler) pair
		event := cast.ToString(body["event"])
		handler := cast.ToString(body["handler"])
		kept := p.bindings[:0]
		removed := 0
		for _, b := range p.bindings {
			if b.Event == event && b.Handler == handler {
				removed++
				continue
			}
			kept = append(kept, b)
		}
		p.bindings = kept
		result(map[string]int{"count": removed})

	case "placement.get":
		result(p.placements)

	case "placement.bind":
		p.placements = append(p.placements, bitrix.PlacementBinding{
			Placement: cast.ToString(body["PLACEMENT"]),
			Handler:   cast.ToString(body["HANDLER"]),
			Title:     cast.ToString(body["TITLE"]),
		})
		result(true)

	case "placement.unbind":
		placement := cast.ToString(body["PLACEMENT"])
		kept := p.placements[:0]
		for _, pb := range p.placements {
			if pb.Placement == placement {
				continue
			}
			kept = append(kept, pb)
		}
		p.placements = kept
		result(true)

	default:
		remoteError("ERROR_METHOD_NOT_FOUND")
	}
}

func lineKey(connectorId string, line int) string {
	return fmt.Sprintf("%s:%d", connectorId, line)
}

func yn(v bool) string {
	if v {
		return "Y"
	}
	return "N"
}

func (p *fakePortal) callCount(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

// writeCalls totals every mutating RPC the portal has seen.
func (p *fakePortal) writeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, m := range []string{
		"imconnector.register", "imconnector.unregister", "imconnector.activate",
		"imconnector.connector.data.set", "event.bind", "event.unbind",
		"placement.bind", "placement.unbind",
	} {
		total += p.calls[m]
	}
	return total
}

func (p *fakePortal) seedConnector(id, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectors[id] = name
}

func (p *fakePortal) seedActive(connectorId string, line int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[lineKey(connectorId, line)] = true
}

// clearActive drops the line activation on the portal side, simulating
// remote drift.
func (p *fakePortal) clearActive(connectorId string, line int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, lineKey(connectorId, line))
}

func (p *fakePortal) seedBinding(event, handler string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindings = append(p.bindings, bitrix.EventBinding{Event: event, Handler: handler})
}

func (p *fakePortal) seedLine(id int, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, map[string]interface{}{"ID": cast.ToString(id), "LINE_NAME": name})
}

func (p *fakePortal) bindingsFor(event string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, b := range p.bindings {
		if b.Event == event {
			out = append(out, b.Handler)
		}
	}
	return out
}

func (p *fakePortal) connectorIds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.connectors))
	for id := range p.connectors {
		out = append(out, id)
	}
	return out
}

// memIntegrations is an in-memory IntegrationRepository (and token store).
type memIntegrations struct {
	mu   sync.Mutex
	rows map[int64]*domain.Integration
}

func newMemIntegrations() *memIntegrations {
	return &memIntegrations{rows: map[int64]*domain.Integration{}}
}

func (r *memIntegrations) Create(_ context.Context, integ *domain.Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if integ.ID == 0 {
		integ.ID = common.UUIDint64()
	}
	if integ.Status == "" {
		integ.Status = common.ENABLED
	}
	cp := *integ
	r.rows[integ.ID] = &cp
	return nil
}

func (r *memIntegrations) Update(_ context.Context, integ *domain.Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *integ
	r.rows[integ.ID] = &cp
	return nil
}

func (r *memIntegrations) GetByID(_ context.Context, id int64) (*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, found := r.rows[id]
	if !found {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *memIntegrations) GetByTenant(_ context.Context, tenantId string) (*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.TenantId == tenantId && row.Status == common.ENABLED {
			cp := *row
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memIntegrations) GetByAccount(_ context.Context, accountId string) (*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.AccountId == accountId {
			cp := *row
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memIntegrations) ListEnabled(_ context.Context) ([]*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Integration
	for _, row := range r.rows {
		if row.Status == common.ENABLED {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memIntegrations) UpdateTokens(_ context.Context, id int64, access, refresh string, expiry time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, found := r.rows[id]; found {
		row.AccessToken = access
		row.RefreshToken = refresh
		row.TokenExpiry = expiry
		row.RefreshError = ""
		row.RefreshAt = time.Now()
	}
	return nil
}

func (r *memIntegrations) RecordRefreshFailure(_ context.Context, id int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, found := r.rows[id]; found {
		row.RefreshError = reason
		row.RefreshAt = time.Now()
	}
	return nil
}

func (r *memIntegrations) SetLifecycleFlags(_ context.Context, id int64, registered, activated bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, found := r.rows[id]; found {
		row.Registered = registered
		row.Activated = activated
	}
	return nil
}

func (r *memIntegrations) Deactivate(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, found := r.rows[id]; found {
		row.Status = common.DISABLED
	}
	return nil
}

// memMappings is an in-memory ChannelMappingRepository.
type memMappings struct {
	mu   sync.Mutex
	rows map[string]*domain.ChannelMapping
}

func newMemMappings() *memMappings {
	return &memMappings{rows: map[string]*domain.ChannelMapping{}}
}

func (r *memMappings) key(integrationId int64, lineId int) string {
	return fmt.Sprintf("%d:%d", integrationId, lineId)
}

func (r *memMappings) Upsert(_ context.Context, m *domain.ChannelMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == 0 {
		m.ID = common.UUIDint64()
	}
	if m.Status == "" {
		m.Status = common.ENABLED
	}
	cp := *m
	r.rows[r.key(m.IntegrationId, m.LineId)] = &cp
	return nil
}

func (r *memMappings) GetByLine(_ context.Context, integrationId int64, lineId int) (*domain.ChannelMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, found := r.rows[r.key(integrationId, lineId)]
	if !found {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *memMappings) ListByIntegration(_ context.Context, integrationId int64) ([]*domain.ChannelMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ChannelMapping
	for _, row := range r.rows {
		if row.IntegrationId == integrationId {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memMappings) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, row := range r.rows {
		if row.ID == id {
			delete(r.rows, k)
		}
	}
	return nil
}

// harness wires a full lifecycle stack against the fake portal.
type harness struct {
	portal *fakePortal
	integs *memIntegrations
	maps   *memMappings
	events *EventManager
	orch   *Orchestrator
	diag   *Engine
	integ  *domain.Integration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	portal := newFakePortal(t)
	client := bitrix.NewClient(5 * time.Second)
	integs := newMemIntegrations()
	maps := newMemMappings()
	tokens := bitrix.NewTokenManager(integs, "http://unused.invalid", "cid", "csec", 5*time.Second)
	events := NewEventManager(client, testCallbackBase)

	orch := NewOrchestrator(client, tokens, integs, maps, events, "WhatsApp by ChatLine", nil)
	orch.retry = RetryPolicy{Attempts: 2, Delay: 10 * time.Millisecond}
	diag := NewEngine(client, orch, events, integs, "chatline_wa", nil)

	integ := &domain.Integration{
		TenantId:     "t1",
		AccountId:    "m1",
		Endpoint:     portal.server.URL,
		AccessToken:  "tok",
		RefreshToken: "rtok",
		TokenExpiry:  time.Now().Add(time.Hour),
		ConnectorId:  "chatline_wa_t1",
	}
	if err := integs.Create(context.Background(), integ); err != nil {
		t.Fatal(err)
	}

	return &harness{
		portal: portal,
		integs: integs,
		maps:   maps,
		events: events,
		orch:   orch,
		diag:   diag,
		integ:  integ,
	}
}

func (h *harness) session(t *testing.T) bitrix.Session {
	t.Helper()
	sess, err := h.orch.Session(context.Background(), h.integ)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func (h *harness) canonicalHandler() string {
	return testCallbackBase + EventHandlerPath
}

// seedHealthy puts the portal into the fully set up state for line 1.
func (h *harness) seedHealthy() {
	h.portal.seedConnector(h.integ.ConnectorId, "WhatsApp by ChatLine")
	h.portal.seedActive(h.integ.ConnectorId, 1)
	for _, ev := range RequiredEvents() {
		h.portal.seedBinding(ev, h.canonicalHandler())
	}
}
