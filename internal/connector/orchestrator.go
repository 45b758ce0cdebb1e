package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/asaskevich/EventBus"
	"github.com/chatlinehq/crmbridge/internal/bitrix"
	"github.com/chatlinehq/crmbridge/internal/domain"
	"github.com/chatlinehq/crmbridge/pkg/common"
	"github.com/chatlinehq/crmbridge/pkg/metrics"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// State of one (integration, line) pair in the activation machine.
type State string

const (
	StateUnregistered State = "UNREGISTERED"
	StateRegistered   State = "REGISTERED"
	StateActivating   State = "ACTIVATING"
	StateActive       State = "ACTIVE"
	StateFailed       State = "FAILED"
)

// TopicActivation is published on the application bus after every
// activation attempt with the final *ActivationResult.
const TopicActivation = "crmbridge:connector:activation"

// Step is one sub-step outcome. Callers must be able to tell "nothing
// happened" apart from "activated but not yet confirmed", so failures are
// reported with whatever progress was made, never as a bare error.
type Step struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// ActivationResult is the full outcome of one activation run.
type ActivationResult struct {
	IntegrationId int64  `json:"integration_id,string"`
	Line          int    `json:"line"`
	State         State  `json:"state"`
	Steps         []Step `json:"steps"`
	EventsBound   []string `json:"events_bound,omitempty"`
}

func (r *ActivationResult) Succeeded() bool {
	return r.State == StateActive
}

func (r *ActivationResult) step(name string, ok bool, detail string) {
	r.Steps = append(r.Steps, Step{Name: name, OK: ok, Detail: detail})
}

// AutoSetupResult summarizes a bulk run over every portal line. Success is
// deliberately lenient: connector registered, events bound and at least one
// line activated. Per-line verification may still be catching up with the
// portal's propagation delay and is not allowed to fail the whole setup.
type AutoSetupResult struct {
	Registered  bool                `json:"registered"`
	EventsBound bool                `json:"events_bound"`
	ActiveLines int                 `json:"active_lines"`
	Lines       []*ActivationResult `json:"lines"`
	Success     bool                `json:"success"`
}

// Orchestrator drives the register/activate/verify/bind sequence for one
// (integration, line) pair. Every entry point that needs this sequence
// (setup, force-activate, diagnostics repair) goes through here with flags
// instead of re-implementing it.
type Orchestrator struct {
	client        *bitrix.Client
	tokens        *bitrix.TokenManager
	integrations  IntegrationRepository
	mappings      ChannelMappingRepository
	events        *EventManager
	connectorName string
	retry         RetryPolicy
	bus           EventBus.Bus
	concurrency   int
}

func NewOrchestrator(
	client *bitrix.Client,
	tokens *bitrix.TokenManager,
	integrations IntegrationRepository,
	mappings ChannelMappingRepository,
	events *EventManager,
	connectorName string,
	bus EventBus.Bus,
) *Orchestrator {
	return &Orchestrator{
		client:        client,
		tokens:        tokens,
		integrations:  integrations,
		mappings:      mappings,
		events:        events,
		connectorName: connectorName,
		retry:         DefaultVerifyRetry,
		bus:           bus,
		concurrency:   4,
	}
}

// Session resolves a valid token and builds the call session for integ.
func (o *Orchestrator) Session(ctx context.Context, integ *domain.Integration) (bitrix.Session, error) {
	token, err := o.tokens.ValidToken(ctx, integ)
	if err != nil {
		return bitrix.Session{}, err
	}
	return bitrix.Session{Endpoint: integ.Endpoint, Token: token}, nil
}

// ActivateLine brings one line into the active-and-receiving state.
//
// Unless force is set, a line the portal already reports active is
// confirmed immediately without re-running registration. Otherwise the
// machine walks register, activate plus display data, verify, with exactly
// one bounded retry of the activation step before giving up. Event
// bindings and the channel mapping are persisted on both terminal states
// so partial progress survives.
func (o *Orchestrator) ActivateLine(ctx context.Context, integ *domain.Integration, line int, endpoint string, force bool) (*ActivationResult, error) {
	metrics.IncrCounter(metrics.MetricActivationRuns, 1)
	result := &ActivationResult{IntegrationId: integ.ID, Line: line, State: StateUnregistered}
	defer o.publish(result)

	sess, err := o.Session(ctx, integ)
	if err != nil {
		result.State = StateFailed
		result.step("credential", false, err.Error())
		return result, err
	}

	if !force {
		if st, res, err := o.client.LineStatus(ctx, sess, integ.ConnectorId, line); err == nil && res != nil && res.OK {
			if st.Registered && st.Active {
				result.State = StateActive
				result.step("verify", true, "already active")
				o.finish(ctx, integ, sess, line, endpoint, result)
				return result, nil
			}
		}
	}

	// UNREGISTERED -> REGISTERED, idempotent: already-exists is success.
	regRes, err := o.client.RegisterConnector(ctx, sess, integ.ConnectorId, o.connectorName)
	switch {
	case err != nil:
		// Transport failure means outcome unknown; verification below is
		// what re-establishes truth, so keep going.
		result.step("register", false, err.Error())
	case regRes.OK:
		result.State = StateRegistered
		result.step("register", true, "")
	default:
		result.step("register", false, remoteErr(regRes))
	}

	// REGISTERED -> ACTIVATING. Both calls are best-effort; the verify
	// step decides, not their individual responses.
	result.State = StateActivating
	o.activateSteps(ctx, sess, integ, line, result)

	active, _ := o.retry.Do(ctx, func(attempt int) (bool, error) {
		if attempt > 0 {
			// single bounded re-run of the activation step before re-verifying
			o.activateSteps(ctx, sess, integ, line, result)
		}
		st, res, err := o.client.LineStatus(ctx, sess, integ.ConnectorId, line)
		if err != nil {
			result.step("verify", false, err.Error())
			return false, err
		}
		if res != nil && !res.OK {
			result.step("verify", false, remoteErr(res))
			return false, nil
		}
		result.step("verify", st.Active, fmt.Sprintf("registered=%v active=%v connected=%v",
			st.Registered, st.Active, st.Connected))
		return st.Active, nil
	})

	if active {
		result.State = StateActive
	} else {
		result.State = StateFailed
		metrics.IncrCounter(metrics.MetricActivationFailed, 1)
	}

	o.finish(ctx, integ, sess, line, endpoint, result)

	zap.L().Info("connector: activation finished",
		zap.Int64("integration_id", integ.ID),
		zap.Int("line", line),
		zap.String("state", string(result.State)))
	return result, nil
}

// activateSteps issues the activate and display-data calls for one line.
func (o *Orchestrator) activateSteps(ctx context.Context, sess bitrix.Session, integ *domain.Integration, line int, result *ActivationResult) {
	actRes, err := o.client.SetLineActivity(ctx, sess, integ.ConnectorId, line, true)
	switch {
	case err != nil:
		result.step("activate", false, err.Error())
	case actRes.OK:
		result.step("activate", true, "")
	default:
		result.step("activate", false, remoteErr(actRes))
	}

	dataRes, err := o.client.SetConnectorData(ctx, sess, integ.ConnectorId, line, bitrix.ConnectorData{
		Id:   integ.ConnectorId,
		Name: o.connectorName,
		Url:  o.events.HandlerUrl(),
	})
	switch {
	case err != nil:
		result.step("set_data", false, err.Error())
	case dataRes.OK:
		result.step("set_data", true, "")
	default:
		result.step("set_data", false, remoteErr(dataRes))
	}
}

// finish binds events and persists the channel mapping for both terminal
// states, then records the lifecycle flags on the integration row.
func (o *Orchestrator) finish(ctx context.Context, integ *domain.Integration, sess bitrix.Session, line int, endpoint string, result *ActivationResult) {
	bound, err := o.events.EnsureBound(ctx, sess)
	if err != nil {
		result.step("bind_events", false, err.Error())
	} else {
		result.EventsBound = bound
		result.step("bind_events", true, strings.Join(bound, ","))
	}

	status := common.ENABLED
	if !result.Succeeded() {
		status = common.DISABLED
	}
	mapping := &domain.ChannelMapping{
		IntegrationId: integ.ID,
		LineId:        line,
		LineName:      o.lineTitle(ctx, sess, line),
		Endpoint:      endpoint,
		Status:        status,
	}
	// Repair entries (diagnostics, placement, bulk setup) carry no operator
	// input; the endpoint is changed by explicit operator action only, so
	// blanks keep what the row already has and a failed re-verification
	// never demotes a mapping that was enabled.
	if prev, err := o.mappings.GetByLine(ctx, integ.ID, line); err == nil {
		mapping.ID = prev.ID
		if mapping.Endpoint == "" {
			mapping.Endpoint = prev.Endpoint
		}
		if mapping.LineName == "" {
			mapping.LineName = prev.LineName
		}
		if !result.Succeeded() && prev.Status == common.ENABLED {
			mapping.Status = prev.Status
		}
	}
	if err := o.mappings.Upsert(ctx, mapping); err != nil {
		zap.L().Error("connector: persisting channel mapping failed",
			zap.Int64("integration_id", integ.ID), zap.Int("line", line), zap.Error(err))
	}

	registered := result.State != StateUnregistered
	if err := o.integrations.SetLifecycleFlags(ctx, integ.ID, registered, result.Succeeded()); err != nil {
		zap.L().Error("connector: persisting lifecycle flags failed",
			zap.Int64("integration_id", integ.ID), zap.Error(err))
	}
}

// lineTitle resolves the portal display name of a line, best-effort.
func (o *Orchestrator) lineTitle(ctx context.Context, sess bitrix.Session, line int) string {
	lines, res, err := o.client.ListLines(ctx, sess)
	if err != nil || (res != nil && !res.OK) {
		return ""
	}
	for _, ln := range lines {
		if ln.Id == line {
			return ln.Name
		}
	}
	return ""
}

// ActivateAllLines runs the machine for every portal line. Pairs are
// independent, processed concurrently without ordering guarantees; each
// owns its mapping row so writes never conflict.
func (o *Orchestrator) ActivateAllLines(ctx context.Context, integ *domain.Integration) (*AutoSetupResult, error) {
	sess, err := o.Session(ctx, integ)
	if err != nil {
		return nil, err
	}

	lines, res, err := o.client.ListLines(ctx, sess)
	if err != nil {
		return nil, err
	}
	if res != nil && !res.OK {
		return nil, fmt.Errorf("line list rejected: %s", remoteErr(res))
	}

	out := &AutoSetupResult{}

	pool, err := ants.NewPool(o.concurrency)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, ln := range lines {
		ln := ln
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			r, _ := o.ActivateLine(ctx, integ, ln.Id, "", false)
			mu.Lock()
			out.Lines = append(out.Lines, r)
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
		}
	}
	wg.Wait()

	for _, r := range out.Lines {
		if r.Succeeded() {
			out.ActiveLines++
		}
		if r.State != StateUnregistered {
			out.Registered = true
		}
	}

	missing, err := o.events.Missing(ctx, sess)
	out.EventsBound = err == nil && len(missing) == 0

	out.Success = out.Registered && out.EventsBound && out.ActiveLines >= 1
	return out, nil
}

func (o *Orchestrator) publish(result *ActivationResult) {
	if o.bus != nil {
		o.bus.Publish(TopicActivation, result)
	}
}

func remoteErr(res *bitrix.CallResult) string {
	if res.Description != "" {
		return res.ErrorCode + ": " + res.Description
	}
	return res.ErrorCode
}
