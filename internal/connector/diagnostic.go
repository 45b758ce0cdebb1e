package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/asaskevich/EventBus"
	"github.com/chatlinehq/crmbridge/internal/bitrix"
	"github.com/chatlinehq/crmbridge/internal/domain"
	"github.com/chatlinehq/crmbridge/pkg/metrics"
	"go.uber.org/zap"
)

// TopicDiagnose is published on the application bus after every diagnostic
// run with the final *Report.
const TopicDiagnose = "crmbridge:connector:diagnose"

// duplicateLineProbeMax bounds the line range swept when deactivating a
// duplicate connector registration before unregistering it.
const duplicateLineProbeMax = 10

// Report is the outcome of one diagnostic pass over a (integration, line)
// pair. Issues are the hard problems (registration, activation or event
// bindings genuinely missing); Cleanups are informational actions such as
// removed duplicates, so a healthy-but-tidied portal is not reported sick.
type Report struct {
	IntegrationId int64    `json:"integration_id,string"`
	Line          int      `json:"line"`
	Registered    bool     `json:"registered"`
	Active        bool     `json:"active"`
	Connected     bool     `json:"connected"`
	EventsBound   bool     `json:"events_bound"`
	Issues        []string `json:"issues"`
	FixesApplied  []string `json:"fixes_applied"`
	Cleanups      []string `json:"cleanups,omitempty"`
}

func (r *Report) Healthy() bool {
	return len(r.Issues) == 0
}

// CleanupReport is the outcome of a duplicate-connector sweep.
type CleanupReport struct {
	Kept    string   `json:"kept"`
	Removed []string `json:"removed"`
}

// Engine reconciles the three sources of truth: our persisted
// configuration, the portal's live connector/line/event registry, and
// line deliverability. Drift between them is the expected input here,
// not an error condition.
type Engine struct {
	client       *bitrix.Client
	orch         *Orchestrator
	events       *EventManager
	integrations IntegrationRepository
	prefix       string
	bus          EventBus.Bus
}

func NewEngine(client *bitrix.Client, orch *Orchestrator, events *EventManager, integrations IntegrationRepository, connectorPrefix string, bus EventBus.Bus) *Engine {
	return &Engine{
		client:       client,
		orch:         orch,
		events:       events,
		integrations: integrations,
		prefix:       connectorPrefix,
		bus:          bus,
	}
}

type observation struct {
	registered bool
	status     bitrix.LineStatus
	missing    []string
}

// inspect reads the remote registry without mutating anything.
func (e *Engine) inspect(ctx context.Context, sess bitrix.Session, integ *domain.Integration, line int) (*observation, error) {
	obs := &observation{}

	conns, res, err := e.client.ListConnectors(ctx, sess)
	if err != nil {
		return nil, err
	}
	if res != nil && !res.OK {
		return nil, fmt.Errorf("connector list rejected: %s", remoteErr(res))
	}
	for _, c := range conns {
		if c.Id == integ.ConnectorId {
			obs.registered = true
			break
		}
	}

	st, stRes, err := e.client.LineStatus(ctx, sess, integ.ConnectorId, line)
	if err != nil {
		return nil, err
	}
	if stRes == nil || stRes.OK {
		obs.status = st
	}

	missing, err := e.events.Missing(ctx, sess)
	if err != nil {
		return nil, err
	}
	obs.missing = missing
	return obs, nil
}

func (e *Engine) issues(obs *observation, line int) []string {
	var issues []string
	if !obs.registered {
		issues = append(issues, "connector not registered")
	}
	if !obs.status.Active {
		issues = append(issues, fmt.Sprintf("line %d not active", line))
	}
	if len(obs.missing) > 0 {
		issues = append(issues, "events not bound: "+strings.Join(obs.missing, ","))
	}
	return issues
}

// Diagnose classifies drift for one line and, when autoFix is set, applies
// the minimal corrective action per issue and re-inspects once. With
// autoFix unset it performs only list and status reads. Auto-fix only ever
// adds or repairs; it never deactivates a working line or unbinds anything
// that is not a recognized duplicate.
func (e *Engine) Diagnose(ctx context.Context, integ *domain.Integration, line int, autoFix bool) (*Report, error) {
	metrics.IncrCounter(metrics.MetricDiagnoseRuns, 1)

	report := &Report{IntegrationId: integ.ID, Line: line, Issues: []string{}, FixesApplied: []string{}}
	defer func() {
		if e.bus != nil {
			e.bus.Publish(TopicDiagnose, report)
		}
	}()

	sess, err := e.orch.Session(ctx, integ)
	if err != nil {
		return nil, err
	}

	obs, err := e.inspect(ctx, sess, integ, line)
	if err != nil {
		return nil, err
	}
	report.Registered = obs.registered
	report.Active = obs.status.Active
	report.Connected = obs.status.Connected
	report.EventsBound = len(obs.missing) == 0
	report.Issues = e.issues(obs, line)

	if !autoFix || report.Healthy() {
		return report, nil
	}

	if !obs.registered {
		res, err := e.client.RegisterConnector(ctx, sess, integ.ConnectorId, e.orch.connectorName)
		if err == nil && res.OK {
			report.FixesApplied = append(report.FixesApplied, "registered connector")
		}
	}
	if !obs.status.Active {
		r, err := e.orch.ActivateLine(ctx, integ, line, "", true)
		if err == nil && r.Succeeded() {
			report.FixesApplied = append(report.FixesApplied, fmt.Sprintf("activated line %d", line))
		}
	}
	if len(obs.missing) > 0 {
		bound, err := e.events.EnsureBound(ctx, sess)
		if err == nil {
			for _, ev := range bound {
				report.FixesApplied = append(report.FixesApplied, "bound event "+ev)
			}
		}
	}
	metrics.IncrCounter(metrics.MetricFixesApplied, float64(len(report.FixesApplied)))

	// one re-inspection to report the corrected state
	obs, err = e.inspect(ctx, sess, integ, line)
	if err != nil {
		return report, nil
	}
	report.Registered = obs.registered
	report.Active = obs.status.Active
	report.Connected = obs.status.Connected
	report.EventsBound = len(obs.missing) == 0
	report.Issues = e.issues(obs, line)

	zap.L().Info("connector: diagnose finished",
		zap.Int64("integration_id", integ.ID),
		zap.Int("line", line),
		zap.Strings("issues", report.Issues),
		zap.Strings("fixes", report.FixesApplied))
	return report, nil
}

// CleanDuplicateConnectors removes every remote connector registration that
// matches our naming convention except the canonical one. Each duplicate is
// deactivated across the plausible line range first, then unregistered.
// Connectors outside the naming convention are never touched, however
// similar their names look to native portal connectors. Idempotent: a
// second sweep finds nothing to remove.
func (e *Engine) CleanDuplicateConnectors(ctx context.Context, integ *domain.Integration) (*CleanupReport, error) {
	sess, err := e.orch.Session(ctx, integ)
	if err != nil {
		return nil, err
	}

	conns, res, err := e.client.ListConnectors(ctx, sess)
	if err != nil {
		return nil, err
	}
	if res != nil && !res.OK {
		return nil, fmt.Errorf("connector list rejected: %s", remoteErr(res))
	}

	report := &CleanupReport{Kept: integ.ConnectorId, Removed: []string{}}
	for _, c := range conns {
		if !strings.HasPrefix(c.Id, e.prefix) || c.Id == integ.ConnectorId {
			continue
		}
		for line := 1; line <= duplicateLineProbeMax; line++ {
			// business errors here just mean the duplicate was never
			// active on that line
			if _, err := e.client.SetLineActivity(ctx, sess, c.Id, line, false); err != nil {
				return report, err
			}
		}
		unres, err := e.client.UnregisterConnector(ctx, sess, c.Id)
		if err != nil {
			return report, err
		}
		if unres.OK {
			report.Removed = append(report.Removed, c.Id)
		}
	}

	if len(report.Removed) > 0 {
		metrics.IncrCounter(metrics.MetricDuplicatesRemoved, float64(len(report.Removed)))
		zap.L().Info("connector: duplicate connectors removed",
			zap.Int64("integration_id", integ.ID),
			zap.Strings("removed", report.Removed))
	}
	return report, nil
}
