package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/chatlinehq/crmbridge/config"
	"github.com/chatlinehq/crmbridge/internal/bitrix"
	"github.com/chatlinehq/crmbridge/internal/domain"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var jsonApi = jsoniter.ConfigCompatibleWithStandardLibrary

// PlacementSettings is the portal placement slot where our connector
// settings iframe is embedded.
const PlacementSettings = "SETTING_CONNECTOR"

// PlacementHandlerPath is the route suffix of our placement callback.
const PlacementHandlerPath = "/callback/crm/placement"

// ConnectorSettings is the typed view of the integration's free-form
// settings blob. AutoFix is a pointer so a silent blob can be told apart
// from an explicit opt-out and fall back to the system-wide setting.
type ConnectorSettings struct {
	DefaultEndpoint string `mapstructure:"default_endpoint"`
	AutoFix         *bool  `mapstructure:"auto_fix"`
	DisplayName     string `mapstructure:"display_name"`
}

// PlacementOptions is the payload the portal sends when a human opens the
// connector settings inside the CRM UI.
type PlacementOptions struct {
	Line         int  `mapstructure:"LINE"`
	ActiveStatus bool `mapstructure:"ACTIVE_STATUS"`
}

// DecodePlacementOptions parses the PLACEMENT_OPTIONS JSON the portal
// posts. Field types vary (line as string or number), so decoding is
// weakly typed.
func DecodePlacementOptions(raw string) (PlacementOptions, error) {
	var opts PlacementOptions
	if strings.TrimSpace(raw) == "" {
		return opts, nil
	}
	var m map[string]interface{}
	if err := jsonApi.Unmarshal([]byte(raw), &m); err != nil {
		return opts, errors.Wrap(err, "connector: bad placement options")
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return opts, err
	}
	return opts, dec.Decode(m)
}

// InstallPayload is what the CRM's OAuth install callback delivers.
type InstallPayload struct {
	TenantId     string
	AccountId    string
	Endpoint     string
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

// Service wires the lifecycle components together and is the single entry
// the dispatcher, admin CRUD and scheduled jobs go through.
type Service struct {
	cfg          config.CrmConfig
	client       *bitrix.Client
	tokens       *bitrix.TokenManager
	integrations IntegrationRepository
	mappings     ChannelMappingRepository
	events       *EventManager
	orch         *Orchestrator
	diag         *Engine
	bus          EventBus.Bus
}

var (
	globalSvc     *Service
	globalSvcLock sync.RWMutex
)

// Initialize builds the service and publishes it as the process singleton.
func Initialize(db *gorm.DB, cfg config.CrmConfig, bus EventBus.Bus) *Service {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	client := bitrix.NewClient(timeout)
	integrations := NewGormIntegrationRepository(db)
	mappings := NewGormChannelMappingRepository(db)
	tokens := bitrix.NewTokenManager(integrations, cfg.OauthEndpoint, cfg.ClientId, cfg.ClientSecret, timeout)
	events := NewEventManager(client, cfg.CallbackBaseUrl)

	name := "WhatsApp by ChatLine"
	orch := NewOrchestrator(client, tokens, integrations, mappings, events, name, bus)
	diag := NewEngine(client, orch, events, integrations, cfg.ConnectorPrefix, bus)

	svc := &Service{
		cfg:          cfg,
		client:       client,
		tokens:       tokens,
		integrations: integrations,
		mappings:     mappings,
		events:       events,
		orch:         orch,
		diag:         diag,
		bus:          bus,
	}

	globalSvcLock.Lock()
	globalSvc = svc
	globalSvcLock.Unlock()
	return svc
}

// Get returns the running connector service instance or nil if not
// initialized.
func Get() *Service {
	globalSvcLock.RLock()
	defer globalSvcLock.RUnlock()
	return globalSvc
}

func (s *Service) Integrations() IntegrationRepository   { return s.integrations }
func (s *Service) Mappings() ChannelMappingRepository    { return s.mappings }
func (s *Service) Events() *EventManager                 { return s.events }
func (s *Service) Orchestrator() *Orchestrator           { return s.orch }
func (s *Service) Diagnostics() *Engine                  { return s.diag }

// ConnectorIdFor derives the stable logical connector id for a tenant.
func (s *Service) ConnectorIdFor(tenantId string) string {
	return s.cfg.ConnectorPrefix + "_" + tenantId
}

// PlacementHandlerUrl is the canonical placement callback URL.
func (s *Service) PlacementHandlerUrl() string {
	return strings.TrimRight(s.cfg.CallbackBaseUrl, "/") + PlacementHandlerPath
}

// Settings decodes the integration's settings blob.
func (s *Service) Settings(integ *domain.Integration) (ConnectorSettings, error) {
	var out ConnectorSettings
	if strings.TrimSpace(integ.Settings) == "" {
		return out, nil
	}
	var m map[string]interface{}
	if err := jsonApi.Unmarshal([]byte(integ.Settings), &m); err != nil {
		return out, errors.Wrap(err, "connector: bad settings blob")
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	return out, dec.Decode(m)
}

// HandleInstall creates or refreshes the Integration row from the CRM's
// OAuth install callback. First install creates the record; reinstalls
// update the credential set in place.
func (s *Service) HandleInstall(ctx context.Context, p InstallPayload) (*domain.Integration, error) {
	if p.AccountId == "" || p.Endpoint == "" {
		return nil, errors.New("connector: install payload missing account or endpoint")
	}

	expiry := time.Now().Add(time.Duration(p.ExpiresIn) * time.Second)

	integ, err := s.integrations.GetByAccount(ctx, p.AccountId)
	switch {
	case err == nil:
		integ.Endpoint = p.Endpoint
		integ.AccessToken = p.AccessToken
		integ.RefreshToken = p.RefreshToken
		integ.TokenExpiry = expiry
		integ.RefreshError = ""
		if err := s.integrations.Update(ctx, integ); err != nil {
			return nil, err
		}
		zap.L().Info("connector: reinstall refreshed credentials",
			zap.Int64("integration_id", integ.ID), zap.String("account_id", p.AccountId))
		return integ, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		integ = &domain.Integration{
			TenantId:     p.TenantId,
			AccountId:    p.AccountId,
			Endpoint:     p.Endpoint,
			AccessToken:  p.AccessToken,
			RefreshToken: p.RefreshToken,
			TokenExpiry:  expiry,
			ConnectorId:  s.ConnectorIdFor(p.TenantId),
		}
		if err := s.integrations.Create(ctx, integ); err != nil {
			return nil, err
		}
		zap.L().Info("connector: integration installed",
			zap.Int64("integration_id", integ.ID),
			zap.String("tenant_id", p.TenantId),
			zap.String("account_id", p.AccountId))
		return integ, nil
	default:
		return nil, err
	}
}

// RefreshToken forces a credential refresh regardless of bookkept expiry.
func (s *Service) RefreshToken(ctx context.Context, integ *domain.Integration) (time.Time, error) {
	if _, err := s.tokens.ForceRefresh(ctx, integ); err != nil {
		return time.Time{}, err
	}
	return integ.TokenExpiry, nil
}

// CheckStatus reads the normalized line status. Read-only.
func (s *Service) CheckStatus(ctx context.Context, integ *domain.Integration, line int) (bitrix.LineStatus, error) {
	sess, err := s.orch.Session(ctx, integ)
	if err != nil {
		return bitrix.LineStatus{}, err
	}
	st, res, err := s.client.LineStatus(ctx, sess, integ.ConnectorId, line)
	if err != nil {
		return bitrix.LineStatus{}, err
	}
	if res != nil && !res.OK {
		return bitrix.LineStatus{}, fmt.Errorf("status rejected: %s", remoteErr(res))
	}
	return st, nil
}

// RebindPlacements repoints the settings placement at the current callback
// URL; used after the public URL changes.
func (s *Service) RebindPlacements(ctx context.Context, integ *domain.Integration) error {
	sess, err := s.orch.Session(ctx, integ)
	if err != nil {
		return err
	}
	if _, err := s.client.UnbindPlacement(ctx, sess, PlacementSettings); err != nil {
		return err
	}
	res, err := s.client.BindPlacement(ctx, sess, PlacementSettings, s.PlacementHandlerUrl(), s.orch.connectorName)
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("placement bind rejected: %s", remoteErr(res))
	}
	return nil
}

// HandlePlacement reacts to a human opening the connector settings inside
// the CRM UI: when the options carry a target line and desired active
// state, run the activation machine for that line. Failures here are
// logged, never surfaced to the portal host.
func (s *Service) HandlePlacement(ctx context.Context, integ *domain.Integration, opts PlacementOptions) {
	if integ == nil || opts.Line <= 0 || !opts.ActiveStatus {
		return
	}
	if _, err := s.orch.ActivateLine(ctx, integ, opts.Line, "", false); err != nil {
		zap.L().Warn("connector: placement-triggered activation failed",
			zap.Int64("integration_id", integ.ID),
			zap.Int("line", opts.Line),
			zap.Error(err))
	}
}

// DiagnoseAll runs a diagnostic pass over every enabled integration's
// mapped lines. Whether fixes are applied follows the integration's
// settings blob; a silent blob falls back to defaultAutoFix, the
// system-wide crm.DiagnoseAutoFix setting. Invoked by the nightly job.
func (s *Service) DiagnoseAll(ctx context.Context, defaultAutoFix bool) {
	integs, err := s.integrations.ListEnabled(ctx)
	if err != nil {
		zap.L().Error("connector: listing integrations failed", zap.Error(err))
		return
	}
	for _, integ := range integs {
		autoFix := defaultAutoFix
		settings, err := s.Settings(integ)
		if err != nil {
			zap.L().Warn("connector: unreadable settings blob",
				zap.Int64("integration_id", integ.ID), zap.Error(err))
		} else if settings.AutoFix != nil {
			autoFix = *settings.AutoFix
		}
		mappings, err := s.mappings.ListByIntegration(ctx, integ.ID)
		if err != nil {
			zap.L().Error("connector: listing mappings failed",
				zap.Int64("integration_id", integ.ID), zap.Error(err))
			continue
		}
		for _, m := range mappings {
			report, err := s.diag.Diagnose(ctx, integ, m.LineId, autoFix)
			if err != nil {
				zap.L().Warn("connector: scheduled diagnose failed",
					zap.Int64("integration_id", integ.ID),
					zap.Int("line", m.LineId), zap.Error(err))
				continue
			}
			if !report.Healthy() {
				zap.L().Warn("connector: drift detected",
					zap.Int64("integration_id", integ.ID),
					zap.Int("line", m.LineId),
					zap.Strings("issues", report.Issues))
			}
		}
	}
}
