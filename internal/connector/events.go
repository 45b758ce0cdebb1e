package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatlinehq/crmbridge/internal/bitrix"
	"go.uber.org/zap"
)

// Required event subscriptions. Without all four bound to our callback the
// integration cannot receive messages or notice its own removal.
const (
	EventMessageAdd   = "OnImConnectorMessageAdd"
	EventDialogStart  = "OnImConnectorDialogStart"
	EventDialogFinish = "OnImConnectorDialogFinish"
	EventLineDelete   = "OnImConnectorLineDelete"
)

// EventHandlerPath is the route suffix of our event callback. The portal's
// handler registry has no per-application namespace, so this path substring
// is how we recognize our own bindings, current or stale.
const EventHandlerPath = "/callback/crm/event"

func RequiredEvents() []string {
	return []string{EventMessageAdd, EventDialogStart, EventDialogFinish, EventLineDelete}
}

// EventManager keeps the required event subscriptions bound to the current
// callback URL and prunes duplicates the portal let through (it does not
// prevent binding the same event to several handler URLs, which happens
// after every callback URL change).
type EventManager struct {
	client     *bitrix.Client
	handlerUrl string
}

func NewEventManager(client *bitrix.Client, callbackBaseUrl string) *EventManager {
	return &EventManager{
		client:     client,
		handlerUrl: strings.TrimRight(callbackBaseUrl, "/") + EventHandlerPath,
	}
}

// HandlerUrl returns the canonical callback URL bindings should point at.
func (e *EventManager) HandlerUrl() string {
	return e.handlerUrl
}

// Owns reports whether a remote handler URL belongs to this platform.
// Handlers that are not recognizably ours are never touched.
func (e *EventManager) Owns(handler string) bool {
	return strings.Contains(handler, EventHandlerPath)
}

// ownedByEvent groups our handler URLs per required event name.
func (e *EventManager) ownedByEvent(bindings []bitrix.EventBinding) map[string][]string {
	required := map[string]bool{}
	for _, ev := range RequiredEvents() {
		required[strings.ToUpper(ev)] = true
	}
	owned := map[string][]string{}
	for _, b := range bindings {
		if !required[strings.ToUpper(b.Event)] || !e.Owns(b.Handler) {
			continue
		}
		key := strings.ToUpper(b.Event)
		owned[key] = append(owned[key], b.Handler)
	}
	return owned
}

// Missing returns the required event names that do not have our canonical
// handler bound. Read-only.
func (e *EventManager) Missing(ctx context.Context, sess bitrix.Session) ([]string, error) {
	bindings, res, err := e.client.ListBoundEvents(ctx, sess)
	if err != nil {
		return nil, err
	}
	if res != nil && !res.OK {
		return nil, fmt.Errorf("event list rejected: %s", res.ErrorCode)
	}
	owned := e.ownedByEvent(bindings)
	var missing []string
	for _, ev := range RequiredEvents() {
		found := false
		for _, h := range owned[strings.ToUpper(ev)] {
			if h == e.handlerUrl {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, ev)
		}
	}
	return missing, nil
}

// EnsureBound binds every required event that is not yet bound to the
// canonical handler. Binding is idempotent: an already-bound answer from
// the portal counts as success. Returns the names that were newly bound.
func (e *EventManager) EnsureBound(ctx context.Context, sess bitrix.Session) ([]string, error) {
	missing, err := e.Missing(ctx, sess)
	if err != nil {
		return nil, err
	}
	var bound []string
	for _, ev := range missing {
		res, err := e.client.BindEvent(ctx, sess, ev, e.handlerUrl)
		if err != nil {
			return bound, err
		}
		if !res.OK {
			zap.L().Warn("connector: event bind rejected",
				zap.String("event", ev), zap.String("code", res.ErrorCode))
			continue
		}
		bound = append(bound, ev)
	}
	return bound, nil
}

// CleanupDuplicates leaves exactly one binding per required event: the
// canonical handler URL. Stale URLs of ours are unbound; extra copies of
// the canonical pair are unbound wholesale and rebound once. Foreign
// handlers are left alone.
func (e *EventManager) CleanupDuplicates(ctx context.Context, sess bitrix.Session) ([]string, error) {
	bindings, res, err := e.client.ListBoundEvents(ctx, sess)
	if err != nil {
		return nil, err
	}
	if res != nil && !res.OK {
		return nil, fmt.Errorf("event list rejected: %s", res.ErrorCode)
	}
	owned := e.ownedByEvent(bindings)

	var removed []string
	for _, ev := range RequiredEvents() {
		handlers := owned[strings.ToUpper(ev)]
		canonCopies := 0
		stale := map[string]int{}
		for _, h := range handlers {
			if h == e.handlerUrl {
				canonCopies++
			} else {
				stale[h]++
			}
		}
		for h := range stale {
			if _, err := e.client.UnbindEvent(ctx, sess, ev, h); err != nil {
				return removed, err
			}
			removed = append(removed, fmt.Sprintf("%s %s", ev, h))
		}
		if canonCopies > 1 {
			// unbind removes every copy of the pair, so rebind exactly one
			if _, err := e.client.UnbindEvent(ctx, sess, ev, e.handlerUrl); err != nil {
				return removed, err
			}
			if _, err := e.client.BindEvent(ctx, sess, ev, e.handlerUrl); err != nil {
				return removed, err
			}
			removed = append(removed, fmt.Sprintf("%s %s (%d duplicate copies)", ev, e.handlerUrl, canonCopies-1))
		}
	}
	if len(removed) > 0 {
		zap.L().Info("connector: duplicate event bindings removed",
			zap.Strings("removed", removed))
	}
	return removed, nil
}

// RebindAll repoints every owned binding of the required events at the
// current canonical URL; used after the public callback URL changes.
func (e *EventManager) RebindAll(ctx context.Context, sess bitrix.Session) ([]string, error) {
	removed, err := e.CleanupDuplicates(ctx, sess)
	if err != nil {
		return removed, err
	}
	bound, err := e.EnsureBound(ctx, sess)
	if err != nil {
		return append(removed, bound...), err
	}
	return append(removed, bound...), nil
}

// ListOwned returns our bindings for the required events. Read-only,
// surfaced by the dispatcher's list action.
func (e *EventManager) ListOwned(ctx context.Context, sess bitrix.Session) ([]bitrix.EventBinding, error) {
	bindings, res, err := e.client.ListBoundEvents(ctx, sess)
	if err != nil {
		return nil, err
	}
	if res != nil && !res.OK {
		return nil, fmt.Errorf("event list rejected: %s", res.ErrorCode)
	}
	var out []bitrix.EventBinding
	for _, b := range bindings {
		if e.Owns(b.Handler) {
			out = append(out, b)
		}
	}
	return out, nil
}
