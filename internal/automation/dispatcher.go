package automation

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/nerrad567/homedash-core/internal/homeassistant"
)

// Backend is the service-call capability of the home-automation backend.
// [homeassistant.Client] satisfies it.
type Backend interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) (*homeassistant.ServiceResult, error)
}

// LocalDeviceController commands devices that are not behind the backend.
type LocalDeviceController interface {
	Command(ctx context.Context, entityID, service string, data map[string]any) error
}

// DefaultActionTimeout bounds one backend call when none is configured.
const DefaultActionTimeout = 10 * time.Second

const alarmDomain = "alarm_control_panel"

// alarmServices is the closed vocabulary for alarm panels.
var alarmServices = map[string]struct{}{
	"alarm_arm_home":          {},
	"alarm_arm_away":          {},
	"alarm_arm_night":         {},
	"alarm_arm_vacation":      {},
	"alarm_arm_custom_bypass": {},
	"alarm_disarm":            {},
	"alarm_trigger":           {},
}

// AlarmServices returns the supported alarm services in a stable order.
func AlarmServices() []string {
	return []string{
		"alarm_arm_home", "alarm_arm_away", "alarm_arm_night", "alarm_arm_vacation",
		"alarm_arm_custom_bypass", "alarm_disarm", "alarm_trigger",
	}
}

// DispatchResult is the outcome of one dispatch: success with optional
// backend data, or exactly one classified failure.
type DispatchResult struct {
	Success bool
	Data    any
	Err     *Error
}

// AlarmCommand is a direct alarm panel request. Code is forwarded to the
// backend unread.
type AlarmCommand struct {
	EntityID string
	Service  string
	Code     *string
}

// Dispatcher turns validated actions into backend or local device calls.
// Each call is bounded by the action timeout and never retried.
type Dispatcher struct {
	backend Backend
	local   LocalDeviceController
	timeout time.Duration
	logger  Logger

	dispatched metric.Int64Counter
	failed     metric.Int64Counter
}

// NewDispatcher creates a dispatcher. local may be nil, in which case
// local_device actions fail with LOCAL_DEVICE_UNAVAILABLE.
func NewDispatcher(backend Backend, local LocalDeviceController, timeout time.Duration, logger Logger) *Dispatcher {
	if logger == nil {
		logger = noopLogger{}
	}
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	inst := newInstruments(logger)
	return &Dispatcher{
		backend:    backend,
		local:      local,
		timeout:    timeout,
		logger:     logger,
		dispatched: inst.counter(metricDispatched, "Number of actions dispatched"),
		failed:     inst.counter(metricFailed, "Number of actions that failed"),
	}
}

// Dispatch executes one action.
func (d *Dispatcher) Dispatch(ctx context.Context, a Action) DispatchResult {
	kind := "unknown"
	if a.Spec != nil {
		kind = string(a.Spec.Type())
	}

	ctx, span := tracer().Start(ctx, spanDispatch)
	defer span.End()
	span.SetAttributes(
		attribute.Int64("automation.id", a.AutomationID),
		attribute.Int64("action.id", a.ID),
		attribute.String("action.type", kind),
	)

	res := d.dispatch(ctx, a.Spec)
	d.record(ctx, kind, res)
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Code)
		span.SetAttributes(attribute.String("error.code", res.Err.Code))
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, spec ActionSpec) DispatchResult {
	switch s := spec.(type) {
	case ServiceCallAction:
		return d.callService(ctx, s.Service, s.EntityID, s.Data, nil)

	case MQTTPublishAction:
		data := map[string]any{"topic": s.Topic}
		if s.Payload != nil {
			data["payload"] = *s.Payload
		}
		return d.call(ctx, "mqtt", "publish", data)

	case SceneAction:
		return d.call(ctx, "scene", "turn_on", map[string]any{"entity_id": s.SceneID})

	case LocalDeviceAction:
		return d.localCommand(ctx, s)

	default:
		return failure(&Error{Class: ErrValidation, Code: CodeInvalidType, Message: "unsupported action type"})
	}
}

// DispatchAlarm arms, disarms, or triggers an alarm panel.
func (d *Dispatcher) DispatchAlarm(ctx context.Context, cmd AlarmCommand) DispatchResult {
	entityID := strings.TrimSpace(cmd.EntityID)
	service := strings.TrimSpace(cmd.Service)
	if entityID == "" {
		return failure(validationError(CodeMissingEntityID, "entity_id is required"))
	}
	if service == "" {
		return failure(validationError(CodeMissingService, "service is required"))
	}
	if !strings.Contains(service, ".") {
		service = alarmDomain + "." + service
	}

	ctx, span := tracer().Start(ctx, spanDispatch)
	defer span.End()
	span.SetAttributes(attribute.String("action.type", "alarm"))

	res := d.callService(ctx, service, entityID, nil, cmd.Code)
	d.record(ctx, "alarm", res)
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Code)
	}
	return res
}

func (d *Dispatcher) record(ctx context.Context, kind string, res DispatchResult) {
	attrs := metric.WithAttributes(attribute.String("action.type", kind))
	d.dispatched.Add(ctx, 1, attrs)
	if res.Err != nil {
		d.failed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action.type", kind),
			attribute.String("error.code", res.Err.Code),
		))
	}
}

// callService resolves the target domain, applies the alarm rules, and
// calls the backend. code is added to the payload but never logged.
func (d *Dispatcher) callService(ctx context.Context, service, entityID string, data map[string]any, code *string) DispatchResult {
	domain, svc, err := resolveService(service, entityID)
	if err != nil {
		return failure(err)
	}

	if isAlarmCall(domain, svc, entityID) {
		if _, ok := alarmServices[svc]; !ok {
			e := validationError(CodeUnsupportedService, "service %q is not an alarm panel service", svc)
			e.Details = map[string]any{"allowed": AlarmServices()}
			return failure(e)
		}
		if domain != alarmDomain || !strings.HasPrefix(entityID, alarmDomain+".") {
			return failure(validationError(CodeDomainMismatch,
				"alarm services require an %s entity, got %q", alarmDomain, entityID))
		}
	}

	payload := deepCopyMap(data)
	if payload == nil {
		payload = make(map[string]any, 2)
	}
	payload["entity_id"] = entityID
	if code != nil && *code != "" {
		payload["code"] = *code
	}
	return d.call(ctx, domain, svc, payload)
}

func (d *Dispatcher) call(ctx context.Context, domain, service string, data map[string]any) DispatchResult {
	if d.backend == nil {
		return failure(&Error{Class: ErrBackendUnreachable, Code: CodeBackendUnreachable, Message: "backend not configured"})
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	result, err := d.backend.CallService(ctx, domain, service, data)
	if err != nil {
		e := RemapBackendError(err)
		d.logger.Warn("backend service call failed",
			"domain", domain,
			"service", service,
			"code", e.Code,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return failure(e)
	}

	d.logger.Debug("backend service called",
		"domain", domain,
		"service", service,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	res := DispatchResult{Success: true}
	if result != nil && len(result.Changed) > 0 {
		res.Data = result.Changed
	}
	return res
}

func (d *Dispatcher) localCommand(ctx context.Context, s LocalDeviceAction) DispatchResult {
	if d.local == nil {
		return failure(&Error{
			Class:   ErrInvalidCommand,
			Code:    CodeLocalDeviceDisabled,
			Message: "no local device controller is configured",
		})
	}
	service := "set"
	if s.Service != nil {
		service = *s.Service
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.local.Command(ctx, s.EntityID, service, s.Data); err != nil {
		d.logger.Warn("local device command failed", "entity_id", s.EntityID, "service", service, "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return failure(&Error{Class: ErrBackendUnreachable, Code: CodeBackendUnreachable,
				Message: "local device command timed out", Timeout: true, Err: err})
		}
		return failure(&Error{Class: ErrBackend, Code: CodeBackendError, Message: err.Error(), Err: err})
	}
	return DispatchResult{Success: true}
}

// resolveService splits "domain.service", or takes the domain from the
// entity ID when service is bare.
func resolveService(service, entityID string) (domain, svc string, err error) {
	if d, s, ok := strings.Cut(service, "."); ok {
		if d == "" || s == "" {
			return "", "", validationError(CodeInvalidService, "service %q must be domain.service", service)
		}
		return d, s, nil
	}
	domain = homeassistant.Domain(entityID)
	if domain == "" || !strings.Contains(entityID, ".") {
		return "", "", validationError(CodeInvalidService,
			"service %q has no domain and entity %q does not name one", service, entityID)
	}
	return domain, service, nil
}

func isAlarmCall(domain, service, entityID string) bool {
	return domain == alarmDomain ||
		strings.HasPrefix(service, "alarm_") ||
		strings.HasPrefix(entityID, alarmDomain+".")
}

// RemapBackendError classifies a backend failure with fixed precedence.
func RemapBackendError(err error) *Error {
	var he *homeassistant.Error
	if errors.As(err, &he) {
		switch he.Kind {
		case homeassistant.KindUnauthorized:
			return &Error{Class: ErrAuthFailed, Code: CodeAuthFailed,
				Message: "backend rejected the credentials", Err: err}
		case homeassistant.KindNotFound:
			return &Error{Class: ErrEntityNotFound, Code: CodeEntityNotFound,
				Message: "backend entity not found: " + he.Message, Err: err}
		case homeassistant.KindBadRequest:
			return &Error{Class: ErrInvalidCommand, Code: CodeInvalidCommand,
				Message: "backend rejected the command: " + he.Message, Err: err}
		case homeassistant.KindTimeout:
			return &Error{Class: ErrBackendUnreachable, Code: CodeBackendUnreachable,
				Message: "backend unreachable: " + he.Message, Timeout: !he.Network, Err: err}
		default:
			return &Error{Class: ErrBackend, Code: CodeBackendError, Message: he.Message, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Class: ErrBackendUnreachable, Code: CodeBackendUnreachable,
			Message: "backend call timed out", Timeout: true, Err: err}
	}
	return &Error{Class: ErrBackend, Code: CodeBackendError, Message: err.Error(), Err: err}
}

func failure(err error) DispatchResult {
	return DispatchResult{Err: AsError(err)}
}
