package scheduler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nugget/n8n-bridge/internal/services"
)

// Service identity of schedule_action.
const (
	ServiceDomain = "n8n_conversation"
	ServiceName   = "schedule_action"
)

// MaxDelaySeconds is the longest delay representable as a time.Duration.
const MaxDelaySeconds = math.MaxInt64 / int64(time.Second)

// ServiceSchema is the schedule_action field schema.
var ServiceSchema = services.Schema{
	{Name: "timer_id", Type: services.TypeString, Required: true},
	{Name: "action", Type: services.TypeEnum, Required: true,
		Enum: []string{string(ActionSet), string(ActionExtend), string(ActionCancel)}},
	{Name: "delay", Type: services.TypeInt, Default: 0,
		Min: services.IntPtr(0), Max: services.IntPtr(int(MaxDelaySeconds))},
	{Name: "service", Type: services.TypeString, Required: true, Check: func(v any) error {
		_, _, err := ParseService(v.(string))
		return err
	}},
	{Name: "target", Type: services.TypeObject},
	{Name: "data", Type: services.TypeObject, Default: map[string]any{}},
}

// Register adds schedule_action to reg.
func (s *Scheduler) Register(reg *services.Registry) error {
	return reg.Register(ServiceDomain, ServiceName, ServiceSchema, s.handleScheduleAction)
}

// handleScheduleAction adapts validated service data into a [Request].
func (s *Scheduler) handleScheduleAction(ctx context.Context, call services.Call) (any, error) {
	req, err := RequestFromData(call.Data)
	if err != nil {
		return nil, err
	}
	msg, err := s.Schedule(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": msg}, nil
}

// RequestFromData builds a Request from schema-validated data. Delay
// is whole seconds at this boundary.
func RequestFromData(data map[string]any) (Request, error) {
	timerID, _ := data["timer_id"].(string)
	action, _ := data["action"].(string)
	delay, _ := data["delay"].(int)
	svc, _ := data["service"].(string)

	if delay < 0 || int64(delay) > MaxDelaySeconds {
		return Request{}, &services.ValidationError{
			Service: ServiceDomain + "." + ServiceName,
			Fields: []services.FieldError{{
				Field:   "delay",
				Message: fmt.Sprintf("value must be between 0 and %d", MaxDelaySeconds),
			}},
		}
	}

	var op Operation
	if action != string(ActionCancel) || svc != "" {
		domain, service, err := ParseService(svc)
		if err != nil {
			return Request{}, err
		}
		op.Domain, op.Service = domain, service
	}
	if t, ok := data["target"].(map[string]any); ok {
		op.Target = t
	}
	if d, ok := data["data"].(map[string]any); ok {
		op.Data = d
	} else {
		op.Data = map[string]any{}
	}

	return Request{
		TimerID:   timerID,
		Action:    Action(action),
		Delay:     time.Duration(delay) * time.Second,
		Operation: op,
	}, nil
}
