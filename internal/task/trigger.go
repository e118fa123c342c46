package task

import (
	"fmt"
	"time"
)

// Trigger is the serialized form of the event a deferred task waits for.
type Trigger interface {
	Serialize() (classpath string, kwargs map[string]any)
}

// DateTimeTriggerClasspath identifies DateTimeTrigger on the wire.
const DateTimeTriggerClasspath = "taskrunner.triggers.DateTimeTrigger"

// DateTimeTrigger fires once Moment is reached.
type DateTimeTrigger struct {
	Moment time.Time
}

// Serialize implements Trigger.
func (t DateTimeTrigger) Serialize() (string, map[string]any) {
	return DateTimeTriggerClasspath, map[string]any{"moment": t.Moment.UTC().Format(time.RFC3339Nano)}
}

// ParseDateTimeTrigger rebuilds a DateTimeTrigger from its kwargs.
func ParseDateTimeTrigger(kwargs map[string]any) (DateTimeTrigger, error) {
	s, ok := kwargs["moment"].(string)
	if !ok {
		return DateTimeTrigger{}, fmt.Errorf("datetime trigger: missing moment")
	}
	at, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return DateTimeTrigger{}, fmt.Errorf("datetime trigger: %w", err)
	}
	return DateTimeTrigger{Moment: at}, nil
}
