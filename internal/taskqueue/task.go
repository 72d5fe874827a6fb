package taskqueue

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Task is one unit of queued work. Redeliveries carry the same ID.
type Task struct {
	ID         string            `cbor:"id"`
	Name       string            `cbor:"name"`
	Args       map[string]string `cbor:"args,omitempty"`
	EnqueuedAt time.Time         `cbor:"enqueued_at"`
}

// NewTask creates a task with a fresh id.
func NewTask(name string, args map[string]string) *Task {
	t := &Task{
		ID:         uuid.NewString(),
		Name:       name,
		EnqueuedAt: time.Now().UTC(),
	}
	if len(args) > 0 {
		t.Args = make(map[string]string, len(args))
		for k, v := range args {
			t.Args[k] = v
		}
	}
	return t
}

// Arg returns a task argument, or "" when unset.
func (t *Task) Arg(key string) string { return t.Args[key] }

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("taskqueue: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("taskqueue: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeTask serializes a task for the wire.
func EncodeTask(t *Task) ([]byte, error) {
	data, err := encMode.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return data, nil
}

// DecodeTask parses a task produced by EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := decMode.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if t.ID == "" || t.Name == "" {
		return nil, fmt.Errorf("decode task: missing id or name")
	}
	return &t, nil
}
