package xcom

import (
	"context"
	"errors"
	"fmt"

	"github.com/dabla/taskrunner/internal/comms"
)

// Requester is the part of comms.Channel the channel backend needs.
type Requester interface {
	Request(ctx context.Context, msg comms.Message) (comms.Message, error)
	Send(msg comms.Message) error
}

// Compile-time interface satisfaction checks.
var (
	_ Backend     = (*ChannelBackend)(nil)
	_ PriorReader = (*ChannelBackend)(nil)
)

// ChannelBackend stores XComs through the supervisor. Writes are
// fire-and-forget; reads wait for the reply.
type ChannelBackend struct {
	ch Requester
}

// NewChannelBackend creates a backend speaking over ch.
func NewChannelBackend(ch Requester) *ChannelBackend {
	return &ChannelBackend{ch: ch}
}

// GetXCom implements Backend.
func (b *ChannelBackend) GetXCom(ctx context.Context, key Key) (any, error) {
	return b.get(ctx, key, false)
}

// GetXComPrior implements PriorReader.
func (b *ChannelBackend) GetXComPrior(ctx context.Context, key Key) (any, error) {
	return b.get(ctx, key, true)
}

func (b *ChannelBackend) get(ctx context.Context, key Key, prior bool) (any, error) {
	res, err := comms.Expect[*comms.XComResult](b.ch.Request(ctx, &comms.GetXCom{
		Key:               key.Name,
		DagID:             key.DagID,
		RunID:             key.RunID,
		TaskID:            key.TaskID,
		MapIndex:          key.MapIndex,
		IncludePriorDates: prior,
	}))
	var respErr *comms.ResponseError
	if errors.As(err, &respErr) && respErr.Type == comms.ErrXComNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get xcom: %w", err)
	}
	if res.Value == nil {
		return nil, ErrNotFound
	}
	return res.Value, nil
}

// SetXCom implements Backend. Nothing is sent once ctx is done.
func (b *ChannelBackend) SetXCom(ctx context.Context, key Key, value any, mappedLength *int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.ch.Send(&comms.SetXCom{
		Key:          key.Name,
		Value:        value,
		DagID:        key.DagID,
		RunID:        key.RunID,
		TaskID:       key.TaskID,
		MapIndex:     key.MapIndex,
		MappedLength: mappedLength,
	})
}

// DeleteXCom implements Backend. Nothing is sent once ctx is done.
func (b *ChannelBackend) DeleteXCom(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.ch.Send(&comms.DeleteXCom{
		Key:      key.Name,
		DagID:    key.DagID,
		RunID:    key.RunID,
		TaskID:   key.TaskID,
		MapIndex: key.MapIndex,
	})
}
