package xcom

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dabla/taskrunner/internal/comms"
)

type fakeRequester struct {
	sent  []comms.Message
	reply comms.Message
	err   error
}

func (f *fakeRequester) Request(_ context.Context, msg comms.Message) (comms.Message, error) {
	f.sent = append(f.sent, msg)
	return f.reply, f.err
}

func (f *fakeRequester) Send(msg comms.Message) error {
	f.sent = append(f.sent, msg)
	return f.err
}

var chanKey = Key{DagID: "d", TaskID: "t", RunID: "r", MapIndex: 2, Name: "k"}

func TestChannelBackendGet(t *testing.T) {
	f := &fakeRequester{reply: &comms.XComResult{Key: "k", Value: "v"}}
	got, err := NewChannelBackend(f).GetXCom(context.Background(), chanKey)
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	req := f.sent[0].(*comms.GetXCom)
	assert.Equal(t, "k", req.Key)
	assert.Equal(t, 2, req.MapIndex)
}

func TestChannelBackendGetMisses(t *testing.T) {
	f := &fakeRequester{reply: &comms.XComResult{Key: "k"}}
	_, err := NewChannelBackend(f).GetXCom(context.Background(), chanKey)
	assert.ErrorIs(t, err, ErrNotFound)

	f = &fakeRequester{reply: &comms.ErrorResponse{Error: comms.ErrXComNotFound}}
	_, err = NewChannelBackend(f).GetXCom(context.Background(), chanKey)
	assert.ErrorIs(t, err, ErrNotFound)

	f = &fakeRequester{reply: &comms.ErrorResponse{Error: comms.ErrGeneric}}
	_, err = NewChannelBackend(f).GetXCom(context.Background(), chanKey)
	var re *comms.ResponseError
	assert.True(t, errors.As(err, &re))
}

func TestChannelBackendSetDelete(t *testing.T) {
	f := &fakeRequester{}
	b := NewChannelBackend(f)
	n := 3
	require.NoError(t, b.SetXCom(context.Background(), chanKey, []any{1, 2, 3}, &n))
	require.NoError(t, b.DeleteXCom(context.Background(), chanKey))

	require.Len(t, f.sent, 2)
	set := f.sent[0].(*comms.SetXCom)
	assert.Equal(t, 3, *set.MappedLength)
	assert.IsType(t, &comms.DeleteXCom{}, f.sent[1])
}

func TestChannelBackendCancelledSendsNothing(t *testing.T) {
	f := &fakeRequester{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := NewChannelBackend(f)
	assert.ErrorIs(t, b.SetXCom(ctx, chanKey, 1, nil), context.Canceled)
	assert.ErrorIs(t, b.DeleteXCom(ctx, chanKey), context.Canceled)
	assert.Empty(t, f.sent)
}

func TestPullIncludePriorDates(t *testing.T) {
	f := &fakeRequester{reply: &comms.XComResult{Key: ReturnValueKey, Value: "old"}}
	got, err := NewClient(NewChannelBackend(f)).Pull(context.Background(), testTI, IncludePriorDates())
	require.NoError(t, err)
	assert.Equal(t, "old", got)
	assert.True(t, f.sent[0].(*comms.GetXCom).IncludePriorDates)
}
