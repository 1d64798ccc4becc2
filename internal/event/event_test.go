package event_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/listwave/internal/event"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	t.Run("valid event", func(t *testing.T) {
		t.Parallel()

		ev, err := event.Decode([]byte(`{"action":"task_added","list_id":101,"payload":{"id":7,"title":"buy milk"}}`))
		require.NoError(t, err)
		assert.Equal(t, event.ActionTaskAdded, ev.Action)
		assert.Equal(t, int64(101), ev.RoomID)
		assert.JSONEq(t, `{"id":7,"title":"buy milk"}`, string(ev.Payload))
	})

	t.Run("missing list_id", func(t *testing.T) {
		t.Parallel()

		_, err := event.Decode([]byte(`{"action":"task_deleted","payload":{}}`))
		require.ErrorIs(t, err, event.ErrMalformedEvent)
	})

	t.Run("non-positive list_id", func(t *testing.T) {
		t.Parallel()

		_, err := event.Decode([]byte(`{"action":"task_deleted","list_id":-3}`))
		require.ErrorIs(t, err, event.ErrMalformedEvent)
	})

	t.Run("invalid json", func(t *testing.T) {
		t.Parallel()

		_, err := event.Decode([]byte(`{"action":`))
		require.ErrorIs(t, err, event.ErrMalformedEvent)
	})

	t.Run("unknown fields tolerated", func(t *testing.T) {
		t.Parallel()

		ev, err := event.Decode([]byte(`{"action":"list_title_update","list_id":5,"origin":"api-v2"}`))
		require.NoError(t, err)
		assert.Equal(t, int64(5), ev.RoomID)
	})

	t.Run("empty payload allowed", func(t *testing.T) {
		t.Parallel()

		ev, err := event.Decode([]byte(`{"action":"user_removed","list_id":9}`))
		require.NoError(t, err)
		assert.Nil(t, ev.Payload)
	})
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	ev := event.Event{
		Action:  event.ActionTaskUpdated,
		RoomID:  42,
		Payload: []byte(`{"id":1,"done":true}`),
	}

	data, err := ev.Encode()
	require.NoError(t, err)

	got, err := event.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ev.Action, got.Action)
	assert.Equal(t, ev.RoomID, got.RoomID)
	assert.JSONEq(t, string(ev.Payload), string(got.Payload))
}
