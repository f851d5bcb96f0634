package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type event struct {
	SnapshotID string `json:"snapshot_id"`
	Status     string `json:"status"`
}

func (e event) Attributes() map[string]string {
	return map[string]string{"snapshot_id": e.SnapshotID, "status": e.Status}
}

func TestMessageCarriesAttributes(t *testing.T) {
	t.Parallel()

	msg, err := Message(event{SnapshotID: "s1", Status: "done"})
	require.NoError(t, err)
	require.JSONEq(t, `{"snapshot_id":"s1","status":"done"}`, string(msg.Data))
	require.Equal(t, "done", msg.Attributes["status"])

	plain, err := Message(map[string]int{"pages": 3})
	require.NoError(t, err)
	require.Nil(t, plain.Attributes)

	_, err = Message(make(chan int))
	require.Error(t, err)
}

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", event{})
	require.ErrorIs(t, err, ErrNotConfigured)
	require.NoError(t, New(nil).Close())
}
