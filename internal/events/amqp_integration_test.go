//go:build integration

package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/sunrise/internal/models"
)

func TestPublishAlarmFired(t *testing.T) {
	url := os.Getenv("AMQP_URL")
	if url == "" {
		t.Fatal("AMQP_URL must be set for integration tests")
	}

	pub, err := Dial(url, "sunrise.events.test")
	require.NoError(t, err)
	defer pub.Close()

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, AlarmFiredKey, "sunrise.events.test", false, nil))
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	require.NoError(t, err)

	evt := NewAlarmFired(models.Alarm{ID: 9, Hour: 7, Minute: 15}, "soft.mp3", time.Now())
	require.NoError(t, pub.PublishAlarmFired(context.Background(), evt))

	select {
	case d := <-msgs:
		var got AlarmFired
		require.NoError(t, json.Unmarshal(d.Body, &got))
		assert.Equal(t, evt.ID, got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}
