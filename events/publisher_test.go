package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaPublisherWritesEnvelope(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "agridoctor.disease.created" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		return nil
	})
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Type != CategoryDeleted || ev.ID != 9 {
			return errors.New("unexpected event payload")
		}
		return nil
	})

	p := NewKafkaPublisherWith(producer, "agridoctor")
	require.NoError(t, p.Publish(context.Background(), DiseaseCreated, 4, map[string]string{"name": "Blast"}))
	require.NoError(t, p.Publish(context.Background(), CategoryDeleted, 9, nil))
	require.NoError(t, p.Close())
}

func TestKafkaPublisherReturnsSendErrors(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisherWith(producer, "")
	assert.Equal(t, "disease.deleted", p.Topic(DiseaseDeleted))
	err := p.Publish(context.Background(), DiseaseDeleted, 1, nil)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestPublishHonoursCancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	p := NewKafkaPublisherWith(producer, "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, MessageCreated, 1, nil), context.Canceled)
	require.NoError(t, p.Close())
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), DiseaseUpdated, 1, nil))
	assert.NoError(t, p.Close())
}
