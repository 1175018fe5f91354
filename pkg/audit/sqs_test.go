package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSQSAPI struct {
	mock.Mock
}

func (m *mockSQSAPI) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*sqs.SendMessageOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestSQSPublisher(t *testing.T) {
	event := Event{
		EventID:   "ev-1",
		Action:    ActionFreeze,
		AccountID: "acct-1",
		Actor:     "admin-7",
		Reason:    "fraud review",
		At:        time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}

	t.Run("Success", func(t *testing.T) {
		mockClient := new(mockSQSAPI)
		mockClient.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
			var got Event
			require.NoError(t, json.Unmarshal([]byte(*in.MessageBody), &got))
			return *in.QueueUrl == "queue-url" && got == event
		})).Return(&sqs.SendMessageOutput{}, nil)

		p := NewSQSPublisher(mockClient, "queue-url")
		err := p.Publish(context.Background(), event)

		assert.NoError(t, err)
		mockClient.AssertExpectations(t)
	})

	t.Run("Send Failure", func(t *testing.T) {
		mockClient := new(mockSQSAPI)
		mockClient.On("SendMessage", mock.Anything, mock.Anything).Return(nil, errors.New("queue unavailable"))

		p := NewSQSPublisher(mockClient, "queue-url")
		err := p.Publish(context.Background(), event)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to send audit event to SQS")
		mockClient.AssertExpectations(t)
	})
}
