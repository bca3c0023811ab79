package events

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/fabblink/pkg/logger"
)

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, string, interface{}) error {
	f.calls++
	return errors.New("unavailable")
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	pub := &failingPublisher{}
	Emit(context.Background(), pub, logger.NewNop(), SubjectOrderPlaced, map[string]string{"order": "o1"})
	assert.Equal(t, 1, pub.calls)

	Emit(context.Background(), nil, logger.NewNop(), SubjectOrderPlaced, nil)
}

func TestRecorderKeepsOrder(t *testing.T) {
	rec := &Recorder{}
	Emit(context.Background(), rec, nil, SubjectOrderPlaced, 1)
	Emit(context.Background(), rec, nil, SubjectOrderPrinted, 2)

	assert.Equal(t, []string{SubjectOrderPlaced, SubjectOrderPrinted}, rec.Subjects())
	assert.Equal(t, 2, rec.Events()[1].Payload)
}

func TestNATSPublisherSubjectPrefix(t *testing.T) {
	p := &NATSPublisher{prefix: "fabblink"}
	assert.Equal(t, "fabblink.order.settled", p.subject(SubjectOrderSettled))
	p.prefix = ""
	assert.Equal(t, "order.settled", p.subject(SubjectOrderSettled))
}

func TestNATSPublisherIntegration(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set; skipping NATS integration test")
	}

	pub, err := NewNATS(NATSConfig{URL: url, Name: "fabblink-test", SubjectPrefix: "test", ReconnectWait: time.Second, MaxReconnects: 1, ConnectTimeout: 2 * time.Second}, logger.NewNop())
	require.NoError(t, err)
	defer pub.Close()

	sub, err := pub.conn.SubscribeSync("test." + SubjectLedgerDeposited)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), SubjectLedgerDeposited, map[string]string{"consumer": "carol"}))
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"consumer":"carol"}`, string(msg.Data))
}
