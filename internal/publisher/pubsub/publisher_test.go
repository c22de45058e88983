package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

func fakeServer(t *testing.T) (*pstest.Server, []option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, []option.ClientOption{option.WithGRPCConn(conn)}
}

func TestSyncRecordReturnsMessageID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv, opts := fakeServer(t)

	client, err := pubsub.NewClient(ctx, "project-id", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	topic, err := client.CreateTopic(ctx, "liens")
	require.NoError(t, err)

	pub := New(topic)
	record := lien.Record{ID: "lien-1", JurisdictionID: "pima", RecordingNumber: "2025000101"}
	id, err := pub.SyncRecord(ctx, record)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, id, msgs[0].ID)
	require.Equal(t, "pima", msgs[0].Attributes["jurisdiction_id"])
	require.Equal(t, "2025000101", msgs[0].Attributes["recording_number"])

	var body Message
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	require.Equal(t, "lien-1", body.LienID)
	require.Equal(t, "2025000101", body.Record.RecordingNumber)
}

func TestDialRequiresExistingTopic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, opts := fakeServer(t)

	_, err := Dial(ctx, "project-id", "missing", opts...)
	require.Error(t, err)
}

func TestSyncRecordWithoutTopic(t *testing.T) {
	t.Parallel()
	_, err := (&Publisher{}).SyncRecord(context.Background(), lien.Record{})
	require.Error(t, err)
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()
	c := &pubsubCarrier{attrs: map[string]string{}}
	var prop propagation.TextMapPropagator = propagation.Baggage{}
	prop.Inject(context.Background(), c)
	c.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	require.Contains(t, c.Keys(), "traceparent")
}
