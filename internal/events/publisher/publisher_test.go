package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/render-proxy/internal/events"
)

func TestSinkPublishesEachEvent(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	sink, err := NewSink(mem, "render-events", nil)
	require.NoError(t, err)

	first := events.New("req-1", events.StateOK)
	second := events.New("req-2", events.StateRejectedResolved)
	require.NoError(t, sink.Consume(context.Background(), []events.Event{first, second}))
	require.NoError(t, sink.Close(context.Background()))

	msgs := mem.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "render-events", msgs[0].Topic)
	require.Equal(t, first, msgs[0].Payload)
	require.Equal(t, second, msgs[1].Payload)
}

func TestSinkStopsOnFailure(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	mem.FailWith(errors.New("unavailable"))
	sink, err := NewSink(mem, "render-events", nil)
	require.NoError(t, err)

	err = sink.Consume(context.Background(), []events.Event{events.New("req", events.StateOK)})
	require.ErrorContains(t, err, "unavailable")
}

func TestNewSinkValidates(t *testing.T) {
	t.Parallel()

	_, err := NewSink(nil, "topic", nil)
	require.Error(t, err)
	_, err = NewSink(NewMemory(), "", nil)
	require.Error(t, err)
}

func TestPubSubPublishesJSONWithPropagatedContext(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.CreateTopic(ctx, "render-events")
	require.NoError(t, err)

	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.Baggage{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	member, err := baggage.NewMember("tenant", "acme")
	require.NoError(t, err)
	bag, err := baggage.New(member)
	require.NoError(t, err)
	ctx = baggage.ContextWithBaggage(ctx, bag)

	pub := NewPubSub(client)
	sink, err := NewSink(pub, "render-events", nil)
	require.NoError(t, err)

	evt := events.New("req-9", events.StateOK)
	evt.Status = 200
	require.NoError(t, sink.Consume(ctx, []events.Event{evt}))
	require.NoError(t, sink.Close(ctx))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got events.Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "req-9", got.RequestID)
	require.Equal(t, events.StateOK, got.State)
	require.Equal(t, 200, got.Status)
	require.Equal(t, "tenant=acme", msgs[0].Attributes["baggage"])
}

func TestPubSubRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewPubSub(nil).Publish(context.Background(), "topic", struct{}{})
	require.Error(t, err)
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
