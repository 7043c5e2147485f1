package alert

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

func TestPubSubSinkPublishes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, "crawl-alerts")
	require.NoError(t, err)

	sink, err := NewPubSubSink(client, PubSubConfig{Topic: "crawl-alerts"})
	require.NoError(t, err)

	a := sampleAlert(crawler.AlertCrawlFailed)
	require.NoError(t, sink.Raise(ctx, a))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "CRAWL_FAILED", msgs[0].Attributes["kind"])
	require.Equal(t, a.AUID, msgs[0].Attributes["auid"])

	var got crawler.Alert
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, a, got)

	require.NoError(t, sink.Close())
}

func TestNewPubSubSinkValidates(t *testing.T) {
	t.Parallel()

	_, err := NewPubSubSink(nil, PubSubConfig{Topic: "t"})
	require.Error(t, err)
	_, err = DialPubSub(context.Background(), PubSubConfig{Topic: "t"})
	require.ErrorContains(t, err, "project id")
}
