package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func TestPublishRequiresPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", crawler.SessionEvent{})
	require.ErrorContains(t, err, "not configured")
	New(nil).Stop()
}

func TestAttributesForSessionEvents(t *testing.T) {
	t.Parallel()

	evt := crawler.SessionEvent{Session: "data-science", RunID: "r1", Complete: true}
	require.Equal(t, map[string]string{
		"session":  "data-science",
		"run_id":   "r1",
		"complete": "true",
	}, attributes(evt))
	require.Equal(t, "false", attributes(&crawler.SessionEvent{})["complete"])
	require.Nil(t, attributes(map[string]string{"k": "v"}))
	require.Nil(t, attributes((*crawler.SessionEvent)(nil)))
}
