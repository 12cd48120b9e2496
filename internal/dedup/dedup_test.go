package dedup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlhub/crawlhub/internal/spider"
)

func TestHash_StableAcrossFieldOrder(t *testing.T) {
	t.Parallel()

	item := spider.Item{"url": "https://example.com", "title": "widget", "price": 9.99}

	a := Hash(item, []string{"url", "title"})
	b := Hash(item, []string{"title", "url"})
	require.Equal(t, a, b)
}

func TestHash_IgnoresUnconfiguredFields(t *testing.T) {
	t.Parallel()

	a := Hash(spider.Item{"url": "u", "seen_at": 1}, []string{"url"})
	b := Hash(spider.Item{"url": "u", "seen_at": 2}, []string{"url"})
	require.Equal(t, a, b)
}

func TestHash_DifferentValuesDiffer(t *testing.T) {
	t.Parallel()

	a := Hash(spider.Item{"url": "u1"}, []string{"url"})
	b := Hash(spider.Item{"url": "u2"}, []string{"url"})
	require.NotEqual(t, a, b)
}

func TestHash_NoFieldsHashesWholeItem(t *testing.T) {
	t.Parallel()

	a := Hash(spider.Item{"x": 1, "y": 2}, nil)
	b := Hash(spider.Item{"y": 2, "x": 1}, nil)
	require.Equal(t, a, b)

	c := Hash(spider.Item{"x": 1, "y": 3}, nil)
	require.NotEqual(t, a, c)
}

func TestHash_MissingFieldSkipped(t *testing.T) {
	t.Parallel()

	a := Hash(spider.Item{"url": "u"}, []string{"url", "sku"})
	b := Hash(spider.Item{"url": "u"}, []string{"url"})
	require.Equal(t, a, b)
}
