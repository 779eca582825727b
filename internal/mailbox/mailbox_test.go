package mailbox

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akapranchikova/x.400/internal/config"
	"github.com/akapranchikova/x.400/internal/email"
	"github.com/akapranchikova/x.400/internal/transport"
)

var _ transport.Mailbox = (*Client)(nil)

func newTestClient() *Client {
	return NewClient(config.IMAPConfig{Host: "imap.example.com", Port: 993, TLS: true, Mailbox: "Inbox"})
}

func enqueueN(t *testing.T, c *Client, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, c.Enqueue(context.Background(), email.InboundMessage{
			UID:     fmt.Sprint(i),
			Subject: fmt.Sprintf("message %d", i),
			From:    "sender@example.com",
		}))
	}
}

func uids(msgs []email.InboundMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.UID
	}
	return out
}

func TestFetchIsFIFO(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	enqueueN(t, c, 2)

	got, err := c.Fetch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, uids(got))

	got, err = c.Fetch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, uids(got))
}

func TestFetchReturnsEachMessageOnce(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	enqueueN(t, c, 5)

	first, err := c.Fetch(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, first, 3)
	assert.Equal(t, 2, c.Len())

	second, err := c.Fetch(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"4", "5"}, uids(second))
	assert.Equal(t, 0, c.Len())

	third, err := c.Fetch(context.Background(), 3)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestFetchNonPositiveLimit(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	enqueueN(t, c, 2)

	for _, limit := range []int{0, -1} {
		got, err := c.Fetch(context.Background(), limit)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	assert.Equal(t, 2, c.Len())
}

func TestEnqueueAssignsUID(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	require.NoError(t, c.Enqueue(context.Background(), email.InboundMessage{Subject: "no uid"}))

	got, err := c.Fetch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	_, err = uuid.Parse(got[0].UID)
	assert.NoError(t, err)
}

func TestConcurrentFetchNeverDuplicates(t *testing.T) {
	t.Parallel()

	const total = 500
	c := newTestClient()
	enqueueN(t, c, total)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msgs, err := c.Fetch(context.Background(), 7)
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if len(msgs) == 0 {
					return
				}
				mu.Lock()
				for _, m := range msgs {
					seen[m.UID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for uid, n := range seen {
		assert.Equal(t, 1, n, "uid %s fetched %d times", uid, n)
	}
	assert.Equal(t, 0, c.Len())
}
