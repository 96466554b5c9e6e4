package adapter_test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cmatc13/txrelay/internal/adapter"
	"github.com/cmatc13/txrelay/internal/ledger"
	"github.com/cmatc13/txrelay/internal/queue/memq"
	"github.com/cmatc13/txrelay/internal/submitter"
	"github.com/cmatc13/txrelay/internal/transaction"
	"github.com/cmatc13/txrelay/internal/wallet"
	"github.com/cmatc13/txrelay/pkg/metrics"
)

const relayQueue = "transactions"

// flakyLedger commits every transaction it receives while it is up and
// answers Unavailable on the command service while it is down.
type flakyLedger struct {
	mu        sync.Mutex
	down      bool
	committed map[transaction.ID]bool
	submits   int
}

func newFlakyLedger() *flakyLedger {
	return &flakyLedger{committed: make(map[transaction.ID]bool)}
}

func (l *flakyLedger) setDown(down bool) {
	l.mu.Lock()
	l.down = down
	l.mu.Unlock()
}

func (l *flakyLedger) Submit(_ context.Context, raw []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return status.Error(codes.Unavailable, "ledger is restarting")
	}
	id, err := transaction.IDOf(raw)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	l.submits++
	l.committed[id] = true
	return nil
}

func (l *flakyLedger) StatusStream(_ context.Context, id transaction.ID, send func(ledger.StatusUpdate) error) error {
	l.mu.Lock()
	down, committed := l.down, l.committed[id]
	l.mu.Unlock()

	switch {
	case down:
		return status.Error(codes.Unavailable, "ledger is restarting")
	case committed:
		if err := send(ledger.StatusUpdate{Status: ledger.StatusStatefulSuccess}); err != nil {
			return err
		}
		return send(ledger.StatusUpdate{Status: ledger.StatusCommitted})
	default:
		return send(ledger.StatusUpdate{Status: ledger.StatusNotReceived})
	}
}

func (l *flakyLedger) AccountQuorum(context.Context, string) (uint32, error) {
	return 1, nil
}

func (l *flakyLedger) stats() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits, len(l.committed)
}

// stepClock records requested sleeps and lets each one pass after a
// millisecond of real time.
type stepClock struct {
	mu      sync.Mutex
	sleeps  []time.Duration
	onSleep func(time.Duration)
}

func (c *stepClock) Now() time.Time { return time.Now().UTC() }

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return time.After(time.Millisecond)
}

func (c *stepClock) slept(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sleeps {
		if s == d {
			n++
		}
	}
	return n
}

type relay struct {
	broker  *memq.Broker
	ledger  *flakyLedger
	gateway *ledger.Client
	metrics *metrics.Metrics
}

func startRelay(t *testing.T, prefetch int) *relay {
	t.Helper()

	l := newFlakyLedger()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	ledger.RegisterServer(srv, l)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	gw, err := ledger.Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	broker := memq.New()
	a, err := adapter.New(broker.Consumer(relayQueue), gw,
		adapter.WithPrefetch(prefetch),
		adapter.WithQueueName(relayQueue),
		adapter.WithForwardTimeout(2*time.Second),
		adapter.WithFatalHandler(func(err error) { t.Errorf("relay adapter failed: %v", err) }),
	)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Close() })

	return &relay{broker: broker, ledger: l, gateway: gw, metrics: metrics.New(metrics.DefaultConfig())}
}

func (r *relay) submitter(t *testing.T, clock submitter.Clock) *submitter.Submitter {
	t.Helper()
	keypair, err := wallet.GenerateKeypair()
	require.NoError(t, err)

	s, err := submitter.New(context.Background(),
		wallet.Identity{AccountID: "alice@test", Keypair: keypair},
		r.broker.Publisher(relayQueue), r.gateway,
		submitter.WithClock(clock),
		submitter.WithMetrics(r.metrics),
	)
	require.NoError(t, err)
	return s
}

func (r *relay) requireDrained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.broker.Len(relayQueue) == 0 && r.broker.Stats().Outstanding == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRelaySurvivesLedgerRestart(t *testing.T) {
	r := startRelay(t, 4)
	clock := &stepClock{}
	sub := r.submitter(t, clock)

	clock.onSleep = func(d time.Duration) {
		if d == 5*time.Second {
			r.ledger.setDown(false)
		}
	}
	r.ledger.setDown(true)

	tx, err := sub.Sign(transaction.Unsigned{Commands: [][]byte{[]byte("transfer 10")}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := sub.Submit(ctx, tx)
	require.NoError(t, err)

	assert.Equal(t, tx.ID(), id)
	assert.Equal(t, transaction.HashPayload(tx.Payload()), id)
	assert.GreaterOrEqual(t, clock.slept(5*time.Second), 1, "at least one backoff cycle")
	assert.GreaterOrEqual(t, testutil.ToFloat64(r.metrics.SubscriptionRetries), 1.0)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.SubmissionCount.WithLabelValues(metrics.ResultCommitted)))

	r.requireDrained(t)
	submits, committed := r.ledger.stats()
	assert.Equal(t, 1, committed)
	assert.GreaterOrEqual(t, submits, 1)
	assert.Equal(t, 1, r.broker.Stats().Acked)
}

func TestRelayManyConcurrentSubmissions(t *testing.T) {
	const n = 64
	r := startRelay(t, 8)
	sub := r.submitter(t, &stepClock{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	txs := make([]*transaction.Transaction, n)
	for i := range txs {
		tx, err := sub.Sign(transaction.Unsigned{Commands: [][]byte{[]byte(fmt.Sprintf("transfer %d", i))}})
		require.NoError(t, err)
		txs[i] = tx
	}

	ids := make([]transaction.ID, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i, tx := range txs {
		wg.Add(1)
		go func(i int, tx *transaction.Transaction) {
			defer wg.Done()
			ids[i], errs[i] = sub.Submit(ctx, tx)
		}(i, tx)
	}
	wg.Wait()

	for i := range txs {
		require.NoError(t, errs[i], "submission %d", i)
		assert.Equal(t, txs[i].ID(), ids[i])
	}

	r.requireDrained(t)
	_, committed := r.ledger.stats()
	assert.Equal(t, n, committed)
	assert.Equal(t, n, r.broker.Stats().Acked)
	assert.LessOrEqual(t, r.broker.Stats().MaxOutstanding, 8)
	assert.Equal(t, float64(n), testutil.ToFloat64(r.metrics.SubmissionCount.WithLabelValues(metrics.ResultCommitted)))
}
