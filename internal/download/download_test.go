package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agleyzer/hls2mp4/internal/crypt"
	"github.com/agleyzer/hls2mp4/internal/fetch"
	"github.com/agleyzer/hls2mp4/internal/segment"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeGetter answers GETs through a handler and counts calls per URL.
type fakeGetter struct {
	mu      sync.Mutex
	calls   map[string]int
	handler func(ctx context.Context, url string, call int) ([]byte, error)
}

func newFakeGetter(handler func(ctx context.Context, url string, call int) ([]byte, error)) *fakeGetter {
	return &fakeGetter{calls: make(map[string]int), handler: handler}
}

func (g *fakeGetter) Get(ctx context.Context, url string) ([]byte, error) {
	g.mu.Lock()
	g.calls[url]++
	call := g.calls[url]
	g.mu.Unlock()
	return g.handler(ctx, url, call)
}

func (g *fakeGetter) count(url string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[url]
}

func (g *fakeGetter) total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

// memStore is an in-memory Store that counts writes per index.
type memStore struct {
	mu      sync.Mutex
	data    map[int][]byte
	writes  map[int]int
	onWrite func(index int)
}

func newMemStore() *memStore {
	return &memStore{data: make(map[int][]byte), writes: make(map[int]int)}
}

func (s *memStore) SegmentPath(index int) string {
	return fmt.Sprintf("mem/seg_%05d.ts", index)
}

func (s *memStore) WriteSegment(index int, data []byte) error {
	if s.onWrite != nil {
		defer s.onWrite(index)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[index] = append([]byte(nil), data...)
	s.writes[index]++
	return nil
}

var (
	testKeyBytes = []byte("0123456789abcdef")
	testIV       = make([]byte, crypt.BlockSize)
)

func testCryptKey(t *testing.T) *crypt.Key {
	t.Helper()
	key, err := crypt.NewKey("http://origin/key", testKeyBytes, testIV)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return key
}

func makeSegments(n int) []segment.Segment {
	segments := make([]segment.Segment, n)
	for i := range segments {
		segments[i] = segment.Segment{Index: i, URI: fmt.Sprintf("http://origin/seg%d.ts", i), Duration: 4}
	}
	return segments
}

func payload(i int) []byte {
	return []byte(fmt.Sprintf("segment-%d-payload", i))
}

func indexOf(url string) int {
	var i int
	fmt.Sscanf(url, "http://origin/seg%d.ts", &i)
	return i
}

func TestFetcher_RetriesThenSucceeds(t *testing.T) {
	getter := newFakeGetter(func(_ context.Context, url string, call int) ([]byte, error) {
		if call < 3 {
			return nil, &fetch.StatusError{URL: url, StatusCode: http.StatusBadGateway}
		}
		return []byte("ok"), nil
	})

	f := NewFetcher(getter, 3, time.Millisecond, createTestLogger())
	task := &Task{Index: 0, URI: "http://origin/seg0.ts"}

	data, err := f.Fetch(context.Background(), task)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if string(data) != "ok" {
		t.Errorf("Expected ok, got %q", data)
	}
	if task.Attempt != 3 {
		t.Errorf("Expected success on attempt 3, got %d", task.Attempt)
	}
}

func TestFetcher_Exhausted(t *testing.T) {
	getter := newFakeGetter(func(_ context.Context, url string, _ int) ([]byte, error) {
		return nil, &fetch.StatusError{URL: url, StatusCode: http.StatusServiceUnavailable}
	})

	f := NewFetcher(getter, 4, time.Millisecond, createTestLogger())
	_, err := f.Fetch(context.Background(), &Task{Index: 2, URI: "http://origin/seg2.ts"})

	var segErr *SegmentError
	if !errors.As(err, &segErr) {
		t.Fatalf("Expected *SegmentError, got %v", err)
	}
	if segErr.Index != 2 || segErr.Attempts != 4 {
		t.Errorf("Expected index 2 after 4 attempts, got %+v", segErr)
	}
	var statusErr *fetch.StatusError
	if !errors.As(err, &statusErr) {
		t.Errorf("Expected wrapped StatusError, got %v", err)
	}
	if n := getter.count("http://origin/seg2.ts"); n != 4 {
		t.Errorf("Expected 4 GETs, got %d", n)
	}
}

func TestFetcher_FixedDelay(t *testing.T) {
	getter := newFakeGetter(func(_ context.Context, _ string, _ int) ([]byte, error) {
		return nil, errors.New("connection reset")
	})

	delay := 20 * time.Millisecond
	f := NewFetcher(getter, 3, delay, createTestLogger())

	start := time.Now()
	f.Fetch(context.Background(), &Task{URI: "http://origin/seg0.ts"})
	elapsed := time.Since(start)

	// Two waits between three attempts, none after the last.
	if elapsed < 2*delay {
		t.Errorf("Expected at least %v between attempts, took %v", 2*delay, elapsed)
	}
	if elapsed > 2*delay+time.Second {
		t.Errorf("Expected no growing backoff, took %v", elapsed)
	}
}

func TestFetcher_CanceledDuringDelay(t *testing.T) {
	getter := newFakeGetter(func(_ context.Context, _ string, _ int) ([]byte, error) {
		return nil, errors.New("timeout")
	})

	ctx, cancel := context.WithCancel(context.Background())
	f := NewFetcher(getter, 5, time.Hour, createTestLogger())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.Fetch(ctx, &Task{URI: "http://origin/seg0.ts"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if n := getter.total(); n != 1 {
		t.Errorf("Expected a single attempt before cancellation, got %d", n)
	}
}

func TestController_OrderInvariance(t *testing.T) {
	const total = 20

	// Random per-segment latency makes completion order differ from index order.
	delays := make([]time.Duration, total)
	for i := range delays {
		delays[i] = time.Duration(rand.Intn(15)) * time.Millisecond
	}

	getter := newFakeGetter(func(_ context.Context, url string, _ int) ([]byte, error) {
		i := indexOf(url)
		time.Sleep(delays[i])
		return payload(i), nil
	})

	store := newMemStore()
	c := NewController(getter, nil, store, Options{Concurrency: 6, Retries: 1}, createTestLogger())

	events := make(chan Event, total)
	if err := c.Run(context.Background(), makeSegments(total), events); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	close(events)

	seen := make(map[int]bool)
	counts := make(map[int]bool)
	for ev := range events {
		if ev.Total != total {
			t.Errorf("Expected total %d, got %d", total, ev.Total)
		}
		seen[ev.Index] = true
		counts[ev.Completed] = true
	}
	if len(seen) != total {
		t.Errorf("Expected %d distinct segment events, got %d", total, len(seen))
	}
	for n := 1; n <= total; n++ {
		if !counts[n] {
			t.Errorf("Expected a completed count of %d to be reported", n)
		}
	}

	for i := 0; i < total; i++ {
		if !bytes.Equal(store.data[i], payload(i)) {
			t.Errorf("Segment %d: expected %q, got %q", i, payload(i), store.data[i])
		}
	}
}

func TestController_RetrySuccessCountsOnce(t *testing.T) {
	const retries = 3
	flaky := "http://origin/seg1.ts"

	getter := newFakeGetter(func(_ context.Context, url string, call int) ([]byte, error) {
		if url == flaky && call < retries {
			return nil, &fetch.StatusError{URL: url, StatusCode: http.StatusInternalServerError}
		}
		return payload(indexOf(url)), nil
	})

	store := newMemStore()
	c := NewController(getter, nil, store, Options{Concurrency: 2, Retries: retries, RetryDelay: time.Millisecond}, createTestLogger())

	events := make(chan Event, 3)
	if err := c.Run(context.Background(), makeSegments(3), events); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	close(events)

	if n := getter.count(flaky); n != retries {
		t.Errorf("Expected %d attempts on flaky segment, got %d", retries, n)
	}
	if store.writes[1] != 1 {
		t.Errorf("Expected exactly one persisted copy, got %d", store.writes[1])
	}

	flakyEvents, last := 0, 0
	for ev := range events {
		if ev.Index == 1 {
			flakyEvents++
		}
		if ev.Completed > last {
			last = ev.Completed
		}
	}
	if flakyEvents != 1 {
		t.Errorf("Expected flaky segment counted once, got %d", flakyEvents)
	}
	if last != 3 {
		t.Errorf("Expected final completed count 3, got %d", last)
	}
}

func TestController_RetryExhaustionFailsJob(t *testing.T) {
	bad := "http://origin/seg2.ts"
	getter := newFakeGetter(func(_ context.Context, url string, _ int) ([]byte, error) {
		if url == bad {
			return nil, &fetch.StatusError{URL: url, StatusCode: http.StatusNotFound}
		}
		return payload(indexOf(url)), nil
	})

	c := NewController(getter, nil, newMemStore(), Options{Concurrency: 3, Retries: 2, RetryDelay: time.Millisecond}, createTestLogger())
	err := c.Run(context.Background(), makeSegments(5), nil)

	var segErr *SegmentError
	if !errors.As(err, &segErr) {
		t.Fatalf("Expected *SegmentError, got %v", err)
	}
	if segErr.Index != 2 || segErr.URI != bad || segErr.Attempts != 2 {
		t.Errorf("Unexpected failure details %+v", segErr)
	}
	if n := getter.count(bad); n != 2 {
		t.Errorf("Expected 2 attempts, got %d", n)
	}
}

func TestController_ConcurrencyBound(t *testing.T) {
	for _, k := range []int{1, 3, 8} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			var inFlight, peak atomic.Int32

			// A pipeline is in flight from the start of its fetch until its
			// write finishes, with decryption in between.
			getter := newFakeGetter(func(_ context.Context, url string, _ int) ([]byte, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(3 * time.Millisecond)
				return crypt.Encrypt(payload(indexOf(url)), testKeyBytes, testIV)
			})
			store := newMemStore()
			store.onWrite = func(int) {
				time.Sleep(3 * time.Millisecond)
				inFlight.Add(-1)
			}

			c := NewController(getter, testCryptKey(t), store, Options{Concurrency: k, Retries: 1}, createTestLogger())
			if err := c.Run(context.Background(), makeSegments(30), nil); err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}

			if p := int(peak.Load()); p > k {
				t.Errorf("Expected at most %d in flight, observed %d", k, p)
			}
		})
	}
}

func TestController_AbandonsAfterFailure(t *testing.T) {
	getter := newFakeGetter(func(_ context.Context, url string, _ int) ([]byte, error) {
		if url == "http://origin/seg0.ts" {
			return nil, errors.New("connection refused")
		}
		return payload(indexOf(url)), nil
	})

	store := newMemStore()
	c := NewController(getter, nil, store, Options{Concurrency: 1, Retries: 1}, createTestLogger())
	if err := c.Run(context.Background(), makeSegments(10), nil); err == nil {
		t.Fatal("Expected error, got nil")
	}

	if n := getter.total(); n != 1 {
		t.Errorf("Expected no segments started after the failure, got %d GETs", n)
	}
	if len(store.data) != 0 {
		t.Errorf("Expected nothing stored, got %d segments", len(store.data))
	}
}

func TestController_InFlightFinishAfterFailure(t *testing.T) {
	release := make(chan struct{})
	getter := newFakeGetter(func(_ context.Context, url string, _ int) ([]byte, error) {
		if url == "http://origin/seg0.ts" {
			return nil, errors.New("boom")
		}
		<-release
		return payload(indexOf(url)), nil
	})

	store := newMemStore()
	c := NewController(getter, nil, store, Options{Concurrency: 2, Retries: 1}, createTestLogger())

	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background(), makeSegments(10), nil)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	err := <-done
	var segErr *SegmentError
	if !errors.As(err, &segErr) || segErr.Index != 0 {
		t.Fatalf("Expected segment 0 failure to decide the result, got %v", err)
	}
	if len(store.data) > 1 {
		t.Errorf("Expected at most the in-flight segment to be stored, got %d", len(store.data))
	}
}

func TestController_DecryptsWithKey(t *testing.T) {
	getter := newFakeGetter(func(_ context.Context, url string, _ int) ([]byte, error) {
		return crypt.Encrypt(payload(indexOf(url)), testKeyBytes, testIV)
	})

	store := newMemStore()
	c := NewController(getter, testCryptKey(t), store, Options{Concurrency: 4, Retries: 1}, createTestLogger())
	if err := c.Run(context.Background(), makeSegments(4), nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	for i := 0; i < 4; i++ {
		if !bytes.Equal(store.data[i], payload(i)) {
			t.Errorf("Segment %d: expected plaintext %q, got %q", i, payload(i), store.data[i])
		}
	}
}

func TestController_DecryptFailureIsNotRetried(t *testing.T) {
	key, err := crypt.NewKey("http://origin/key", []byte("0123456789abcdef"), make([]byte, crypt.BlockSize))
	if err != nil {
		t.Fatalf("key: %v", err)
	}

	getter := newFakeGetter(func(_ context.Context, _ string, _ int) ([]byte, error) {
		return []byte("not block aligned"), nil
	})

	c := NewController(getter, key, newMemStore(), Options{Concurrency: 1, Retries: 3, RetryDelay: time.Millisecond}, createTestLogger())
	err = c.Run(context.Background(), makeSegments(1), nil)
	if !errors.Is(err, crypt.ErrBlockAlignment) {
		t.Fatalf("Expected ErrBlockAlignment, got %v", err)
	}
	if n := getter.total(); n != 1 {
		t.Errorf("Expected one GET, got %d", n)
	}
}

func TestController_OverHTTP(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// First request for every segment fails.
		if hits.Add(1)%2 == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(r.URL.Path))
	}))
	defer server.Close()

	segments := []segment.Segment{{Index: 0, URI: server.URL + "/a.ts"}}
	store := newMemStore()
	c := NewController(fetch.NewMedia(time.Second), nil, store, Options{Concurrency: 1, Retries: 2, RetryDelay: time.Millisecond}, createTestLogger())

	if err := c.Run(context.Background(), segments, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if string(store.data[0]) != "/a.ts" {
		t.Errorf("Expected body /a.ts, got %q", store.data[0])
	}
}

func TestController_Empty(t *testing.T) {
	c := NewController(newFakeGetter(nil), nil, newMemStore(), Options{}, createTestLogger())
	if err := c.Run(context.Background(), nil, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
}
