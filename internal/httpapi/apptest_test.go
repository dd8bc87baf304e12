package httpapi

import (
	"context"
	"sync"
	"testing"
	"time"

	"call-processing/internal/ingest"
	"call-processing/internal/notify"
	"call-processing/internal/processor"
	"call-processing/internal/store"
	"call-processing/internal/transcribe"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// app is a fully wired service instance backed by the in-memory store, with
// transcription latency and backoff sleeps collapsed to zero.
type app struct {
	router   *gin.Engine
	store    *store.Memory
	notifier *notify.Notifier
	proc     *processor.Processor
	mock     *transcribe.Mock
	sleeps   *sleepLog
}

type sleepLog struct {
	mu   sync.Mutex
	durs []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durs = append(s.durs, d)
	return nil
}

func (s *sleepLog) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t time.Duration
	for _, d := range s.durs {
		t += d
	}
	return t
}

func (s *sleepLog) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.durs)
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newApp(t *testing.T, failureRate float64, maxRetries int) *app {
	t.Helper()

	m := store.NewMemory()
	n := notify.New(16, nil)
	mock := transcribe.NewMock(transcribe.MockConfig{
		FailureRate: failureRate,
		Sleep:       noSleep,
	})
	sleeps := &sleepLog{}
	proc := processor.New(m, mock, n, nil, processor.Config{
		MaxRetries: maxRetries,
		Sleep:      sleeps.sleep,
		Rand:       func() float64 { return 0 },
	})
	ing := ingest.NewService(m, proc, nil)

	h := Handlers{Ingest: ing, Store: m, Notifier: n}
	return &app{
		router:   NewRouter(nil, h, nil),
		store:    m,
		notifier: n,
		proc:     proc,
		mock:     mock,
		sleeps:   sleeps,
	}
}

func waitWorkers(t *testing.T, p *processor.Processor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("workers did not settle: %v", err)
	}
}
