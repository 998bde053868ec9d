package task

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vigneswara-propelo/harness-core-sub250/orchestration/model"
)

func TestHTTPExecutor_QueueTask(t *testing.T) {
	var got queueRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing auth header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "remote-1"})
	}))
	defer server.Close()

	ex := NewHTTPExecutor("HTTP", server.URL, WithHeader("Authorization", "Bearer tok"))
	id, err := ex.QueueTask(context.Background(),
		Routing{AccountID: "acc", Selectors: []string{"linux"}},
		Spec{Type: "SHELL", Parameters: map[string]any{"cmd": "true"}},
		1500*time.Millisecond)
	if err != nil {
		t.Fatalf("QueueTask: %v", err)
	}
	if id != "remote-1" {
		t.Errorf("task id = %q", id)
	}
	if got.Spec.Type != "SHELL" || got.Routing.AccountID != "acc" || got.InitialDelayMS != 1500 {
		t.Errorf("request = %+v", got)
	}
}

func TestHTTPExecutor_DispatchErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		noEligible bool
	}{
		{"conflict", http.StatusConflict, "busy", true},
		{"unprocessable", http.StatusUnprocessableEntity, "no selector match", true},
		{"unavailable", http.StatusServiceUnavailable, "", true},
		{"server error", http.StatusInternalServerError, "oops", false},
		{"missing task id", http.StatusOK, `{}`, false},
		{"garbage", http.StatusOK, `not json`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPExecutor("HTTP", server.URL).QueueTask(context.Background(), Routing{}, Spec{Type: "X"}, 0)
			if !IsDispatchError(err) {
				t.Fatalf("err = %v, want dispatch error", err)
			}
			if got := errors.Is(err, ErrNoEligibleWorker); got != tt.noEligible {
				t.Errorf("errors.Is(ErrNoEligibleWorker) = %v, want %v", got, tt.noEligible)
			}
		})
	}
}

func TestHTTPExecutor_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPExecutor("HTTP", url).QueueTask(context.Background(), Routing{}, Spec{Type: "X"}, 0)
	if !IsDispatchError(err) {
		t.Fatalf("err = %v, want dispatch error", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(map[string]Executor{
		"OK":    executorFunc(func() (string, error) { return "t1", nil }),
		"PLAIN": executorFunc(func() (string, error) { return "", errors.New("socket closed") }),
		"EMPTY": executorFunc(func() (string, error) { return "", nil }),
		"TYPED": executorFunc(func() (string, error) { return "", &DispatchError{Category: "TYPED", Cause: ErrNoEligibleWorker} }),
	})
	ctx := context.Background()

	if id, err := r.Dispatch(ctx, "OK", Routing{}, Spec{}, 0); err != nil || id != "t1" {
		t.Errorf("Dispatch(OK) = %q, %v", id, err)
	}
	if _, err := r.Dispatch(ctx, "NOPE", Routing{}, Spec{}, 0); !errors.Is(err, ErrUnknownCategory) || !IsDispatchError(err) {
		t.Errorf("Dispatch(NOPE) err = %v", err)
	}
	if _, err := r.Dispatch(ctx, "PLAIN", Routing{}, Spec{}, 0); !IsDispatchError(err) {
		t.Errorf("plain errors must be wrapped as dispatch errors, got %v", err)
	}
	if _, err := r.Dispatch(ctx, "EMPTY", Routing{}, Spec{}, 0); !IsDispatchError(err) {
		t.Errorf("empty task id err = %v", err)
	}
	if _, err := r.Dispatch(ctx, "TYPED", Routing{}, Spec{}, 0); !errors.Is(err, ErrNoEligibleWorker) {
		t.Errorf("typed err = %v", err)
	}
	if r.Categories() != 4 {
		t.Errorf("Categories = %d", r.Categories())
	}
}

type executorFunc func() (string, error)

func (f executorFunc) QueueTask(context.Context, Routing, Spec, time.Duration) (string, error) {
	return f()
}

type fakeCompleter struct {
	mu       sync.Mutex
	done     map[string]map[string]any
	failures map[string]*model.FailureInfo
	signal   chan string
}

func newFakeCompleter() *fakeCompleter {
	return &fakeCompleter{
		done:     make(map[string]map[string]any),
		failures: make(map[string]*model.FailureInfo),
		signal:   make(chan string, 16),
	}
}

func (f *fakeCompleter) Fulfil(_ context.Context, id string, data map[string]any) error {
	f.mu.Lock()
	f.done[id] = data
	f.mu.Unlock()
	select {
	case f.signal <- id:
	default:
	}
	return nil
}

func (f *fakeCompleter) FulfilWithFailure(_ context.Context, id string, failure *model.FailureInfo) error {
	f.mu.Lock()
	f.failures[id] = failure
	f.mu.Unlock()
	select {
	case f.signal <- id:
	default:
	}
	return nil
}

func (f *fakeCompleter) await(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.signal:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("task never completed")
		return ""
	}
}

func TestLocalExecutor(t *testing.T) {
	completer := newFakeCompleter()
	ex := NewLocalExecutor(completer, map[string]Handler{
		"echo": func(_ context.Context, spec Spec) (map[string]any, error) {
			return map[string]any{"echo": spec.Parameters["msg"]}, nil
		},
		"fail": func(context.Context, Spec) (map[string]any, error) {
			return nil, errors.New("exit 1")
		},
		"slow": func(ctx context.Context, _ Spec) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"panic": func(context.Context, Spec) (map[string]any, error) {
			panic("bad handler")
		},
	}, WithWorkers(2))
	defer ex.Close()
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		id, err := ex.QueueTask(ctx, Routing{}, Spec{Type: "echo", Parameters: map[string]any{"msg": "hi"}}, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("QueueTask: %v", err)
		}
		if got := completer.await(t); got != id {
			t.Fatalf("completed %s, want %s", got, id)
		}
		completer.mu.Lock()
		defer completer.mu.Unlock()
		if completer.done[id]["echo"] != "hi" {
			t.Errorf("data = %+v", completer.done[id])
		}
	})

	t.Run("failure", func(t *testing.T) {
		id, _ := ex.QueueTask(ctx, Routing{}, Spec{Type: "fail"}, 0)
		completer.await(t)
		completer.mu.Lock()
		defer completer.mu.Unlock()
		f := completer.failures[id]
		if f == nil || f.Message != "exit 1" || !f.HasType(model.FailureApplication) {
			t.Errorf("failure = %+v", f)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		id, _ := ex.QueueTask(ctx, Routing{}, Spec{Type: "slow", Timeout: 20 * time.Millisecond}, 0)
		completer.await(t)
		completer.mu.Lock()
		defer completer.mu.Unlock()
		if f := completer.failures[id]; f == nil || !f.HasType(model.FailureTimeout) {
			t.Errorf("failure = %+v", f)
		}
	})

	t.Run("panic becomes failure", func(t *testing.T) {
		id, _ := ex.QueueTask(ctx, Routing{}, Spec{Type: "panic"}, 0)
		completer.await(t)
		completer.mu.Lock()
		defer completer.mu.Unlock()
		if completer.failures[id] == nil {
			t.Error("panic not reported as failure")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := ex.QueueTask(ctx, Routing{}, Spec{Type: "nope"}, 0)
		if !errors.Is(err, ErrNoEligibleWorker) || !IsDispatchError(err) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestLocalExecutor_Closed(t *testing.T) {
	ex := NewLocalExecutor(newFakeCompleter(), map[string]Handler{
		"echo": func(context.Context, Spec) (map[string]any, error) { return nil, nil },
	})
	_ = ex.Close()
	if _, err := ex.QueueTask(context.Background(), Routing{}, Spec{Type: "echo"}, 0); !IsDispatchError(err) {
		t.Errorf("QueueTask after Close err = %v", err)
	}
}

func TestLocalExecutor_CloseFailsUnfinishedTasks(t *testing.T) {
	completer := newFakeCompleter()
	started := make(chan struct{})
	ex := NewLocalExecutor(completer, map[string]Handler{
		"block": func(ctx context.Context, _ Spec) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"echo": func(context.Context, Spec) (map[string]any, error) { return nil, nil },
	}, WithWorkers(1))
	ctx := context.Background()

	running, _ := ex.QueueTask(ctx, Routing{}, Spec{Type: "block"}, 0)
	<-started
	waiting, _ := ex.QueueTask(ctx, Routing{}, Spec{Type: "echo"}, 0)
	delayed, _ := ex.QueueTask(ctx, Routing{}, Spec{Type: "echo"}, time.Hour)

	if err := ex.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	completer.mu.Lock()
	defer completer.mu.Unlock()
	for name, id := range map[string]string{"running": running, "waiting": waiting, "delayed": delayed} {
		if completer.failures[id] == nil {
			t.Errorf("%s task %s was not failed on Close", name, id)
		}
	}
	if f := completer.failures[delayed]; f != nil && !f.HasType(model.FailureDelegateProvisioning) {
		t.Errorf("delayed failure = %+v", f)
	}
	if len(completer.done) != 0 {
		t.Errorf("tasks completed after Close: %v", completer.done)
	}
}

func TestLocalExecutor_QueueDuringClose(t *testing.T) {
	ex := NewLocalExecutor(newFakeCompleter(), map[string]Handler{
		"echo": func(context.Context, Spec) (map[string]any, error) { return nil, nil },
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := ex.QueueTask(context.Background(), Routing{}, Spec{Type: "echo"}, 0); err != nil && !IsDispatchError(err) {
					t.Errorf("QueueTask: %v", err)
				}
			}
		}()
	}
	_ = ex.Close()
	wg.Wait()
}
