package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cronflow/internal/batcher"
	"cronflow/internal/worker"
)

func TestFanoutThroughPoolAndBatcher(t *testing.T) {
	t.Parallel()
	var (
		mu        sync.Mutex
		delivered = map[string]string{}
	)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var res Result
		if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		delivered[res.Entity] = res.Text
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	exec := batcher.ExecutorFunc(func(ctx context.Context, prompt, model string) (string, error) {
		if strings.Contains(prompt, "mallory") {
			return "", errors.New("rejected")
		}
		return model + "|" + prompt, nil
	})
	b := batcher.New(batcher.Config{BatchSize: 2, FlushInterval: 5 * time.Millisecond}, exec, zerolog.Nop())
	defer b.Close()

	f := Fanout{Pool: worker.NewPool(2, zerolog.Nop()), Completer: b, Log: zerolog.Nop()}
	payload, _ := json.Marshal(Payload{
		Entities: []string{"alice", "bob", "mallory", "carol"},
		Prompt:   "summarize inbox of {entity}",
		Model:    "small",
		Deliver:  sink.URL,
	})

	err := f.Handle(context.Background(), payload)
	if err == nil || !strings.Contains(err.Error(), "1 of 4 entities failed: mallory") {
		t.Fatalf("err = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 3 {
		t.Fatalf("delivered = %v", delivered)
	}
	if delivered["bob"] != "small|summarize inbox of bob" {
		t.Fatalf("bob = %q", delivered["bob"])
	}
}

func TestFanoutPayloadErrors(t *testing.T) {
	t.Parallel()
	f := Fanout{Pool: worker.NewPool(1, zerolog.Nop()), Log: zerolog.Nop()}
	for _, p := range []string{`nope`, `{"prompt":"x"}`, `{"entities":["a"]}`} {
		if err := f.Handle(context.Background(), json.RawMessage(p)); err == nil {
			t.Fatalf("expected error for %s", p)
		}
	}
}

func TestFanoutDeduplicatesEntities(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		prompts = map[string]int{}
	)
	exec := batcher.ExecutorFunc(func(ctx context.Context, prompt, model string) (string, error) {
		mu.Lock()
		prompts[prompt]++
		mu.Unlock()
		if strings.HasSuffix(prompt, "mallory") {
			return "", errors.New("rejected")
		}
		return "ok", nil
	})
	b := batcher.New(batcher.Config{BatchSize: 3, FlushInterval: 5 * time.Millisecond}, exec, zerolog.Nop())
	defer b.Close()

	f := Fanout{Pool: worker.NewPool(2, zerolog.Nop()), Completer: b, Log: zerolog.Nop()}
	payload, _ := json.Marshal(Payload{
		Entities: []string{"mallory", "alice", "mallory", "alice", "bob"},
		Prompt:   "digest for {entity}",
	})

	err := f.Handle(context.Background(), payload)
	if err == nil || err.Error() != "fanout: 1 of 3 entities failed: mallory" {
		t.Fatalf("err = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, who := range []string{"mallory", "alice", "bob"} {
		if n := prompts["digest for "+who]; n != 1 {
			t.Fatalf("%s processed %d times, want 1", who, n)
		}
	}
}
