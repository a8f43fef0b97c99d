package signals

import (
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/orchestra/squadcore/internal/orchestration/types"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) (*SQLiteStore, func()) {
	f, err := os.CreateTemp("", "signals-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	db, err := sql.Open("sqlite", f.Name())
	if err != nil {
		t.Fatal(err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return store, func() {
		db.Close()
		os.Remove(f.Name())
	}
}

func TestFanOutOrderToMultipleSubscribers(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	bus := NewBus(store)

	chA, unsubA := bus.Subscribe("S1")
	defer unsubA()
	chB, unsubB := bus.Subscribe("S1")
	defer unsubB()

	kinds := []types.SignalKind{types.SignalStarting, types.SignalWorking, types.SignalReview}
	for _, k := range kinds {
		bus.Publish(types.Signal{Session: "S1", Kind: k, Task: "T1", Payload: map[string]interface{}{"k": string(k)}})
	}

	for _, ch := range []<-chan Delivered{chA, chB} {
		for _, want := range kinds {
			select {
			case d := <-ch:
				if d.Signal.Kind != want {
					t.Fatalf("expected %s, got %s", want, d.Signal.Kind)
				}
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for signal %s", want)
			}
		}
	}
}

func TestLatestPerKindOverwrites(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	bus := NewBus(store)

	bus.Publish(types.Signal{Session: "S1", Kind: types.SignalWorking, Payload: map[string]interface{}{"title": "first"}})
	time.Sleep(DedupWindow + 10*time.Millisecond)
	bus.Publish(types.Signal{Session: "S1", Kind: types.SignalWorking, Payload: map[string]interface{}{"title": "second"}})

	latest, err := bus.Latest("S1", types.SignalWorking)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.Payload["title"] != "second" {
		t.Fatalf("expected latest working signal to be 'second', got %+v", latest)
	}
}

func TestDedupCollapsesWithinWindow(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	bus := NewBus(store)

	ch, unsub := bus.Subscribe("S1")
	defer unsub()

	payload := map[string]interface{}{"x": "1"}
	bus.Publish(types.Signal{Session: "S1", Kind: types.SignalWorking, Payload: payload})
	bus.Publish(types.Signal{Session: "S1", Kind: types.SignalWorking, Payload: payload})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected first signal to be delivered")
	}
	select {
	case d := <-ch:
		t.Fatalf("expected duplicate to be collapsed, got %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}
