package pending

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"foundry-relay/internal/relaymsg"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func TestRegistry_DispatchDeliversMatchingReply(t *testing.T) {
	t.Parallel()
	r := New(testLogger())

	corrID := NewCorrelationID(relaymsg.KindSearch)
	w := r.Register(corrID, relaymsg.KindSearch, "world1", "", time.Now().Add(time.Second))

	if ok := r.Dispatch(corrID, relaymsg.KindSearch, "", 200, map[string]interface{}{"hits": 3}); !ok {
		t.Fatal("expected Dispatch to match the registered waiter")
	}

	select {
	case res := <-w.Done():
		if res.StatusCode != 200 {
			t.Errorf("StatusCode = %d, want 200", res.StatusCode)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never completed")
	}
}

func TestRegistry_DispatchDropsKindMismatch(t *testing.T) {
	t.Parallel()
	r := New(testLogger())
	corrID := NewCorrelationID(relaymsg.KindSearch)
	r.Register(corrID, relaymsg.KindSearch, "world1", "", time.Now().Add(time.Second))

	if ok := r.Dispatch(corrID, relaymsg.KindEntity, "", 200, nil); ok {
		t.Fatal("expected Dispatch to reject a kind mismatch")
	}
}

func TestRegistry_DispatchDropsSecondaryKeyMismatch(t *testing.T) {
	t.Parallel()
	r := New(testLogger())
	corrID := NewCorrelationID(relaymsg.KindEntity)
	r.Register(corrID, relaymsg.KindEntity, "world1", "uuid-a", time.Now().Add(time.Second))

	if ok := r.Dispatch(corrID, relaymsg.KindEntity, "uuid-b", 200, nil); ok {
		t.Fatal("expected Dispatch to reject a secondary-key mismatch")
	}
}

func TestRegistry_DispatchUnknownCorrelationIsSafeNoOp(t *testing.T) {
	t.Parallel()
	r := New(testLogger())
	if ok := r.Dispatch("nonexistent", relaymsg.KindSearch, "", 200, nil); ok {
		t.Fatal("expected Dispatch for an unregistered id to report false")
	}
}

func TestRegistry_SecondReplyIsNoOp(t *testing.T) {
	t.Parallel()
	r := New(testLogger())
	corrID := NewCorrelationID(relaymsg.KindSearch)
	r.Register(corrID, relaymsg.KindSearch, "world1", "", time.Now().Add(time.Second))

	if ok := r.Dispatch(corrID, relaymsg.KindSearch, "", 200, nil); !ok {
		t.Fatal("first dispatch should match")
	}
	if ok := r.Dispatch(corrID, relaymsg.KindSearch, "", 200, nil); ok {
		t.Fatal("second dispatch for the same id should be a no-op, entry already removed")
	}
}

func TestRegistry_CancelRemovesWithoutCompleting(t *testing.T) {
	t.Parallel()
	r := New(testLogger())
	corrID := NewCorrelationID(relaymsg.KindSearch)
	r.Register(corrID, relaymsg.KindSearch, "world1", "", time.Now().Add(time.Second))
	r.Cancel(corrID)

	if got := r.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0 after Cancel", got)
	}
	if ok := r.Dispatch(corrID, relaymsg.KindSearch, "", 200, nil); ok {
		t.Fatal("expected a cancelled id to not match a late reply")
	}
}

func TestRegistry_FailCompletesWithErrorStatus(t *testing.T) {
	t.Parallel()
	r := New(testLogger())
	corrID := NewCorrelationID(relaymsg.KindCreate)
	w := r.Register(corrID, relaymsg.KindCreate, "world1", "", time.Now().Add(time.Second))

	r.Fail(corrID, 500, map[string]interface{}{"error": "boom"})

	res := <-w.Done()
	if res.StatusCode != 500 {
		t.Errorf("StatusCode = %d, want 500", res.StatusCode)
	}
}
