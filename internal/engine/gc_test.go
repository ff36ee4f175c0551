// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSweepDropsExpiredAndEvictsTerminalRuns(t *testing.T) {
	buf, now := newTestBuffer(100, 60*time.Second)

	buf.Append("stale", testEvent("agent:start"))
	*now = now.Add(61 * time.Second)
	buf.Append("active", testEvent("agent:start"))
	buf.Append("finished", testEvent("agent:complete"))

	states := &fakeStateStore{terminalRuns: []string{"finished", "already-gone"}}
	gc := NewGarbageCollector(buf, states, discardLogger(), time.Minute)

	gc.Sweep(context.Background())

	if buf.Has("stale") {
		t.Fatal("expected stale run swept by TTL")
	}
	if !buf.Has("active") {
		t.Fatal("expected active run kept")
	}
	if buf.Has("finished") {
		t.Fatal("expected terminal run evicted")
	}
}

func TestSweepSurvivesStateQueryFailure(t *testing.T) {
	buf, now := newTestBuffer(100, 60*time.Second)

	buf.Append("stale", testEvent("agent:start"))
	*now = now.Add(61 * time.Second)
	buf.Append("active", testEvent("agent:start"))

	states := &fakeStateStore{terminalErr: errors.New("db down")}
	gc := NewGarbageCollector(buf, states, discardLogger(), time.Minute)

	// Eviction query fails; the buffer sweep still ran.
	gc.Sweep(context.Background())

	if buf.Has("stale") {
		t.Fatal("expected TTL sweep to run despite eviction failure")
	}
	if !buf.Has("active") {
		t.Fatal("expected active run kept")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	buf, _ := newTestBuffer(100, time.Minute)
	gc := NewGarbageCollector(buf, &fakeStateStore{}, discardLogger(), time.Minute)

	gc.Start(context.Background())
	gc.Stop()
	gc.Stop()
}
