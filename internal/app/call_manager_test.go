package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/session"
)

func TestCallManager_StartStop(t *testing.T) {
	t.Parallel()

	caller := newFakeCaller()
	cm := app.NewCallManager(caller, "t1", "b1", nil)

	if err := cm.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if !cm.IsActive() {
		t.Fatal("IsActive() = false after Start")
	}
	if err := cm.Start(context.Background()); err == nil {
		t.Error("second Start() should fail while a call is active")
	}

	info := cm.Info()
	if info.TenantID != "t1" || info.BotID != "b1" || info.SessionID != "s-1" {
		t.Errorf("Info() = %+v", info)
	}

	if err := cm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if cm.IsActive() {
		t.Error("IsActive() = true after Stop")
	}
	if got := cm.Info().Result; got != "idle" {
		t.Errorf("Result = %q, want idle", got)
	}
	if cm.Failed() {
		t.Error("Failed() = true after a normal end")
	}
}

func TestCallManager_StopWithoutCall(t *testing.T) {
	t.Parallel()

	cm := app.NewCallManager(newFakeCaller(), "t1", "b1", nil)
	if err := cm.Stop(context.Background()); !errors.Is(err, app.ErrNoActiveCall) {
		t.Fatalf("Stop() = %v, want ErrNoActiveCall", err)
	}
	select {
	case <-cm.Ended():
	default:
		t.Error("Ended() should be closed before the first call")
	}
}

func TestCallManager_RecordsFailure(t *testing.T) {
	t.Parallel()

	caller := newFakeCaller()
	cm := app.NewCallManager(caller, "t1", "b1", nil)
	if err := cm.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	ended := cm.Ended()
	caller.finish(session.StateError, &session.Fault{Message: "boom"})

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("Ended() not closed")
	}
	if !cm.Failed() {
		t.Error("Failed() = false after an error end")
	}
	if f := cm.Info().Fault; f == nil || f.Message != "boom" {
		t.Errorf("Fault = %+v, want boom", f)
	}

	// A new call may start after the last one ended.
	if err := cm.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if cm.Failed() {
		t.Error("Failed() should reset when a new call starts")
	}
}

func TestCallManager_StartFailure(t *testing.T) {
	t.Parallel()

	caller := newFakeCaller()
	caller.startErr = errors.New("dial refused")
	cm := app.NewCallManager(caller, "t1", "b1", nil)

	if err := cm.Start(context.Background()); err == nil {
		t.Fatal("Start() should surface the connect failure")
	}
	select {
	case <-cm.Ended():
	case <-time.After(2 * time.Second):
		t.Fatal("Ended() not closed after a failed start")
	}
	if cm.IsActive() || !cm.Failed() {
		t.Errorf("IsActive=%v Failed=%v, want false/true", cm.IsActive(), cm.Failed())
	}
}
