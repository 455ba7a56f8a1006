package dmguard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoRunsFnAndReturnsItsError(t *testing.T) {
	g := New(1, nil)
	want := errors.New("boom")
	err := g.Do(context.Background(), "test-op", func() error { return want })
	if !errors.Is(err, want) {
		t.Errorf("Do returned %v, want %v", err, want)
	}
}

func TestDoRecoversPanic(t *testing.T) {
	g := New(1, nil)
	err := g.Do(context.Background(), "test-op", func() error {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected an error recovered from the panic, got nil")
	}
}

func TestDoReleasesSlotOnPanic(t *testing.T) {
	g := New(1, nil)
	_ = g.Do(context.Background(), "first", func() error { panic("boom") })

	// if the panic had leaked the semaphore slot, this would block
	// forever; give it a context that can time out instead of hanging
	// the test suite.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ranSecond := false
	err := g.Do(ctx, "second", func() error {
		ranSecond = true
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ranSecond {
		t.Error("expected the second operation to run after the first released its slot")
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	g := New(1, nil)
	block := make(chan struct{})
	done := make(chan struct{})
	started := make(chan struct{})
	go func() {
		g.Do(context.Background(), "holder", func() error {
			close(started)
			<-block
			return nil
		})
		close(done)
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Do(ctx, "waiter", func() error { return nil })
	if err == nil {
		t.Fatal("expected an error from a context cancelled while waiting for a slot")
	}

	close(block)
	<-done
}
