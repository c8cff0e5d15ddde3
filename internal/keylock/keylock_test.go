package keylock_test

import (
	"sync"
	"testing"

	"github.com/credyt/billing/internal/keylock"
)

func TestSameKeySerializes(t *testing.T) {
	l := keylock.New()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("cus_1")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter: got %d, want 100", counter)
	}
	if l.Len() != 0 {
		t.Errorf("expected no retained keys, got %d", l.Len())
	}
}

func TestDifferentKeysDoNotContend(t *testing.T) {
	l := keylock.New()
	unlockA := l.Lock("cus_a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock("cus_b")
		unlock()
		close(done)
	}()
	<-done
}
