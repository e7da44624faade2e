package control

import "testing"

func TestSignal(t *testing.T) {
	s := NewSignal()
	if s.IsSet() {
		t.Fatal("new signal should not be set")
	}
	select {
	case <-s.Done():
		t.Fatal("done closed before Set")
	default:
	}

	s.Set()
	s.Set()
	if !s.IsSet() {
		t.Fatal("expected signal set")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("expected done channel closed")
	}
}
