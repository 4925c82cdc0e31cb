package keys

import (
	"testing"
)

func TestBalance(t *testing.T) {
	if got := Balance(42); got != "user:42" {
		t.Errorf("Expected user:42, got %s", got)
	}
}

func TestLock(t *testing.T) {
	if got := Lock(KindToken, 42); got != "lock:token:user:42" {
		t.Errorf("Expected lock:token:user:42, got %s", got)
	}

	if got := Lock(KindImage, 42); got != "lock:image:user:42" {
		t.Errorf("Expected lock:image:user:42, got %s", got)
	}

	// Different kinds must never collide for the same user
	if Lock(KindToken, 7) == Lock(KindImage, 7) {
		t.Error("Token and image lock keys must differ")
	}
}

func TestRateWindow(t *testing.T) {
	if got := RateWindow(CategoryCompletion, "42"); got != "rate:completion:42" {
		t.Errorf("Expected rate:completion:42, got %s", got)
	}

	if got := RateWindow(CategoryIP, "10.0.0.1"); got != "rate:ip:10.0.0.1" {
		t.Errorf("Expected rate:ip:10.0.0.1, got %s", got)
	}
}
