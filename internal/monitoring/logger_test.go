package monitoring

import (
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("custom logger was not called")
	}

	// nil installs a no-op logger
	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("no-op logger should not have triggered callback")
	}
}

func TestLogfDefault(t *testing.T) {
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logf panicked: %v", r)
		}
	}()
	Logf("test message: %s", "value")
}

func TestDebugf(t *testing.T) {
	original := Logf
	defer func() {
		Logf = original
		SetDebug(false)
	}()

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, format)
	})

	Debugf("hidden")
	if len(got) != 0 {
		t.Errorf("Debugf emitted with debug disabled: %v", got)
	}

	SetDebug(true)
	if !DebugEnabled() {
		t.Error("DebugEnabled = false after SetDebug(true)")
	}
	Debugf("visible")
	if len(got) != 1 || got[0] != "visible" {
		t.Errorf("Debugf with debug enabled: got %v, want [visible]", got)
	}

	SetDebug(false)
	Debugf("hidden again")
	if len(got) != 1 {
		t.Errorf("Debugf emitted after SetDebug(false): %v", got)
	}
}
