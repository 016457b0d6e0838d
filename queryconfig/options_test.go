package queryconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults_MatchDocumentedValues(t *testing.T) {
	d := Defaults()
	if d.CacheTime.Std() != 7*24*time.Hour {
		t.Errorf("cacheTime default: got %v", d.CacheTime.Std())
	}
	if d.StaleTime.Std() != 2*time.Minute {
		t.Errorf("staleTime default: got %v", d.StaleTime.Std())
	}
	if d.MaxRetries != 3 {
		t.Errorf("maxRetries default: got %d", d.MaxRetries)
	}
	if !d.AbortInterruptedFetches {
		t.Error("expected abortInterruptedFetches to default true")
	}
}

func TestLoad_OverridesOnlySpecifiedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opts.yaml")
	if err := os.WriteFile(path, []byte("staleTime: 30s\nmaxRetries: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.StaleTime.Std() != 30*time.Second {
		t.Errorf("expected overridden staleTime, got %v", opts.StaleTime.Std())
	}
	if opts.MaxRetries != 5 {
		t.Errorf("expected overridden maxRetries, got %d", opts.MaxRetries)
	}
	if opts.CacheTime.Std() != 7*24*time.Hour {
		t.Errorf("expected default cacheTime preserved, got %v", opts.CacheTime.Std())
	}
}

func TestValidate_RejectsNonPositiveDurations(t *testing.T) {
	opts := Defaults()
	opts.StaleTime = Duration(0)
	if err := opts.Validate(); err == nil {
		t.Fatal("expected error for zero staleTime")
	}
}

func TestStaleTimeTooLow(t *testing.T) {
	opts := Defaults()
	opts.StaleTime = Duration(time.Second)
	if !opts.StaleTimeTooLow() {
		t.Fatal("expected 1s staleTime to trip the warning")
	}
	opts.SuppressStaleTimeWarning = true
	if opts.StaleTimeTooLow() {
		t.Fatal("expected suppression to silence the warning")
	}
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	d := Duration(5 * time.Minute)
	data, err := d.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"5m0s"` {
		t.Fatalf("expected 5m0s, got %s", data)
	}
	var decoded Duration
	if err := decoded.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Std() != 5*time.Minute {
		t.Fatalf("expected 5m, got %v", decoded.Std())
	}
}
