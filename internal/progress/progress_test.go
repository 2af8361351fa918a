package progress

import (
	"testing"
	"time"
)

func TestSetIsMonotonicSnapshot(t *testing.T) {
	r := New("test", 1000, 10)
	defer close(r.done)

	r.Set(100, 1)
	if r.bytesDone.Load() != 100 || r.blocksDone.Load() != 1 {
		t.Fatalf("Set(100, 1) did not update counters")
	}
	r.Set(500, 5)
	if r.bytesDone.Load() != 500 || r.blocksDone.Load() != 5 {
		t.Fatalf("Set(500, 5) did not update counters")
	}
}

func TestFormatBytesUnits(t *testing.T) {
	cases := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for input, want := range cases {
		if got := formatBytes(input); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", input, got, want)
		}
	}
}

func TestFormatDurationHoursMinutesSeconds(t *testing.T) {
	if got := formatDuration(time.Hour + 2*time.Minute + 3*time.Second); got != "1:02:03" {
		t.Errorf("formatDuration(1h2m3s) = %q, want %q", got, "1:02:03")
	}
}
