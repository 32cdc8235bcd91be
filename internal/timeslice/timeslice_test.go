package timeslice

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var (
	kindTick     = RegisterKind("test.tick", FlagInterrupt)
	kindDispatch = RegisterKind("test.dispatch", FlagDispatch)
)

func TestRecordsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	func() {
		w, err := Open(&buf)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer w.Close()

		if !Enabled() {
			t.Fatalf("trace not enabled after Open")
		}
		if _, err := Open(&bytes.Buffer{}); err == nil {
			t.Fatalf("second Open succeeded")
		}
		Record(kindTick, 100*time.Microsecond)
		Record(kindDispatch, 2*time.Millisecond)
	}()
	if Enabled() {
		t.Fatalf("trace still enabled after Close")
	}
	if buf.Len()%recordSize != 0 || buf.Len() < alignment {
		t.Fatalf("trace length %d", buf.Len())
	}

	var got []Sample
	if err := ReadAll(bytes.NewReader(buf.Bytes()), func(s Sample) error {
		got = append(got, s)
		return nil
	}); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := []Sample{
		{Kind: "test.tick", Flags: FlagInterrupt, Duration: 100 * time.Microsecond},
		{Kind: "test.dispatch", Flags: FlagDispatch, Duration: 2 * time.Millisecond},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRecordWithoutTraceIsDropped(t *testing.T) {
	Record(kindTick, time.Second)
	Since(kindTick, time.Now())
}

func TestRegisterKindIsIdempotent(t *testing.T) {
	if RegisterKind("test.tick", 0) != kindTick {
		t.Fatalf("re-registration allocated a new id")
	}
}

func TestManyRecordsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.tslf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w, err := Open(f)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const n = 1000
	for i := 0; i < n; i++ {
		Record(kindTick, time.Duration(i))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err == nil {
		t.Fatalf("double Close succeeded")
	}
	f.Close()

	f, err = os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var count int
	var sum time.Duration
	if err := ReadAll(f, func(s Sample) error {
		count++
		sum += s.Duration
		return nil
	}); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if count != n || sum != n*(n-1)/2 {
		t.Fatalf("count=%d sum=%d", count, sum)
	}
}

func TestReadAllRejectsForeignData(t *testing.T) {
	data := make([]byte, 64)
	err := ReadAll(bytes.NewReader(data), func(Sample) error { return nil })
	if !errors.Is(err, ErrBadTrace) {
		t.Fatalf("err = %v", err)
	}
}

func TestFlagsString(t *testing.T) {
	if got := (FlagInterrupt | FlagModelTime).String(); got != "isr,model" {
		t.Fatalf("flags = %q", got)
	}
}
