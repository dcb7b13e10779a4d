package store

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"
)

func testRecord(i int, ts time.Time) Record {
	return Record{
		ID:        fmt.Sprintf("r%d", i),
		Timestamp: ts,
		Payload:   []byte(fmt.Sprintf(`{"n":%d}`, i)),
	}
}

func TestMemoryStore_BoundDropsOldest(t *testing.T) {
	s := NewMemoryStore(3)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := s.Save(context.Background(), testRecord(i, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.Load(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].ID != "r2" || recs[2].ID != "r4" {
		t.Errorf("expected oldest dropped, got %s..%s", recs[0].ID, recs[2].ID)
	}
}

func TestMemoryStore_SaveOverwritesByID(t *testing.T) {
	s := NewMemoryStore(10)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	rec := testRecord(1, base)
	if err := s.Save(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	rec.Payload = []byte(`{"n":"updated"}`)
	if err := s.Save(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	if s.Len() != 1 {
		t.Fatalf("overwrite must not grow the store, got %d", s.Len())
	}
	recs, _ := s.Load(context.Background(), 0)
	if string(recs[0].Payload) != `{"n":"updated"}` {
		t.Errorf("expected updated payload, got %s", recs[0].Payload)
	}
}

func TestMemoryStore_LoadLimitKeepsNewest(t *testing.T) {
	s := NewMemoryStore(10)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_ = s.Save(context.Background(), testRecord(i, base.Add(time.Duration(i)*time.Second)))
	}

	recs, err := s.Load(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ID != "r3" || recs[1].ID != "r4" {
		t.Errorf("expected the 2 newest oldest-first, got %+v", recs)
	}
}

func TestMemoryStore_CleanupReturnsExpired(t *testing.T) {
	s := NewMemoryStore(10)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	_ = s.Save(context.Background(), testRecord(0, base))
	_ = s.Save(context.Background(), testRecord(1, base.Add(time.Hour)))

	removed, err := s.Cleanup(context.Background(), base.Add(30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0].ID != "r0" {
		t.Errorf("expected r0 expired, got %+v", removed)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 surviving record, got %d", s.Len())
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore(10)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	_ = s.Save(context.Background(), testRecord(0, base))
	if err := s.Delete(context.Background(), "r0"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(context.Background(), "missing"); err != nil {
		t.Errorf("deleting a missing id must not error, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}

// recordingArchiver captures archived batches.
type recordingArchiver struct {
	batches [][]Record
	err     error
}

func (a *recordingArchiver) Archive(ctx context.Context, recs []Record) error {
	if a.err != nil {
		return a.err
	}
	a.batches = append(a.batches, recs)
	return nil
}

func TestRunRetention_ArchivesExpired(t *testing.T) {
	s := NewMemoryStore(10)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	_ = s.Save(context.Background(), testRecord(0, base))
	_ = s.Save(context.Background(), testRecord(1, base.Add(48*time.Hour)))

	archiver := &recordingArchiver{}
	RunRetention(context.Background(), s, archiver, 24*time.Hour, base.Add(48*time.Hour))

	if len(archiver.batches) != 1 || archiver.batches[0][0].ID != "r0" {
		t.Errorf("expected r0 archived, got %+v", archiver.batches)
	}
	if s.Len() != 1 {
		t.Errorf("expected expired record removed, got %d", s.Len())
	}
}

func TestRunRetention_ZeroRetentionIsNoop(t *testing.T) {
	s := NewMemoryStore(10)
	_ = s.Save(context.Background(), testRecord(0, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))

	RunRetention(context.Background(), s, nil, 0, time.Now())
	if s.Len() != 1 {
		t.Error("zero retention must not delete anything")
	}
}

func TestEncodeDecodeBatch_CompressionDetected(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	recs := []Record{testRecord(0, base), testRecord(1, base.Add(time.Second))}

	payload, contentType, err := EncodeBatch(recs, true)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "application/gzip" {
		t.Errorf("expected gzip content type, got %s", contentType)
	}
	if !bytes.HasPrefix(payload, []byte{0x1f, 0x8b}) {
		t.Error("compressed payload must start with the gzip magic bytes")
	}

	decoded, err := DecodeBatch(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 2 || decoded[0].ID != "r0" {
		t.Errorf("round trip lost records: %+v", decoded)
	}

	// Uncompressed batches decode through the same path.
	plain, contentType, err := EncodeBatch(recs, false)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "application/json" {
		t.Errorf("expected json content type, got %s", contentType)
	}
	if decoded, err = DecodeBatch(plain); err != nil || len(decoded) != 2 {
		t.Errorf("plain decode failed: %v %+v", err, decoded)
	}
}
