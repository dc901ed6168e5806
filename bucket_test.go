package embkv

import (
	"bytes"
	"fmt"
	"testing"
)

func TestBucketPutGet(t *testing.T) {
	db := newTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("config"))
		if err != nil {
			return err
		}
		_, err = b.Put([]byte("key"), []byte("value"), true)
		return err
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("config"))
		if b == nil {
			t.Fatalf("expected bucket")
		}
		if got := b.Get([]byte("key")); string(got) != "value" {
			t.Fatalf("unexpected value: %s", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestNestedBucket(t *testing.T) {
	db := newTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		parent, err := tx.CreateBucketIfNotExists([]byte("parent"))
		if err != nil {
			return err
		}
		child, err := parent.CreateBucketIfNotExists([]byte("child"))
		if err != nil {
			return err
		}
		_, err = child.Put([]byte("k"), []byte("v"), true)
		return err
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		parent := tx.Bucket([]byte("parent"))
		if parent == nil {
			t.Fatalf("missing parent bucket")
		}
		child := parent.Bucket([]byte("child"))
		if child == nil {
			t.Fatalf("missing child bucket")
		}
		if got := child.Get([]byte("k")); string(got) != "v" {
			t.Fatalf("unexpected value: %s", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestBucketCreateExistingFails(t *testing.T) {
	db := newTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		if _, err := tx.CreateBucket([]byte("b")); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte("b"))
		if err != ErrBucketExists {
			t.Fatalf("expected ErrBucketExists, got %v", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
}

func TestBucketDeleteKey(t *testing.T) {
	db := newTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		if _, err := b.Put([]byte("k"), []byte("v"), true); err != nil {
			return err
		}
		return b.Delete([]byte("k"))
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		if got := b.Get([]byte("k")); got != nil {
			t.Fatalf("expected key to be gone, got %s", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestDeleteBucketRemovesContents(t *testing.T) {
	db := newTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		parent, err := tx.CreateBucketIfNotExists([]byte("parent"))
		if err != nil {
			return err
		}
		child, err := parent.CreateBucketIfNotExists([]byte("child"))
		if err != nil {
			return err
		}
		if _, err := child.Put([]byte("k"), []byte("v"), true); err != nil {
			return err
		}
		return tx.DeleteBucket([]byte("parent"))
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		if tx.Bucket([]byte("parent")) != nil {
			t.Fatalf("expected parent bucket to be gone")
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}

	if err := db.Check(); err != nil {
		t.Fatalf("check after delete failed: %v", err)
	}
}

func TestBucketForEachOrdered(t *testing.T) {
	db := newTestDB(t)

	want := []string{"a", "b", "c", "d"}
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		for _, k := range []string{"c", "a", "d", "b"} {
			if _, err := b.Put([]byte(k), []byte(k), true); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	var got []string
	if err := db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		return b.ForEach(func(k, _ []byte) error {
			got = append(got, string(k))
			return nil
		})
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected sorted order %v, got %v", want, got)
		}
	}
}

func TestNextSequenceIncrements(t *testing.T) {
	db := newTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		for i := uint64(1); i <= 3; i++ {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			if seq != i {
				t.Fatalf("expected sequence %d, got %d", i, seq)
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
}

// TestLargeBucketSplitsAcrossPages inserts enough keys to force at
// least one branch/leaf split and confirms every key still reads back
// correctly afterward.
func TestLargeBucketSplitsAcrossPages(t *testing.T) {
	db := newTestDB(t)

	const n = 2000
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("big"))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%06d", i))
			v := bytes.Repeat([]byte{byte(i)}, 64)
			if _, err := b.Put(k, v, true); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("big"))
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%06d", i))
			v := b.Get(k)
			if len(v) != 64 || v[0] != byte(i) {
				t.Fatalf("bad value for %s", k)
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}

	if err := db.Check(); err != nil {
		t.Fatalf("check failed: %v", err)
	}
}

func TestPutRejectsOversizeKey(t *testing.T) {
	db := newTestDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		_, err = b.Put(bytes.Repeat([]byte("k"), maxKeySize+1), []byte("v"), true)
		return err
	})
	if err != ErrKeyTooLarge {
		t.Fatalf("expected ErrKeyTooLarge, got %v", err)
	}
}

// TestPutNoOverwritePreservesExistingValue checks the overwrite=false
// path: an existing key is left untouched and Put reports (false, nil),
// while a still-missing key is stored and reports (true, nil).
func TestPutNoOverwritePreservesExistingValue(t *testing.T) {
	db := newTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}

		stored, err := b.Put([]byte("k"), []byte("v1"), false)
		if err != nil {
			return err
		}
		if !stored {
			t.Fatalf("expected first Put of a missing key to store and return true")
		}

		stored, err = b.Put([]byte("k"), []byte("v2"), false)
		if err != nil {
			return err
		}
		if stored {
			t.Fatalf("expected overwrite=false to refuse clobbering an existing key")
		}

		return nil
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		if got := tx.Bucket([]byte("b")).Get([]byte("k")); string(got) != "v1" {
			t.Fatalf("expected value to remain v1, got %q", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}
