package embkv

import "testing"

func TestReadSnapshotIsolation(t *testing.T) {
	db := newTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		_, err = b.Put([]byte("k"), []byte("v1"), true)
		return err
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	rtx, err := db.Begin(false)
	if err != nil {
		t.Fatalf("begin read failed: %v", err)
	}

	if err := db.Update(func(tx *Tx) error {
		_, err := tx.Bucket([]byte("b")).Put([]byte("k"), []byte("v2"), true)
		return err
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if got := rtx.Bucket([]byte("b")).Get([]byte("k")); string(got) != "v1" {
		t.Fatalf("expected snapshot value v1, got %q", got)
	}
	if err := rtx.Rollback(); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		if got := tx.Bucket([]byte("b")).Get([]byte("k")); string(got) != "v2" {
			t.Fatalf("expected committed value v2, got %q", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("view failed: %v", err)
	}
}

func TestManagedTxRejectsManualCommit(t *testing.T) {
	db := newTestDB(t)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic from committing inside a managed tx")
		}
	}()

	_ = db.Update(func(tx *Tx) error {
		_ = tx.Commit()
		return nil
	})
}

func TestOnCommitRunsAfterCommit(t *testing.T) {
	db := newTestDB(t)

	ran := false
	if err := db.Update(func(tx *Tx) error {
		tx.OnCommit(func() { ran = true })
		_, err := tx.CreateBucketIfNotExists([]byte("b"))
		return err
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if !ran {
		t.Fatalf("expected OnCommit handler to run")
	}
}

func TestRollbackDiscardsFreelistChanges(t *testing.T) {
	db := newTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("b"))
		if err != nil {
			return err
		}
		_, err = b.Put([]byte("k"), []byte("v"), true)
		return err
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	before := db.freelist.count()

	tx, err := db.Begin(true)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	b := tx.Bucket([]byte("b"))
	if err := b.Delete([]byte("k")); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	if after := db.freelist.count(); after != before {
		t.Fatalf("expected freelist to be unaffected by a rolled-back tx: before=%d after=%d", before, after)
	}
}
