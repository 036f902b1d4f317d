package dpdb

import "testing"

func TestCreateMemWriteReadDelete(t *testing.T) {
	db, err := CreateMem(Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.Write([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	v, found, err := db.Read([]byte("k"))
	if err != nil || !found || string(v) != "v" {
		t.Fatalf("got %q found=%v err=%v", v, found, err)
	}

	existed, err := db.Delete([]byte("k"))
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}

	_, found, err = db.Read([]byte("k"))
	if err != nil || found {
		t.Fatalf("expected absent after delete, found=%v err=%v", found, err)
	}
}

func TestTransactionIsolationBeforeCommit(t *testing.T) {
	db, err := CreateMem(Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.Write([]byte("k"), []byte("head")); err != nil {
		t.Fatal(err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Write([]byte("k"), []byte("txn")); err != nil {
		t.Fatal(err)
	}

	v, _, err := db.Read([]byte("k"))
	if err != nil || string(v) != "head" {
		t.Fatalf("HEAD read must not see uncommitted write: got %q err=%v", v, err)
	}

	v, _, err = tx.Read([]byte("k"))
	if err != nil || string(v) != "txn" {
		t.Fatalf("txn must see its own write: got %q err=%v", v, err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	v, _, err = db.Read([]byte("k"))
	if err != nil || string(v) != "txn" {
		t.Fatalf("HEAD must see committed value: got %q err=%v", v, err)
	}
}

func TestTransactionRollbackDiscardsWrite(t *testing.T) {
	db, err := CreateMem(Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.Write([]byte("k"), []byte("head")); err != nil {
		t.Fatal(err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Write([]byte("k"), []byte("txn")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	v, _, err := db.Read([]byte("k"))
	if err != nil || string(v) != "head" {
		t.Fatalf("HEAD must be unchanged after rollback: got %q err=%v", v, err)
	}
}

func TestOpenEmptyInstanceFails(t *testing.T) {
	// A brand-new in-memory Filer has no header at all; Open must fail
	// with a storage/format error rather than panicking.
	if _, err := Open(Options{File: ""}); err == nil {
		t.Fatal("expected error opening a never-created instance")
	}
}

func TestAutocommitWriteProtectsOpenTransaction(t *testing.T) {
	db, err := CreateMem(Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.Write([]byte("k"), []byte("v1")); err != nil {
		t.Fatal(err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}

	if err := db.Write([]byte("k"), []byte("v2")); err != nil {
		t.Fatal(err)
	}

	v, found, err := tx.Read([]byte("k"))
	if err != nil || !found || string(v) != "v1" {
		t.Fatalf("a live transaction must still see the HEAD value from its own start: got %q found=%v err=%v", v, found, err)
	}

	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	v, _, err = db.Read([]byte("k"))
	if err != nil || string(v) != "v2" {
		t.Fatalf("HEAD must reflect the autocommit write once the transaction is gone: got %q err=%v", v, err)
	}
}

func TestAutocommitCreateInvisibleToOpenTransaction(t *testing.T) {
	db, err := CreateMem(Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}

	if err := db.Write([]byte("new"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	_, found, err := tx.Read([]byte("new"))
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("a key created by another autocommit write after the transaction began must stay invisible to it")
	}

	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
}

func TestAutoblessSurfacesClassTag(t *testing.T) {
	db, err := CreateMem(Options{Autobless: true})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.WriteClass([]byte("k"), []byte("v"), []byte("widget")); err != nil {
		t.Fatal(err)
	}

	value, classTag, found, err := db.ReadClass([]byte("k"))
	if err != nil || !found || string(value) != "v" || string(classTag) != "widget" {
		t.Fatalf("got value=%q classTag=%q found=%v err=%v", value, classTag, found, err)
	}
}

func TestClassTagHiddenWithoutAutobless(t *testing.T) {
	db, err := CreateMem(Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.WriteClass([]byte("k"), []byte("v"), []byte("widget")); err != nil {
		t.Fatal(err)
	}

	_, classTag, found, err := db.ReadClass([]byte("k"))
	if err != nil || !found || classTag != nil {
		t.Fatalf("classTag must stay nil when Autobless is off: got %q found=%v err=%v", classTag, found, err)
	}
}

func TestLockingImpliesAutoflush(t *testing.T) {
	opts := Options{Locking: LockExclusiveAccess}
	if err := opts.check(); err != nil {
		t.Fatal(err)
	}
	if !opts.Autoflush {
		t.Fatal("Locking other than LockNone must force Autoflush on")
	}

	opts = Options{Locking: LockNone}
	if err := opts.check(); err != nil {
		t.Fatal(err)
	}
	if opts.Autoflush {
		t.Fatal("LockNone must not force Autoflush on")
	}
}

func TestLockNoneWriteThenRead(t *testing.T) {
	db, err := CreateMem(Options{Locking: LockNone})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// LockNone must not block the instance's own subsequent operations
	// (there is no separate lock holder to deadlock against here; this
	// just exercises the no-op lockRead/lockWrite path end to end).
	if err := db.Write([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if _, found, err := db.Read([]byte("k")); err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
}
