package treedb

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap"
)

// recordingVisitor captures decoded operations for comparison.
type recordingVisitor struct {
	ops []string
	kv  map[string]string
}

func newRecordingVisitor() *recordingVisitor {
	return &recordingVisitor{kv: make(map[string]string)}
}

func (v *recordingVisitor) Timestamp(int64) error { v.ops = append(v.ops, "ts"); return nil }
func (v *recordingVisitor) Reset() error          { v.ops = append(v.ops, "reset"); return nil }
func (v *recordingVisitor) Store(treeId uint64, key, value []byte) error {
	v.ops = append(v.ops, "store")
	v.kv[string(key)] = string(value)
	return nil
}
func (v *recordingVisitor) Delete(treeId uint64, key []byte) error {
	v.ops = append(v.ops, "delete")
	delete(v.kv, string(key))
	return nil
}
func (v *recordingVisitor) TxnEnter(uint64) error { v.ops = append(v.ops, "enter"); return nil }
func (v *recordingVisitor) TxnStore(txnId, treeId uint64, key, value []byte) error {
	v.ops = append(v.ops, "txnstore")
	v.kv[string(key)] = string(value)
	return nil
}
func (v *recordingVisitor) TxnDelete(txnId, treeId uint64, key []byte) error {
	v.ops = append(v.ops, "txndelete")
	return nil
}
func (v *recordingVisitor) TxnCommit(uint64) error      { v.ops = append(v.ops, "commit"); return nil }
func (v *recordingVisitor) TxnCommitFinal(uint64) error { v.ops = append(v.ops, "commitfinal"); return nil }
func (v *recordingVisitor) TxnRollback(uint64) error    { v.ops = append(v.ops, "rollback"); return nil }
func (v *recordingVisitor) RenameIndex(uint64, []byte) error {
	v.ops = append(v.ops, "rename")
	return nil
}
func (v *recordingVisitor) DeleteIndex(uint64) error { v.ops = append(v.ops, "delindex"); return nil }
func (v *recordingVisitor) Custom(uint64, []byte) error {
	v.ops = append(v.ops, "custom")
	return nil
}

func TestRedoWriter_roundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.log")
	w, err := NewRedoWriter(path, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewRedoWriter() error = %v", err)
	}

	if err := w.TxnEnter(10); err != nil {
		t.Fatalf("TxnEnter() error = %v", err)
	}
	if err := w.TxnStore(10, 3, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("TxnStore() error = %v", err)
	}
	if err := w.TxnCommitFinal(10); err != nil {
		t.Fatalf("TxnCommitFinal() error = %v", err)
	}
	if err := w.Store(3, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := w.Delete(3, []byte("b")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	v := newRecordingVisitor()
	if err := DecodeRedo(path, v); err != nil {
		t.Fatalf("DecodeRedo() error = %v", err)
	}
	wantOps := []string{"enter", "txnstore", "commitfinal", "store", "delete"}
	if !reflect.DeepEqual(v.ops, wantOps) {
		t.Errorf("decoded ops = %v, want %v", v.ops, wantOps)
	}
	if v.kv["a"] != "1" {
		t.Errorf("decoded kv[a] = %q, want %q", v.kv["a"], "1")
	}
	if _, ok := v.kv["b"]; ok {
		t.Errorf("decoded kv[b] present, want deleted")
	}

	if err := w.Close(true); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestRedoWriter_deltaTxnIds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.log")
	w, err := NewRedoWriter(path, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewRedoWriter() error = %v", err)
	}
	// Ids going up and down must both survive the delta encoding.
	ids := []uint64{5, 9, 2, 100, 3}
	for _, id := range ids {
		if err := w.TxnEnter(id); err != nil {
			t.Fatalf("TxnEnter(%d) error = %v", id, err)
		}
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	var got []uint64
	err = DecodeRedo(path, &txnIdCollector{ids: &got})
	if err != nil {
		t.Fatalf("DecodeRedo() error = %v", err)
	}
	if !reflect.DeepEqual(got, ids) {
		t.Errorf("decoded txn ids = %v, want %v", got, ids)
	}
}

type txnIdCollector struct {
	recordingVisitor
	ids *[]uint64
}

func (v *txnIdCollector) TxnEnter(id uint64) error {
	*v.ids = append(*v.ids, id)
	return nil
}

func TestDecodeRedo_tornTailStopsSilently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.log")
	w, err := NewRedoWriter(path, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewRedoWriter() error = %v", err)
	}
	if err := w.Store(1, []byte("good"), []byte("record")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	// Append garbage simulating a torn write.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := f.Write([]byte{redoOpStore, 0x81}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	f.Close()

	v := newRecordingVisitor()
	if err := DecodeRedo(path, v); err != nil {
		t.Fatalf("DecodeRedo() error = %v, want nil on torn tail", err)
	}
	if len(v.ops) != 1 || v.ops[0] != "store" {
		t.Errorf("decoded ops = %v, want just the intact store", v.ops)
	}
}

func TestRedoWriter_resetTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redo.log")
	w, err := NewRedoWriter(path, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewRedoWriter() error = %v", err)
	}
	for i := 0; i < 100; i++ {
		if err := w.Store(1, u64Key(uint64(i)), []byte("value")); err != nil {
			t.Fatalf("Store() error = %v", err)
		}
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	before := w.Position()

	if err := w.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	after := w.Position()
	if after >= before {
		t.Errorf("Position() after Reset = %v, want < %v", after, before)
	}

	v := newRecordingVisitor()
	if err := DecodeRedo(path, v); err != nil {
		t.Fatalf("DecodeRedo() error = %v", err)
	}
	if len(v.ops) != 1 || v.ops[0] != "reset" {
		t.Errorf("decoded ops after Reset = %v, want [reset]", v.ops)
	}
}
