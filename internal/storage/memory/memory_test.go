package memory_test

import (
	"errors"
	"testing"

	"github.com/snehjoshi/leaseq/internal/storage"
	"github.com/snehjoshi/leaseq/internal/storage/memory"
	"github.com/snehjoshi/leaseq/internal/types"
)

func TestEngine_StoresCopies(t *testing.T) {
	e := memory.New()
	msg := types.Message{ID: "a", Body: []byte("hello"), Attributes: map[string]string{"k": "v"}}
	if err := e.Put(storage.Record{Message: msg}); err != nil {
		t.Fatal(err)
	}

	msg.Body[0] = 'X'
	msg.Attributes["k"] = "changed"

	var got storage.Record
	_ = e.ForEach(func(rec storage.Record) error {
		got = rec
		return nil
	})
	if string(got.Message.Body) != "hello" || got.Message.Attributes["k"] != "v" {
		t.Errorf("engine aliased caller memory: %+v", got.Message)
	}
}

func TestEngine_OrderAndRemove(t *testing.T) {
	e := memory.New()
	for _, id := range []string{"c", "a", "b"} {
		_ = e.Put(storage.Record{Message: types.Message{ID: id}})
	}
	_ = e.Remove("b")
	_ = e.Remove("nope")

	var ids []string
	_ = e.ForEach(func(rec storage.Record) error {
		ids = append(ids, rec.Message.ID)
		return nil
	})
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "c" {
		t.Errorf("ids = %v, want [a c]", ids)
	}
	if e.Len() != 2 {
		t.Errorf("Len = %d", e.Len())
	}
}

func TestEngine_Closed(t *testing.T) {
	e := memory.New()
	_ = e.Close()
	if err := e.Put(storage.Record{}); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Put = %v", err)
	}
	if err := e.ForEach(func(storage.Record) error { return nil }); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("ForEach = %v", err)
	}
}
