package errorsbp_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/reddit/vaultbp.go/errorsbp"
)

func TestBatchCompile(t *testing.T) {
	var batch errorsbp.Batch
	if err := batch.Compile(); err != nil {
		t.Errorf("expected nil error on empty batch, got %v", err)
	}

	single := errors.New("foo")
	batch.Add(single)
	if err := batch.Compile(); err != single {
		t.Errorf("expected the underlying error %v, got %v", single, err)
	}

	batch.Add(errors.New("bar"))
	err := batch.Compile()
	if err == nil {
		t.Fatal("expected non-nil error on batch with 2 errors")
	}
	var asBatch errorsbp.Batch
	if !errors.As(err, &asBatch) {
		t.Errorf("expected compiled error to be a Batch, got %T", err)
	}
	if asBatch.Len() != 2 {
		t.Errorf("expected batch size 2, got %d", asBatch.Len())
	}
}

func TestBatchSkipsNil(t *testing.T) {
	var batch errorsbp.Batch
	batch.Add(nil, nil)
	if batch.Len() != 0 {
		t.Errorf("expected empty batch, got %d errors", batch.Len())
	}
}

func TestBatchFlattens(t *testing.T) {
	var inner errorsbp.Batch
	inner.Add(errors.New("a"), errors.New("b"))

	var outer errorsbp.Batch
	outer.Add(inner, errors.New("c"))
	if outer.Len() != 3 {
		t.Errorf("expected flattened batch of 3, got %d", outer.Len())
	}
}

func TestBatchIsAs(t *testing.T) {
	sentinel := errors.New("sentinel")

	var batch errorsbp.Batch
	batch.Add(fmt.Errorf("wrapped: %w", sentinel))
	batch.Add(errors.New("other"))

	err := batch.Compile()
	if !errors.Is(err, sentinel) {
		t.Error("expected errors.Is to find the sentinel inside the batch")
	}
}
