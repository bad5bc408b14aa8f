package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	if !IsPermanent(Permanent("bad", nil)) {
		t.Error("Permanent must classify as permanent")
	}
	if IsPermanent(Transient("retry", nil)) {
		t.Error("Transient must not classify as permanent")
	}
	if !IsStore(Store("db", nil)) {
		t.Error("Store must classify as store")
	}
	if IsStore(Permanent("bad", nil)) {
		t.Error("Permanent must not classify as store")
	}
}

func TestUnclassifiedDefaultsToTransient(t *testing.T) {
	err := fmt.Errorf("something odd")
	if IsPermanent(err) || IsStore(err) {
		t.Error("plain errors must be treated as transient")
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	inner := Permanent("bad", nil)
	wrapped := fmt.Errorf("context: %w", inner)
	if !IsPermanent(wrapped) {
		t.Error("wrapping must not hide the classification")
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("root cause")
	err := Transient("retry", cause)
	if !stderrors.Is(err, cause) {
		t.Error("the cause must be reachable via errors.Is")
	}
}
