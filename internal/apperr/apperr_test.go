package apperr

import (
	"errors"
	"testing"
)

func TestClassifyOrdersBudgetBeforeGeneric(t *testing.T) {
	kind := Classify("request rejected: budget exceeded for workspace")
	if kind != KindBudgetExceeded {
		t.Fatalf("Classify = %s, want %s", kind, KindBudgetExceeded)
	}
}

func TestClassifyRateLimit(t *testing.T) {
	if kind := Classify("429 too many requests"); kind != KindExternalCommandFailure {
		t.Fatalf("Classify = %s, want %s", kind, KindExternalCommandFailure)
	}
}

func TestClassifyUnknownOnEmpty(t *testing.T) {
	if kind := Classify(""); kind != KindUnknown {
		t.Fatalf("Classify(\"\") = %s, want %s", kind, KindUnknown)
	}
}

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := New(KindBudgetExceeded, "workspace over budget")
	wrapped := fmtWrap(base)
	if KindOf(wrapped) != KindBudgetExceeded {
		t.Fatalf("KindOf(wrapped) = %s, want %s", KindOf(wrapped), KindBudgetExceeded)
	}
}

func fmtWrap(err error) error {
	return errors.Join(err)
}

func TestIsRetryable(t *testing.T) {
	cases := map[Kind]bool{
		KindExternalCommandFailure:  true,
		KindProviderContractFailure: true,
		KindUserError:               false,
		KindBudgetExceeded:          false,
	}
	for kind, want := range cases {
		if got := IsRetryable(kind); got != want {
			t.Errorf("IsRetryable(%s) = %v, want %v", kind, got, want)
		}
	}
}
