package memory_test

import (
	"testing"

	"github.com/valandreev/offlinenav/pkg/cache/store"
	"github.com/valandreev/offlinenav/pkg/cache/store/memory"
	"github.com/valandreev/offlinenav/pkg/cache/store/storetest"
)

func TestStoreContractWithMemory(t *testing.T) {
	storetest.RunStoreContract(t, func(tb testing.TB) store.Store {
		tb.Helper()
		return memory.New()
	})
}
