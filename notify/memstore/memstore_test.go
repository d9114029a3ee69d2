package memstore

import (
	"testing"

	"github.com/ggoodman/estate-realtime/notify"
	"github.com/ggoodman/estate-realtime/notify/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) notify.Store {
		return New()
	})
}
