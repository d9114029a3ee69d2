package memstore

import (
	"testing"

	"github.com/ggoodman/estate-realtime/chat"
	"github.com/ggoodman/estate-realtime/chat/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) chat.Store {
		return New()
	})
}
