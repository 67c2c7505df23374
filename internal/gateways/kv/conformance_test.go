package kv_test

import (
	"testing"

	"github.com/vitalhearts/core/internal/gateways/kv"
	"github.com/vitalhearts/core/internal/gateways/kv/kvtest"
)

func TestMemory_Conformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		return kv.NewMemory()
	})
}
