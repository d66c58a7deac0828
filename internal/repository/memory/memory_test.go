package memory_test

import (
	"testing"

	"github.com/ericreilly999/inventory-release/internal/repository"
	"github.com/ericreilly999/inventory-release/internal/repository/memory"
	"github.com/ericreilly999/inventory-release/internal/repository/repotest"
)

func TestStoreContract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Store {
		return memory.New()
	})
}
