package testutil

import (
	"context"

	"github.com/lucid-vigil/fleet/pkg/store"
	"github.com/stretchr/testify/mock"
)

// MockAction is a mock implementation of the actions.Action interface.
type MockAction struct {
	mock.Mock
	name string
}

func NewMockAction(name string) *MockAction {
	return &MockAction{name: name}
}

func (m *MockAction) Name() string {
	return m.name
}

func (m *MockAction) Execute(ctx context.Context, device *store.DeviceRecord, params map[string]interface{}) error {
	args := m.Called(ctx, device, params)
	return args.Error(0)
}
